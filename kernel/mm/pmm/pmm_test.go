package pmm

import (
	"bytes"
	"strings"
	"testing"

	"vmkernel/kernel/cpu/sim"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/mm/vmm"
	"vmkernel/multiboot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bootInfo is a BootInfo backed by a memory map and a fixed info range.
type bootInfo struct {
	memoryMap
	start, end uintptr
}

func (b bootInfo) Range() (uintptr, uintptr) { return b.start, b.end }

func captureOutput(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	buf.Reset()
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })
	return &buf
}

func TestInit(t *testing.T) {
	buf := captureOutput(t)
	info := bootInfo{
		memoryMap: memoryMap{
			available(0, 0x9fc00),
			{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
			available(0x100000, 0x700000),
		},
		start: 0x210000,
		end:   0x210400,
	}

	alloc, err := Init(info, 0x100000, 0x200000)
	require.Nil(t, err)
	require.Len(t, alloc.Reserved(), 3)

	for exp := mm.Frame(0x200); exp < 0x202; exp++ {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err)
		assert.Equal(t, exp, frame)
	}

	// the frames holding the boot info are skipped
	for {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err)
		require.NotEqual(t, mm.Frame(0x210), frame)
		if frame > 0x210 {
			assert.Equal(t, mm.Frame(0x211), frame)
			break
		}
	}

	out := buf.String()
	for _, exp := range []string{
		"[pmm] system memory map:\n",
		"[pmm] \t[0x0000100000 - 0x0000800000], size:    7340032, type: available\n",
		"[pmm] free memory: 7807Kb\n",
	} {
		assert.True(t, strings.Contains(out, exp), "expected output to contain %q; got:\n%s", exp, out)
	}
}

func TestBootstrapBitmap(t *testing.T) {
	captureOutput(t)

	const ramSize = 8 << 20
	m, err := sim.New(ramSize)
	require.NoError(t, err)
	defer m.Close()

	// frame 0 is reserved and frame 1 holds the boot P4
	m.Boot(1)

	var area AreaAllocator
	require.Nil(t, area.Init(memoryMap{available(0, ramSize)}, mm.FrameRange{First: 0, Last: 1}))

	locked := NewLockedAllocator(&area)
	ctx := vmm.NewContext(vmm.NewActivePageTable(m), locked)

	bitmap, kErr := BootstrapBitmap(&area, ctx)
	require.Nil(t, kErr)

	lastFrame := mm.Frame(ramSize/mm.PageSize - 1)
	assert.Equal(t, lastFrame, bitmap.LastFrame())

	handoff := area.Next()
	assert.Equal(t, uint64(lastFrame+1-handoff), bitmap.FreeCount())
	for frame := mm.Frame(0); frame < handoff; frame++ {
		assert.False(t, bitmap.IsFree(frame), "expected frame %d handed out by the boot allocator to be in use", frame)
	}

	// the bitmap lives in the first frame allocated from the area
	// allocator; frames 3-5 hold the tables for the mapped region
	storageFrame := mm.Frame(2)
	require.Equal(t, mm.Frame(6), handoff)
	assert.Equal(t, byte(0x3f), m.FrameBytes(storageFrame)[0])

	locked.Swap(bitmap)
	frame, kErr := locked.AllocFrame()
	require.Nil(t, kErr)
	assert.Equal(t, handoff, frame)
	assert.Equal(t, byte(0x7f), m.FrameBytes(storageFrame)[0])

	require.Nil(t, locked.FreeFrame(frame))
	assert.Equal(t, byte(0x3f), m.FrameBytes(storageFrame)[0])
}

func TestBootstrapBitmapWithoutMemory(t *testing.T) {
	var area AreaAllocator
	require.Nil(t, area.Init(memoryMap{}))

	_, err := BootstrapBitmap(&area, nil)
	assert.Equal(t, mm.ErrOutOfMemory, err)
}
