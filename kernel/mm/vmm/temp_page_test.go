package vmm

import (
	"testing"

	"vmkernel/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTinyAllocator(t *testing.T) {
	var tiny tinyAllocator
	alloc := &testAllocator{next: 10, last: 20}
	require.Nil(t, tiny.fill(alloc))

	for exp := mm.Frame(10); exp < 13; exp++ {
		frame, err := tiny.AllocFrame()
		require.Nil(t, err)
		assert.Equal(t, exp, frame)
	}

	_, err := tiny.AllocFrame()
	assert.Equal(t, mm.ErrOutOfMemory, err)

	for frame := mm.Frame(10); frame < 13; frame++ {
		require.Nil(t, tiny.FreeFrame(frame))
	}
	assert.Equal(t, errTinyAllocatorFull, tiny.FreeFrame(13))

	alloc = &testAllocator{next: 10, last: 11}
	assert.Equal(t, mm.ErrOutOfMemory, tiny.fill(alloc))
}

func TestTemporaryPage(t *testing.T) {
	m, active, alloc := setupMachine(t, testP4Frame, 2)

	temp, err := NewTemporaryPage(mm.MustPageFromAddress(mm.TempMappingAddr), alloc)
	require.Nil(t, err)
	assert.Equal(t, mm.MustPageFromAddress(mm.TempMappingAddr), temp.Page())

	target := mm.Frame(0x400)
	m.FrameBytes(target)[8] = 0x99

	addr, err := temp.Map(target, active)
	require.Nil(t, err)
	assert.Equal(t, mm.TempMappingAddr, addr)
	assert.Equal(t, byte(0x99), *(*byte)(m.Deref(addr + 8)))
	assert.Equal(t, FlagPresent|FlagRW, leafEntry(t, active, addr).Flags())

	_, err = temp.Map(target+1, active)
	assert.Equal(t, ErrAlreadyMapped, err)

	require.Nil(t, temp.Unmap(active))
	assert.False(t, alloc.wasFreed(target), "expected mapped frame not to be released")
	_, err = active.Translate(mm.TempMappingAddr)
	assert.Equal(t, ErrInvalidMapping, err)

	// the tables created for the first mapping are reused
	table, err := temp.MapTableFrame(target, active)
	require.Nil(t, err)
	assert.Equal(t, Entry(0x99), table.Entry(1))
	require.Nil(t, temp.Unmap(active))

	assert.Equal(t, ErrInvalidMapping, temp.Unmap(active))
}
