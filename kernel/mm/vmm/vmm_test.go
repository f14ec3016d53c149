package vmm

import (
	"bytes"
	"testing"

	"vmkernel/kernel"
	"vmkernel/kernel/cpu/sim"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRAMSize = 16 << 20

	// testP4Frame holds the boot P4 of the simulated machine.
	testP4Frame = mm.Frame(1)
)

// testAllocator hands out frames sequentially and reuses freed frames.
type testAllocator struct {
	next, last mm.Frame
	freed      []mm.Frame
	allocated  int
}

func (a *testAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if n := len(a.freed); n > 0 {
		frame := a.freed[n-1]
		a.freed = a.freed[:n-1]
		a.allocated++
		return frame, nil
	}

	if a.next > a.last {
		return mm.InvalidFrame, mm.ErrOutOfMemory
	}

	a.next++
	a.allocated++
	return a.next - 1, nil
}

func (a *testAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	a.freed = append(a.freed, frame)
	return nil
}

func (a *testAllocator) wasFreed(frame mm.Frame) bool {
	for _, f := range a.freed {
		if f == frame {
			return true
		}
	}
	return false
}

// setupMachine boots a simulated machine whose P4 only contains the
// recursive mapping and returns an allocator for the frames after first.
func setupMachine(t *testing.T, p4 mm.Frame, first mm.Frame) (*sim.Machine, *ActivePageTable, *testAllocator) {
	m, err := sim.New(testRAMSize)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, m.Close()) })

	m.Boot(p4)
	return m, NewActivePageTable(m), &testAllocator{next: first, last: mm.Frame(testRAMSize/mm.PageSize - 1)}
}

func captureOutput(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	buf.Reset()
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })
	return &buf
}

// leafEntry returns the P1 entry for virtAddr in the active tables.
func leafEntry(t *testing.T, active *ActivePageTable, virtAddr uintptr) Entry {
	page := mm.MustPageFromAddress(virtAddr)
	p1, err := active.leafTable(page)
	require.Nil(t, err)
	return p1.Entry(page.P1Index())
}
