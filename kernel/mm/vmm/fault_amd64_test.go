package vmm

import (
	"strings"
	"testing"

	"vmkernel/kernel/cpu"
	"vmkernel/kernel/gate"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockFaultSeams(t *testing.T, faultAddr uintptr) *[]interface{} {
	var panics []interface{}
	readCR2Fn = func() uint64 { return uint64(faultAddr) }
	panicFn = func(e interface{}) { panics = append(panics, e) }
	t.Cleanup(func() {
		readCR2Fn = cpu.ReadCR2
		panicFn = kfmt.Panic
		handleInterruptFn = gate.HandleInterrupt
	})
	return &panics
}

func TestInstallFaultHandlers(t *testing.T) {
	_, active, alloc := setupMachine(t, testP4Frame, 2)
	ctx := NewContext(active, alloc)

	registered := make(map[gate.InterruptNumber]gate.Handler)
	handleInterruptFn = func(intNumber gate.InterruptNumber, _ uint8, handler gate.Handler) {
		registered[intNumber] = handler
	}
	panics := mockFaultSeams(t, 0xbadf00d000)
	buf := captureOutput(t)

	InstallFaultHandlers(ctx)
	require.Len(t, registered, 2)
	require.Contains(t, registered, gate.PageFaultException)
	require.Contains(t, registered, gate.GPFException)

	registered[gate.GPFException](&gate.Registers{})
	assert.Contains(t, buf.String(), "General protection fault while accessing address: 0xbadf00d000")
	require.Len(t, *panics, 1)
	assert.Equal(t, errUnrecoverableFault, (*panics)[0])
}

func TestPageFaultHandler(t *testing.T) {
	_, active, alloc := setupMachine(t, testP4Frame, 2)
	ctx := NewContext(active, alloc)
	require.Nil(t, ctx.MapTo(mm.MustPageFromAddress(0x1000_0000), 0x321, FlagRW))

	specs := []struct {
		info   uint64
		reason string
	}{
		{0, "read from non-present page"},
		{1, "page protection violation (read)"},
		{2, "write to non-present page"},
		{3, "page protection violation (write)"},
		{4, "page-fault in user-mode"},
		{8, "page table has reserved bit set"},
		{16, "instruction fetch"},
		{0xf00, "unknown"},
	}

	for specIndex, spec := range specs {
		panics := mockFaultSeams(t, 0x1000_0abc)
		buf := captureOutput(t)

		pageFaultHandler(ctx, &gate.Registers{Info: spec.info})

		out := buf.String()
		assert.Contains(t, out, "Page fault while accessing address: 0x0000000010000abc", "[spec %d]", specIndex)
		assert.Contains(t, out, "Reason: "+spec.reason+"\n", "[spec %d]", specIndex)
		assert.Contains(t, out, "Mapping: 0x321abc", "[spec %d]", specIndex)
		assert.Contains(t, out, "Registers:\nRAX = ", "[spec %d]", specIndex)
		require.Len(t, *panics, 1, "[spec %d]", specIndex)
		assert.Equal(t, errUnrecoverableFault, (*panics)[0], "[spec %d]", specIndex)
	}
}

func TestPageFaultHandlerMapping(t *testing.T) {
	_, active, alloc := setupMachine(t, testP4Frame, 2)
	ctx := NewContext(active, alloc)

	t.Run("unmapped address", func(t *testing.T) {
		mockFaultSeams(t, 0x2000_0000)
		buf := captureOutput(t)

		pageFaultHandler(ctx, &gate.Registers{Info: 2})
		assert.Contains(t, buf.String(), "Mapping: none ("+ErrInvalidMapping.Message+")")
	})

	t.Run("page tables locked", func(t *testing.T) {
		mockFaultSeams(t, 0x2000_0000)
		buf := captureOutput(t)

		ctx.mutex.Acquire()
		pageFaultHandler(ctx, &gate.Registers{Info: 2})
		ctx.mutex.Release()

		out := buf.String()
		assert.Contains(t, out, "Mapping: unavailable (page tables locked)")
		assert.False(t, strings.Contains(out, "none ("))
	})
}
