package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/gate"
	"vmkernel/kernel/kfmt"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleInterruptFn = gate.HandleInterrupt
	readCR2Fn         = cpu.ReadCR2
	panicFn           = kfmt.Panic

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault", Kind: kernel.KindInvariant}
)

// InstallFaultHandlers registers the page fault and general protection fault
// handlers. Faults are not recoverable; the handlers print diagnostics
// obtained through ctx and halt the system.
func InstallFaultHandlers(ctx *Context) {
	handleInterruptFn(gate.PageFaultException, 0, func(regs *gate.Registers) {
		pageFaultHandler(ctx, regs)
	})
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails.
func pageFaultHandler(ctx *Context, regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case regs.Info == 0:
		kfmt.Printf("read from non-present page")
	case regs.Info == 1:
		kfmt.Printf("page protection violation (read)")
	case regs.Info == 2:
		kfmt.Printf("write to non-present page")
	case regs.Info == 3:
		kfmt.Printf("page protection violation (write)")
	case regs.Info == 4:
		kfmt.Printf("page-fault in user-mode")
	case regs.Info == 8:
		kfmt.Printf("page table has reserved bit set")
	case regs.Info == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\nMapping: ")
	printMapping(ctx, faultAddress)

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}

// printMapping prints the physical address that faultAddress translates to.
// The lookup is skipped if the fault occurred while the page tables were
// being modified.
func printMapping(ctx *Context, faultAddress uintptr) {
	if !ctx.mutex.TryToAcquire() {
		kfmt.Printf("unavailable (page tables locked)")
		return
	}
	defer ctx.mutex.Release()

	switch physAddr, err := ctx.active.Translate(faultAddress); err {
	case nil:
		kfmt.Printf("0x%x", physAddr)
	default:
		kfmt.Printf("none (%s)", err.Message)
	}
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}
