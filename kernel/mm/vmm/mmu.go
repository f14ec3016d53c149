package vmm

import (
	"unsafe"

	"vmkernel/kernel/cpu"
)

// MMU abstracts the memory management unit operations used by the page
// table code. On bare metal it is backed by the CPU; hosted builds use a
// software model of the same hardware.
type MMU interface {
	// ActivePDT returns the physical address of the active P4 table.
	ActivePDT() uintptr

	// SwitchPDT loads a new P4 table and flushes the TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// FlushTLB flushes all non-global TLB entries.
	FlushTLB()

	// FlushTLBEntry flushes the TLB entry for the page containing virtAddr.
	FlushTLBEntry(virtAddr uintptr)

	// Deref returns a pointer through which virtAddr can be accessed.
	Deref(virtAddr uintptr) unsafe.Pointer
}

type hardwareMMU struct{}

// HardwareMMU returns an MMU implementation that uses privileged CPU
// instructions and plain pointer dereferences.
func HardwareMMU() MMU {
	return hardwareMMU{}
}

func (hardwareMMU) ActivePDT() uintptr             { return cpu.ActivePDT() }
func (hardwareMMU) SwitchPDT(pdtPhysAddr uintptr)  { cpu.SwitchPDT(pdtPhysAddr) }
func (hardwareMMU) FlushTLB()                      { cpu.FlushTLB() }
func (hardwareMMU) FlushTLBEntry(virtAddr uintptr) { cpu.FlushTLBEntry(virtAddr) }

func (hardwareMMU) Deref(virtAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(virtAddr)
}
