// Package sim provides a software model of the amd64 MMU. It allows the
// paging code to run unmodified inside a hosted process: physical memory is
// backed by an anonymous memory mapping, CR3 is a plain field and virtual
// addresses are resolved by walking the page tables stored in that memory
// using the same encoding as the hardware. Translations are cached in a TLB
// model that is only invalidated by explicit flushes, so missing flushes in
// the code under test show up as stale accesses.
package sim

import (
	"fmt"
	"unsafe"

	"vmkernel/kernel/mm"

	"github.com/cespare/xxhash"
)

const (
	entryPresent   = uint64(1 << 0)
	entryRW        = uint64(1 << 1)
	entryHuge      = uint64(1 << 7)
	entryGlobal    = uint64(1 << 8)
	entryFrameMask = uint64(0x000f_ffff_ffff_f000)

	recursiveIndex = 511
)

// PageFault is raised (via panic) when the model fails to translate a
// virtual address.
type PageFault struct {
	// The virtual address that could not be translated.
	Addr uintptr

	// The table level (4 to 1) where the walk stopped.
	Level int

	// Reason describes why the walk stopped.
	Reason string
}

// Error implements the error interface.
func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at %#x (P%d): %s", f.Addr, f.Level, f.Reason)
}

// Stats counts the MMU operations performed by a Machine.
type Stats struct {
	EntryFlushes int
	FullFlushes  int
	Switches     int
	Walks        int
}

type tlbEntry struct {
	frameAddr uintptr
	global    bool
}

// Machine models the physical memory and the MMU of a single core.
type Machine struct {
	ram     []byte
	release func() error

	cr3   uintptr
	tlb   map[uintptr]tlbEntry
	stats Stats
}

// New creates a Machine with ramSize bytes of physical memory. The size is
// rounded up to a multiple of mm.PageSize.
func New(ramSize uintptr) (*Machine, error) {
	ramSize = (ramSize + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if ramSize == 0 {
		return nil, fmt.Errorf("sim: ram size must be greater than zero")
	}

	ram, release, err := allocRAM(int(ramSize))
	if err != nil {
		return nil, fmt.Errorf("sim: unable to allocate %d bytes of ram: %w", ramSize, err)
	}

	return &Machine{
		ram:     ram,
		release: release,
		tlb:     make(map[uintptr]tlbEntry),
	}, nil
}

// Close releases the memory backing the machine.
func (m *Machine) Close() error {
	if m.release == nil {
		return nil
	}
	err := m.release()
	m.ram, m.release = nil, nil
	return err
}

// RAMSize returns the size of the physical memory in bytes.
func (m *Machine) RAMSize() uintptr { return uintptr(len(m.ram)) }

// Stats returns the operation counters for this machine.
func (m *Machine) Stats() Stats { return m.stats }

// Boot installs a fresh P4 table at the given frame with its last entry
// pointing back to itself and loads it into CR3. This mirrors the state the
// boot code hands over to the kernel.
func (m *Machine) Boot(p4 mm.Frame) {
	m.ZeroFrame(p4)
	m.WritePhys64(p4.Address()+recursiveIndex<<mm.PointerShift, uint64(p4.Address())|entryPresent|entryRW)
	m.SwitchPDT(p4.Address())
}

// ActivePDT returns the physical address loaded in CR3.
func (m *Machine) ActivePDT() uintptr { return m.cr3 }

// SwitchPDT loads a new root table and drops all non-global translations.
func (m *Machine) SwitchPDT(pdtPhysAddr uintptr) {
	m.stats.Switches++
	m.cr3 = pdtPhysAddr &^ (mm.PageSize - 1)
	m.dropNonGlobal()
}

// FlushTLB drops all non-global translations.
func (m *Machine) FlushTLB() {
	m.stats.FullFlushes++
	m.dropNonGlobal()
}

// FlushTLBEntry drops the cached translation for the page containing virtAddr.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
	m.stats.EntryFlushes++
	delete(m.tlb, virtAddr&^(mm.PageSize-1))
}

// Deref translates virtAddr using the TLB model (walking the active tables
// on a miss) and returns a pointer to the backing physical memory. The
// returned pointer is only valid up to the end of the page. Deref panics
// with a *PageFault if the address is not mapped.
func (m *Machine) Deref(virtAddr uintptr) unsafe.Pointer {
	pageAddr := virtAddr &^ (mm.PageSize - 1)

	cached, ok := m.tlb[pageAddr]
	if !ok {
		frameAddr, global, fault := m.walk(virtAddr)
		if fault != nil {
			panic(fault)
		}
		cached = tlbEntry{frameAddr: frameAddr, global: global}
		m.tlb[pageAddr] = cached
	}

	return m.PhysPtr(cached.frameAddr + mm.PageOffset(virtAddr))
}

// Translate walks the active tables without consulting or updating the TLB
// and returns the physical address for virtAddr.
func (m *Machine) Translate(virtAddr uintptr) (uintptr, bool) {
	frameAddr, _, fault := m.walk(virtAddr)
	if fault != nil {
		return 0, false
	}
	return frameAddr + mm.PageOffset(virtAddr), true
}

// Cached returns true if the TLB model holds a translation for virtAddr.
func (m *Machine) Cached(virtAddr uintptr) bool {
	_, ok := m.tlb[virtAddr&^(mm.PageSize-1)]
	return ok
}

// walk resolves virtAddr to the physical address of its 4K frame.
func (m *Machine) walk(virtAddr uintptr) (uintptr, bool, *PageFault) {
	m.stats.Walks++

	if !mm.IsCanonical(virtAddr) {
		return 0, false, &PageFault{Addr: virtAddr, Level: 4, Reason: "non-canonical address"}
	}

	tableAddr := m.cr3
	for level := 4; level > 0; level-- {
		shift := mm.PageShift + uintptr(9*(level-1))
		index := (virtAddr >> shift) & (mm.EntriesPerTable - 1)
		entry := m.ReadPhys64(tableAddr + index<<mm.PointerShift)

		if entry&entryPresent == 0 {
			return 0, false, &PageFault{Addr: virtAddr, Level: level, Reason: "entry not present"}
		}

		next := uintptr(entry & entryFrameMask)
		if entry&entryHuge != 0 && (level == 3 || level == 2) {
			size := uintptr(1) << shift
			if next&(size-1) != 0 {
				return 0, false, &PageFault{Addr: virtAddr, Level: level, Reason: "reserved bits set in huge page entry"}
			}
			offset := virtAddr & (size - 1) &^ (mm.PageSize - 1)
			return next + offset, entry&entryGlobal != 0, nil
		}

		if level == 1 {
			return next, entry&entryGlobal != 0, nil
		}
		tableAddr = next
	}

	// unreachable
	return 0, false, nil
}

func (m *Machine) dropNonGlobal() {
	for page, entry := range m.tlb {
		if !entry.global {
			delete(m.tlb, page)
		}
	}
}

// PhysPtr returns a pointer to the given physical address. It panics if the
// address lies outside the machine's memory.
func (m *Machine) PhysPtr(physAddr uintptr) unsafe.Pointer {
	if physAddr >= uintptr(len(m.ram)) {
		panic(fmt.Sprintf("sim: physical address %#x outside of ram (size %#x)", physAddr, len(m.ram)))
	}
	return unsafe.Pointer(&m.ram[physAddr])
}

// ReadPhys64 reads the 64-bit word at physAddr.
func (m *Machine) ReadPhys64(physAddr uintptr) uint64 {
	return *(*uint64)(m.PhysPtr(physAddr))
}

// WritePhys64 writes a 64-bit word at physAddr.
func (m *Machine) WritePhys64(physAddr uintptr, value uint64) {
	*(*uint64)(m.PhysPtr(physAddr)) = value
}

// FrameBytes returns the contents of a physical frame.
func (m *Machine) FrameBytes(frame mm.Frame) []byte {
	start := frame.Address()
	_ = m.PhysPtr(start + mm.PageSize - 1)
	return m.ram[start : start+mm.PageSize]
}

// ZeroFrame clears the contents of a physical frame.
func (m *Machine) ZeroFrame(frame mm.Frame) {
	clear(m.FrameBytes(frame))
}

// FrameChecksum returns a fingerprint of a physical frame's contents.
func (m *Machine) FrameChecksum(frame mm.Frame) uint64 {
	return xxhash.Sum64(m.FrameBytes(frame))
}
