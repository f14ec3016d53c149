package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"

	"github.com/negrel/assert"
)

var (
	// ErrHugePage is returned when an operation that only supports 4K
	// pages encounters a huge page entry.
	ErrHugePage = &kernel.Error{Module: "vmm", Message: "huge pages are not supported by this operation", Kind: kernel.KindInvariant}
)

// tableView provides access to the 512 entries of a page table that is
// reachable at a virtual address.
type tableView struct {
	addr uintptr
	mmu  MMU
}

func (t tableView) entries() *[mm.EntriesPerTable]Entry {
	return (*[mm.EntriesPerTable]Entry)(t.mmu.Deref(t.addr))
}

func (t tableView) entryPtr(index uintptr) *Entry {
	assert.Less(index, mm.EntriesPerTable, "page table index out of range")
	return &t.entries()[index]
}

// Address returns the virtual address where the table can be accessed.
func (t tableView) Address() uintptr {
	return t.addr
}

// Entry returns the entry at index.
func (t tableView) Entry(index uintptr) Entry {
	return *t.entryPtr(index)
}

// SetEntry overwrites the entry at index.
func (t tableView) SetEntry(index uintptr, entry Entry) {
	*t.entryPtr(index) = entry
}

// Zero marks all table entries as unused.
func (t tableView) Zero() {
	entries := t.entries()
	for i := range entries {
		entries[i] = 0
	}
}

// nextTableAddress returns the virtual address of the table that entry index
// points to. Child tables are reachable through the recursive mapping by
// shifting the table address left by 9 bits and inserting the entry index.
func (t tableView) nextTableAddress(index uintptr) (uintptr, bool) {
	entry := t.Entry(index)
	if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
		return 0, false
	}

	return (t.addr << 9) | (index << mm.PageShift), true
}

func (t tableView) nextTable(index uintptr) (tableView, bool) {
	addr, ok := t.nextTableAddress(index)
	if !ok {
		return tableView{}, false
	}
	return tableView{addr: addr, mmu: t.mmu}, true
}

// nextTableCreate returns the table that entry index points to, allocating a
// zeroed table if the entry is not present.
func (t tableView) nextTableCreate(index uintptr, alloc mm.FrameAllocator) (tableView, *kernel.Error) {
	if next, ok := t.nextTable(index); ok {
		return next, nil
	}

	entry := t.entryPtr(index)
	if entry.HasFlags(FlagPresent | FlagHugePage) {
		return tableView{}, ErrHugePage
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		return tableView{}, err
	}

	if err = entry.Set(frame, FlagPresent|FlagRW); err != nil {
		return tableView{}, err
	}

	next := tableView{addr: (t.addr << 9) | (index << mm.PageShift), mmu: t.mmu}
	t.mmu.FlushTLBEntry(next.addr)
	next.Zero()
	return next, nil
}

// P4Table is the top-level page table.
type P4Table struct{ tableView }

// P3Table is a page directory pointer table.
type P3Table struct{ tableView }

// P2Table is a page directory.
type P2Table struct{ tableView }

// P1Table is a leaf page table whose entries point to 4K frames.
type P1Table struct{ tableView }

// NextTable returns the P3 table that entry index points to. It returns
// false if the entry is not present.
func (t P4Table) NextTable(index uintptr) (P3Table, bool) {
	next, ok := t.nextTable(index)
	return P3Table{next}, ok
}

// NextTableCreate returns the P3 table that entry index points to, creating
// it if needed.
func (t P4Table) NextTableCreate(index uintptr, alloc mm.FrameAllocator) (P3Table, *kernel.Error) {
	next, err := t.nextTableCreate(index, alloc)
	return P3Table{next}, err
}

// NextTable returns the P2 table that entry index points to. It returns
// false if the entry is not present or maps a 1G page.
func (t P3Table) NextTable(index uintptr) (P2Table, bool) {
	next, ok := t.nextTable(index)
	return P2Table{next}, ok
}

// NextTableCreate returns the P2 table that entry index points to, creating
// it if needed. It returns ErrHugePage if the entry maps a 1G page.
func (t P3Table) NextTableCreate(index uintptr, alloc mm.FrameAllocator) (P2Table, *kernel.Error) {
	next, err := t.nextTableCreate(index, alloc)
	return P2Table{next}, err
}

// NextTable returns the P1 table that entry index points to. It returns
// false if the entry is not present or maps a 2M page.
func (t P2Table) NextTable(index uintptr) (P1Table, bool) {
	next, ok := t.nextTable(index)
	return P1Table{next}, ok
}

// NextTableCreate returns the P1 table that entry index points to, creating
// it if needed. It returns ErrHugePage if the entry maps a 2M page.
func (t P2Table) NextTableCreate(index uintptr, alloc mm.FrameAllocator) (P1Table, *kernel.Error) {
	next, err := t.nextTableCreate(index, alloc)
	return P1Table{next}, err
}

// Frame returns the frame mapped by entry index.
func (t P1Table) Frame(index uintptr) (mm.Frame, bool) {
	return t.Entry(index).Frame()
}
