package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindInvariant}

	// ErrAlreadyMapped is returned when trying to map a page whose P1
	// entry is already in use.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped", Kind: kernel.KindInvariant}

	// ErrMisalignedHugePage is returned when a huge page entry points to a
	// frame that is not aligned to the huge page size.
	ErrMisalignedHugePage = &kernel.Error{Module: "vmm", Message: "huge page start frame is not aligned", Kind: kernel.KindInvariant}
)

// Mapper installs and removes mappings in the page table hierarchy that is
// reachable through the recursive P4 slot.
type Mapper struct {
	mmu MMU
	p4  P4Table
}

func newMapper(mmu MMU) Mapper {
	return Mapper{
		mmu: mmu,
		p4:  P4Table{tableView{addr: mm.RecursiveP4Addr, mmu: mmu}},
	}
}

// P4 returns the P4 table reachable through the recursive mapping.
func (m *Mapper) P4() P4Table {
	return m.p4
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	page, err := mm.PageFromAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	frame, err := m.TranslatePage(page)
	if err != nil {
		return 0, err
	}

	return frame.Address() + mm.PageOffset(virtAddr), nil
}

// TranslatePage returns the frame that page is mapped to. Pages that belong
// to a 1G or 2M huge page resolve to the matching frame inside it.
func (m *Mapper) TranslatePage(page mm.Page) (mm.Frame, *kernel.Error) {
	p3, ok := m.p4.NextTable(page.P4Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	p3Entry := p3.Entry(page.P3Index())
	if p3Entry.HasFlags(FlagPresent | FlagHugePage) {
		start, _ := p3Entry.Frame()
		if uintptr(start)%(mm.EntriesPerTable*mm.EntriesPerTable) != 0 {
			return mm.InvalidFrame, ErrMisalignedHugePage
		}
		return start + mm.Frame(page.P2Index()*mm.EntriesPerTable+page.P1Index()), nil
	}

	p2, ok := p3.NextTable(page.P3Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	p2Entry := p2.Entry(page.P2Index())
	if p2Entry.HasFlags(FlagPresent | FlagHugePage) {
		start, _ := p2Entry.Frame()
		if uintptr(start)%mm.EntriesPerTable != 0 {
			return mm.InvalidFrame, ErrMisalignedHugePage
		}
		return start + mm.Frame(page.P1Index()), nil
	}

	p1, ok := p2.NextTable(page.P2Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	frame, ok := p1.Frame(page.P1Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	return frame, nil
}

// MapTo establishes a mapping between page and frame using the supplied
// flags. Any missing intermediate tables are allocated from alloc. It
// returns ErrAlreadyMapped if the P1 entry for the page is in use.
func (m *Mapper) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	p3, err := m.p4.NextTableCreate(page.P4Index(), alloc)
	if err != nil {
		return err
	}

	p2, err := p3.NextTableCreate(page.P3Index(), alloc)
	if err != nil {
		return err
	}

	p1, err := p2.NextTableCreate(page.P2Index(), alloc)
	if err != nil {
		return err
	}

	entry := p1.entryPtr(page.P1Index())
	if !entry.IsUnused() {
		return ErrAlreadyMapped
	}

	if err = entry.Set(frame, flags|FlagPresent); err != nil {
		return err
	}

	m.mmu.FlushTLBEntry(page.Address())
	return nil
}

// Map allocates a frame from alloc and maps page to it.
func (m *Mapper) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return err
	}

	if err = m.MapTo(page, frame, flags, alloc); err != nil {
		_ = alloc.FreeFrame(frame)
		return err
	}

	return nil
}

// IdentityMap maps frame to the page with the same address.
func (m *Mapper) IdentityMap(frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	page, err := mm.PageFromAddress(frame.Address())
	if err != nil {
		return err
	}

	return m.MapTo(page, frame, flags, alloc)
}

// MapRange allocates and maps a frame for each page in [first, last].
func (m *Mapper) MapRange(first, last mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	for page := first; page <= last; page++ {
		if err := m.Map(page, flags, alloc); err != nil {
			return err
		}
	}

	return nil
}

// IdentityMapRange identity maps each frame in [first, last].
func (m *Mapper) IdentityMapRange(first, last mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	for frame := first; frame <= last; frame++ {
		if err := m.IdentityMap(frame, flags, alloc); err != nil {
			return err
		}
	}

	return nil
}

// Unmap removes the mapping for page and returns its frame to alloc. The
// page tables along the path are kept even if they become empty.
func (m *Mapper) Unmap(page mm.Page, alloc mm.FrameAllocator) *kernel.Error {
	frame, err := m.unmap(page)
	if err != nil {
		return err
	}

	return alloc.FreeFrame(frame)
}

// unmap clears the P1 entry for page and returns the frame it pointed to.
func (m *Mapper) unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	p1, err := m.leafTable(page)
	if err != nil {
		return mm.InvalidFrame, err
	}

	entry := p1.entryPtr(page.P1Index())
	frame, ok := entry.Frame()
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	entry.SetUnused()
	m.mmu.FlushTLBEntry(page.Address())
	return frame, nil
}

// leafTable returns the P1 table covering page without creating any tables.
func (m *Mapper) leafTable(page mm.Page) (P1Table, *kernel.Error) {
	var (
		table   = m.p4.tableView
		indices = [pageLevels - 1]uintptr{page.P4Index(), page.P3Index(), page.P2Index()}
	)

	for _, index := range indices {
		entry := table.Entry(index)
		switch {
		case !entry.HasFlags(FlagPresent):
			return P1Table{}, ErrInvalidMapping
		case entry.HasFlags(FlagHugePage):
			return P1Table{}, ErrHugePage
		}

		table, _ = table.nextTable(index)
	}

	return P1Table{table}, nil
}
