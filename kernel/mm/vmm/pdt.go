package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

// ActivePageTable provides access to the page table hierarchy loaded in CR3.
type ActivePageTable struct {
	Mapper
}

// NewActivePageTable returns an ActivePageTable for the tables currently
// loaded by mmu. The active P4 must contain the recursive mapping.
func NewActivePageTable(mmu MMU) *ActivePageTable {
	return &ActivePageTable{Mapper: newMapper(mmu)}
}

// MMU returns the MMU that the table is bound to.
func (a *ActivePageTable) MMU() MMU {
	return a.mmu
}

// P4Frame returns the frame of the active P4 table.
func (a *ActivePageTable) P4Frame() mm.Frame {
	return mm.FrameFromAddress(a.mmu.ActivePDT())
}

// With temporarily points the recursive slot of the active P4 to the P4 of
// table and invokes fn. While fn runs, the Mapper operates on the tables of
// table instead of the active ones. The recursive slot is restored before
// With returns, even if fn panics.
func (a *ActivePageTable) With(table InactivePageTable, temp *TemporaryPage, fn func(*Mapper) *kernel.Error) (err *kernel.Error) {
	var backupEntry Entry
	backup := a.P4Frame()
	if err = backupEntry.Set(backup, FlagPresent|FlagRW); err != nil {
		return err
	}

	// Map the active P4 so we can restore the recursive slot after it
	// stops pointing to itself.
	p4, err := temp.MapTableFrame(backup, a)
	if err != nil {
		return err
	}

	var inactiveEntry Entry
	if err = inactiveEntry.Set(table.p4Frame, FlagPresent|FlagRW); err != nil {
		_ = temp.Unmap(a)
		return err
	}

	a.p4.SetEntry(recursiveIndex, inactiveEntry)
	a.mmu.FlushTLB()

	defer func() {
		p4.SetEntry(recursiveIndex, backupEntry)
		a.mmu.FlushTLB()

		if unmapErr := temp.Unmap(a); err == nil {
			err = unmapErr
		}
	}()

	return fn(&a.Mapper)
}

// Switch loads table into CR3 and returns the previously active table.
func (a *ActivePageTable) Switch(table InactivePageTable) InactivePageTable {
	old := InactivePageTable{p4Frame: a.P4Frame()}
	a.mmu.SwitchPDT(table.p4Frame.Address())
	return old
}

// InactivePageTable is a page table hierarchy that is not loaded in CR3.
type InactivePageTable struct {
	p4Frame mm.Frame
}

// NewInactivePageTable uses frame as the P4 of a new, empty page table
// hierarchy. The last P4 entry is set up to point back to the P4 so the
// hierarchy can be edited with ActivePageTable.With and used after Switch.
func NewInactivePageTable(frame mm.Frame, active *ActivePageTable, temp *TemporaryPage) (InactivePageTable, *kernel.Error) {
	var selfEntry Entry
	if err := selfEntry.Set(frame, FlagPresent|FlagRW); err != nil {
		return InactivePageTable{}, err
	}

	table, err := temp.MapTableFrame(frame, active)
	if err != nil {
		return InactivePageTable{}, err
	}

	table.Zero()
	table.SetEntry(recursiveIndex, selfEntry)

	if err = temp.Unmap(active); err != nil {
		return InactivePageTable{}, err
	}

	return InactivePageTable{p4Frame: frame}, nil
}

// P4Frame returns the frame that holds the table's P4.
func (t InactivePageTable) P4Frame() mm.Frame {
	return t.p4Frame
}
