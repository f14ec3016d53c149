package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

// tinyAllocatorSize is the number of frames needed to create the P3, P2 and
// P1 tables for a single page.
const tinyAllocatorSize = pageLevels - 1

var errTinyAllocatorFull = &kernel.Error{Module: "vmm", Message: "temporary page allocator can only hold 3 frames", Kind: kernel.KindInvariant}

// tinyAllocator is a frame pool with enough frames to map a single page in
// the worst case.
type tinyAllocator struct {
	frames [tinyAllocatorSize]mm.Frame
}

func (t *tinyAllocator) fill(alloc mm.FrameAllocator) *kernel.Error {
	for i := range t.frames {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return err
		}
		t.frames[i] = frame
	}
	return nil
}

// AllocFrame implements mm.FrameAllocator.
func (t *tinyAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for i, frame := range t.frames {
		if frame.Valid() {
			t.frames[i] = mm.InvalidFrame
			return frame, nil
		}
	}
	return mm.InvalidFrame, mm.ErrOutOfMemory
}

// FreeFrame implements mm.FrameAllocator.
func (t *tinyAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	for i := range t.frames {
		if !t.frames[i].Valid() {
			t.frames[i] = frame
			return nil
		}
	}
	return errTinyAllocatorFull
}

// TemporaryPage is a reserved virtual page used to access frames that are
// not mapped in the active address space, such as the tables of an inactive
// page table hierarchy.
type TemporaryPage struct {
	page  mm.Page
	alloc tinyAllocator
}

// NewTemporaryPage reserves enough frames from alloc to create any tables
// required for mapping page.
func NewTemporaryPage(page mm.Page, alloc mm.FrameAllocator) (*TemporaryPage, *kernel.Error) {
	tp := &TemporaryPage{page: page}
	if err := tp.alloc.fill(alloc); err != nil {
		return nil, err
	}
	return tp, nil
}

// Page returns the virtual page used for temporary mappings.
func (tp *TemporaryPage) Page() mm.Page {
	return tp.page
}

// Map maps frame as writable at the temporary page and returns its virtual
// address. It returns ErrAlreadyMapped if the temporary page is in use.
func (tp *TemporaryPage) Map(frame mm.Frame, active *ActivePageTable) (uintptr, *kernel.Error) {
	switch _, err := active.TranslatePage(tp.page); err {
	case nil:
		return 0, ErrAlreadyMapped
	case ErrInvalidMapping:
	default:
		return 0, err
	}

	if err := active.MapTo(tp.page, frame, FlagRW, &tp.alloc); err != nil {
		return 0, err
	}

	return tp.page.Address(), nil
}

// MapTableFrame maps frame at the temporary page and returns a table view
// for accessing its entries.
func (tp *TemporaryPage) MapTableFrame(frame mm.Frame, active *ActivePageTable) (P1Table, *kernel.Error) {
	addr, err := tp.Map(frame, active)
	if err != nil {
		return P1Table{}, err
	}

	return P1Table{tableView{addr: addr, mmu: active.mmu}}, nil
}

// Unmap removes the temporary mapping. The mapped frame is not owned by the
// temporary page and is therefore not released.
func (tp *TemporaryPage) Unmap(active *ActivePageTable) *kernel.Error {
	_, err := active.unmap(tp.page)
	return err
}
