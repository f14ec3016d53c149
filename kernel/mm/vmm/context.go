package vmm

import (
	"unsafe"

	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/sync"
)

// Context owns the active page tables and the frame allocator used to
// populate them. All mutations of the active tables after boot go through a
// Context, which serializes them with a spinlock.
type Context struct {
	mutex    sync.Spinlock
	active   *ActivePageTable
	alloc    mm.FrameAllocator
	reserver regionReserver
}

// NewContext returns a Context that manages active and allocates frames
// from alloc.
func NewContext(active *ActivePageTable, alloc mm.FrameAllocator) *Context {
	return &Context{
		active:   active,
		alloc:    alloc,
		reserver: newRegionReserver(),
	}
}

// ActiveTable returns the page table managed by the context.
func (c *Context) ActiveTable() *ActivePageTable {
	return c.active
}

// Allocator returns the frame allocator used by the context.
func (c *Context) Allocator() mm.FrameAllocator {
	return c.alloc
}

// SetAllocator replaces the frame allocator used by the context.
func (c *Context) SetAllocator(alloc mm.FrameAllocator) {
	c.mutex.Acquire()
	c.alloc = alloc
	c.mutex.Release()
}

// Map allocates a frame and maps page to it.
func (c *Context) Map(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	c.mutex.Acquire()
	defer c.mutex.Release()
	return c.active.Map(page, flags, c.alloc)
}

// MapTo maps page to frame.
func (c *Context) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	c.mutex.Acquire()
	defer c.mutex.Release()
	return c.active.MapTo(page, frame, flags, c.alloc)
}

// MapRange allocates and maps a frame for each page in [first, last].
func (c *Context) MapRange(first, last mm.Page, flags PageTableEntryFlag) *kernel.Error {
	c.mutex.Acquire()
	defer c.mutex.Release()
	return c.active.MapRange(first, last, flags, c.alloc)
}

// Unmap removes the mapping for page and releases its frame.
func (c *Context) Unmap(page mm.Page) *kernel.Error {
	c.mutex.Acquire()
	defer c.mutex.Release()
	return c.active.Unmap(page, c.alloc)
}

// Translate returns the physical address that virtAddr is mapped to.
func (c *Context) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	c.mutex.Acquire()
	defer c.mutex.Release()
	return c.active.Translate(virtAddr)
}

// ReserveRegion reserves a virtual region of at least size bytes in the
// kernel address space without mapping it.
func (c *Context) ReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	c.mutex.Acquire()
	defer c.mutex.Release()
	return c.reserver.EarlyReserveRegion(size)
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size). The size argument is
// always rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the kernel address space, establishes the mapping and
// returns back the Page that corresponds to the region start.
func (c *Context) MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	c.mutex.Acquire()
	defer c.mutex.Release()

	startAddr, err := c.reserver.EarlyReserveRegion(size)
	if err != nil {
		return 0, err
	}

	startPage := mm.Page(startAddr >> mm.PageShift)
	pageCount := (size + mm.PageSize - 1) >> mm.PageShift
	for page := startPage; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err = c.active.MapTo(page, frame, flags, c.alloc); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// AllocStack reserves and maps a kernel stack with the requested number of
// pages and returns the address of its top. The page below the stack is
// left unmapped so that an overflow triggers a page fault.
func (c *Context) AllocStack(pages uintptr) (uintptr, *kernel.Error) {
	c.mutex.Acquire()
	defer c.mutex.Release()

	base, err := c.reserver.EarlyReserveRegion((pages + 1) << mm.PageShift)
	if err != nil {
		return 0, err
	}

	first := mm.Page(base>>mm.PageShift) + 1
	if err = c.active.MapRange(first, first+mm.Page(pages)-1, FlagPresent|FlagRW|FlagNoExecute, c.alloc); err != nil {
		return 0, err
	}

	return (first + mm.Page(pages)).Address(), nil
}

// Deref returns a pointer for accessing virtAddr through the MMU.
func (c *Context) Deref(virtAddr uintptr) unsafe.Pointer {
	return c.active.mmu.Deref(virtAddr)
}
