package pmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/multiboot"
)

const (
	// maxAreas is the maximum number of available memory regions tracked
	// by the AreaAllocator.
	maxAreas = 64

	// maxReserved is the maximum number of reserved frame ranges.
	maxReserved = 8
)

var (
	errTooManyAreas        = &kernel.Error{Module: "area_alloc", Message: "too many available memory regions", Kind: kernel.KindBootInfo}
	errTooManyReservations = &kernel.Error{Module: "area_alloc", Message: "too many reserved frame ranges", Kind: kernel.KindInvariant}
	errZeroFrameCount      = &kernel.Error{Module: "area_alloc", Message: "contiguous allocation of zero frames", Kind: kernel.KindInvariant}
)

// MemoryMap is implemented by boot information sources that can report the
// system's physical memory regions.
type MemoryMap interface {
	VisitMemRegions(multiboot.MemRegionVisitor) *kernel.Error
}

// AreaAllocator is the allocator used while the kernel boots. It walks the
// available memory regions reported by the boot loader in ascending address
// order and hands out frames using a monotonic cursor. Candidate frames that
// fall inside a reserved range cause the cursor to jump past that range.
//
// The AreaAllocator cannot reclaim frames. Once the kernel is able to map
// memory for its bookkeeping, the allocated range is handed over to a
// BitmapAllocator which supports freeing.
type AreaAllocator struct {
	areas    [maxAreas]mm.FrameRange
	numAreas int

	reserved    [maxReserved]mm.FrameRange
	numReserved int

	// current is the index of the area the cursor points into or -1 if
	// all areas are exhausted.
	current int

	// next is the next frame candidate.
	next mm.Frame

	allocCount uint64
}

// Init sets up the allocator using the available regions in memMap. Frames
// inside any of the reserved ranges will never be returned by AllocFrame.
func (alloc *AreaAllocator) Init(memMap MemoryMap, reserved ...mm.FrameRange) *kernel.Error {
	*alloc = AreaAllocator{current: -1}

	for _, r := range reserved {
		if r.Empty() {
			continue
		}
		if alloc.numReserved == maxReserved {
			return errTooManyReservations
		}
		alloc.reserved[alloc.numReserved] = r
		alloc.numReserved++
	}

	var err *kernel.Error
	visitErr := memMap.VisitMemRegions(func(region multiboot.MemoryMapEntry) bool {
		// Ignore reserved regions and regions smaller than a single page
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		pageSizeMinus1 := uint64(mm.PageSize - 1)
		start := (region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1
		end := (region.PhysAddress + region.Length) &^ pageSizeMinus1
		if end <= start {
			return true
		}

		if alloc.numAreas == maxAreas {
			err = errTooManyAreas
			return false
		}

		alloc.areas[alloc.numAreas] = mm.FrameRange{
			First: mm.FrameFromAddress(uintptr(start)),
			Last:  mm.FrameFromAddress(uintptr(end)) - 1,
		}
		alloc.numAreas++
		return true
	})

	switch {
	case visitErr != nil:
		return visitErr
	case err != nil:
		return err
	}

	alloc.chooseNextArea()
	return nil
}

// chooseNextArea selects the area with the lowest base whose last frame is
// not below the cursor and moves the cursor to the area start if needed.
func (alloc *AreaAllocator) chooseNextArea() {
	alloc.current = -1
	for index, area := range alloc.areas[:alloc.numAreas] {
		if area.Last < alloc.next {
			continue
		}

		if alloc.current == -1 || area.First < alloc.areas[alloc.current].First {
			alloc.current = index
		}
	}

	if alloc.current != -1 && alloc.next < alloc.areas[alloc.current].First {
		alloc.next = alloc.areas[alloc.current].First
	}
}

// AllocFrame reserves the next available free frame. It returns
// mm.ErrOutOfMemory if no more memory can be allocated.
func (alloc *AreaAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for alloc.current != -1 {
		frame := alloc.next

		if frame > alloc.areas[alloc.current].Last {
			alloc.chooseNextArea()
			continue
		}

		if r, inUse := alloc.reservedRangeFor(frame); inUse {
			alloc.next = r.Last + 1
			continue
		}

		alloc.next++
		alloc.allocCount++
		return frame, nil
	}

	return mm.InvalidFrame, mm.ErrOutOfMemory
}

// FreeFrame is a no-op; the AreaAllocator does not support reclamation.
func (alloc *AreaAllocator) FreeFrame(_ mm.Frame) *kernel.Error {
	return nil
}

// AllocContiguous reserves count physically contiguous frames and returns
// the first one. A zero count is rejected. Frames skipped while looking for
// a contiguous run are not returned to the free set.
func (alloc *AreaAllocator) AllocContiguous(count uintptr) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errZeroFrameCount
	}

	var first mm.Frame
	for run := uintptr(0); run < count; run++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return mm.InvalidFrame, err
		}

		if run == 0 || frame != first+mm.Frame(run) {
			first, run = frame, 0
		}
	}

	return first, nil
}

func (alloc *AreaAllocator) reservedRangeFor(frame mm.Frame) (mm.FrameRange, bool) {
	for _, r := range alloc.reserved[:alloc.numReserved] {
		if r.Contains(frame) {
			return r, true
		}
	}
	return mm.FrameRange{}, false
}

// Next returns the frame the allocator will examine next. All frames below
// it have either been handed out or are not available.
func (alloc *AreaAllocator) Next() mm.Frame { return alloc.next }

// AllocCount returns the number of frames handed out so far.
func (alloc *AreaAllocator) AllocCount() uint64 { return alloc.allocCount }

// Areas returns the available frame ranges known to the allocator.
func (alloc *AreaAllocator) Areas() []mm.FrameRange { return alloc.areas[:alloc.numAreas] }

// Reserved returns the reserved frame ranges known to the allocator.
func (alloc *AreaAllocator) Reserved() []mm.FrameRange { return alloc.reserved[:alloc.numReserved] }

// LastFrame returns the highest available frame or mm.InvalidFrame if no
// areas are known.
func (alloc *AreaAllocator) LastFrame() mm.Frame {
	last := mm.InvalidFrame
	for _, area := range alloc.Areas() {
		if last == mm.InvalidFrame || area.Last > last {
			last = area.Last
		}
	}
	return last
}
