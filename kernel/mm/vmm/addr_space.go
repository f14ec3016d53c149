package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

var (
	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request", Kind: kernel.KindExhausted}
)

// regionReserver hands out page-aligned virtual regions in the kernel
// address space. Regions are allocated downwards starting at the temporary
// mapping page and never cross into the kernel heap.
type regionReserver struct {
	// lastUsed tracks the last reserved page address and is decreased
	// after each allocation request.
	lastUsed uintptr

	// floor is the lowest address that can be reserved.
	floor uintptr
}

func newRegionReserver() regionReserver {
	return regionReserver{
		lastUsed: mm.TempMappingAddr,
		floor:    mm.KernelHeapStart + mm.KernelHeapSize,
	}
}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up.
func (r *regionReserver) EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	// reserving a region of the requested size will cross the floor
	if size == 0 || size > r.lastUsed-r.floor {
		return 0, errEarlyReserveNoSpace
	}

	r.lastUsed -= size
	return r.lastUsed, nil
}
