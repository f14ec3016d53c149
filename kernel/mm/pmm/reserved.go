package pmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/multiboot"
)

// ElfSectionSource is implemented by boot information sources that describe
// the sections of the loaded kernel image.
type ElfSectionSource interface {
	VisitElfSections(multiboot.ElfSectionVisitor) *kernel.Error
}

// KernelReservations returns the frame ranges that must never be handed out
// by a frame allocator: the low memory below the kernel image (firmware data
// and the VGA text buffer), the kernel image [kernelStart, kernelEnd) and the
// boot information [infoStart, infoEnd). All addresses are physical.
func KernelReservations(kernelStart, kernelEnd, infoStart, infoEnd uintptr) []mm.FrameRange {
	return []mm.FrameRange{
		mm.FrameRangeFromAddresses(0, kernelStart),
		mm.FrameRangeFromAddresses(kernelStart, kernelEnd),
		mm.FrameRangeFromAddresses(infoStart, infoEnd),
	}
}

// KernelImageRange scans the allocated ELF sections of the kernel image and
// returns the physical address range [start, end) that they occupy. Sections
// linked at or above mm.KernelOffset are translated to their load address.
func KernelImageRange(src ElfSectionSource) (uintptr, uintptr, *kernel.Error) {
	var start, end uintptr
	found := false

	err := src.VisitElfSections(func(_ string, flags multiboot.ElfSectionFlag, address uintptr, size uint64) {
		if flags&multiboot.ElfSectionAllocated == 0 || size == 0 {
			return
		}

		if address >= mm.KernelOffset {
			address -= mm.KernelOffset
		}

		if !found || address < start {
			start = address
		}
		if !found || address+uintptr(size) > end {
			end = address + uintptr(size)
		}
		found = true
	})

	if err != nil {
		return 0, 0, err
	}

	return start, end, nil
}
