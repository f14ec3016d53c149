package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/multiboot"
)

var (
	// ErrUnalignedSection is returned when an allocated kernel ELF section
	// does not start at a page boundary.
	ErrUnalignedSection = &kernel.Error{Module: "vmm", Message: "kernel ELF section is not page-aligned", Kind: kernel.KindBootInfo}

	// vmmOutput is the sink for the vmm log messages.
	vmmOutput = &kfmt.PrefixWriter{Prefix: []byte("[vmm] ")}
)

// BootInfo describes the boot loader information needed to remap the kernel.
type BootInfo interface {
	VisitElfSections(multiboot.ElfSectionVisitor) *kernel.Error
	VisitModules(multiboot.ModuleVisitor)
	Range() (uintptr, uintptr)
}

// Remap replaces the page tables set up by the boot code with a new
// hierarchy that maps each kernel ELF section with the access rights it
// requires, the VGA text buffer, the boot modules and the boot information.
// Once the new hierarchy is active, the higher-half alias of the old P4
// frame is unmapped so it acts as a guard page below the boot stack. The
// guard frame is not returned to alloc.
func Remap(active *ActivePageTable, info BootInfo, alloc mm.FrameAllocator) *kernel.Error {
	temp, err := NewTemporaryPage(mm.MustPageFromAddress(mm.TempMappingAddr), alloc)
	if err != nil {
		return err
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		return err
	}

	newTable, err := NewInactivePageTable(frame, active, temp)
	if err != nil {
		return err
	}

	err = active.With(newTable, temp, func(mapper *Mapper) *kernel.Error {
		if err := mapKernelSections(mapper, info, alloc); err != nil {
			return err
		}

		if err := mapper.IdentityMap(mm.FrameFromAddress(mm.VGABufferAddr), FlagRW, alloc); err != nil {
			return err
		}

		return mapBootInfo(mapper, info, alloc)
	})
	if err != nil {
		return err
	}
	kfmt.Fprintf(vmmOutput, "remapped the kernel\n")

	old := active.Switch(newTable)

	guardPage, err := mm.PageFromAddress(old.P4Frame().Address() + mm.KernelOffset)
	if err != nil {
		return err
	}
	if _, err = active.unmap(guardPage); err != nil {
		return err
	}
	kfmt.Fprintf(vmmOutput, "guard page at 0x%x\n", guardPage.Address())

	return nil
}

// mapKernelSections maps each allocated section linked in the higher half to
// the physical frames it was loaded at.
func mapKernelSections(mapper *Mapper, info BootInfo, alloc mm.FrameAllocator) *kernel.Error {
	var err *kernel.Error

	visitErr := info.VisitElfSections(func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		// Bail out if we have encountered an error; also ignore sections
		// not using the kernel's VMA or that are not allocated
		if err != nil || secAddress < mm.KernelOffset || secSize == 0 || secFlags&multiboot.ElfSectionAllocated == 0 {
			return
		}

		if secAddress&(mm.PageSize-1) != 0 {
			err = ErrUnalignedSection
			return
		}

		kfmt.Fprintf(vmmOutput, "mapping section at 0x%x, size: 0x%x\n", secAddress, secSize)

		flags := FlagsFromElfSection(secFlags)
		startPage := mm.Page(secAddress >> mm.PageShift)
		endPage := mm.Page((secAddress + uintptr(secSize) - 1) >> mm.PageShift)
		for page := startPage; page <= endPage; page++ {
			frame := mm.FrameFromAddress(page.Address() - mm.KernelOffset)
			if err = mapper.MapTo(page, frame, flags, alloc); err != nil {
				return
			}
		}
	})

	if visitErr != nil {
		return visitErr
	}
	return err
}

// mapBootInfo identity maps the boot modules and the boot information.
func mapBootInfo(mapper *Mapper, info BootInfo, alloc mm.FrameAllocator) *kernel.Error {
	var err *kernel.Error
	infoFrames := mm.FrameRangeFromAddresses(info.Range())

	info.VisitModules(func(mod multiboot.Module) bool {
		kfmt.Fprintf(vmmOutput, "mapping module %s from 0x%x to 0x%x\n", mod.CmdLine, mod.Start, mod.End)

		modFrames := mm.FrameRangeFromAddresses(mod.Start, mod.End)
		for frame := modFrames.First; !modFrames.Empty() && frame <= modFrames.Last; frame++ {
			if infoFrames.Contains(frame) {
				continue
			}

			if err = mapper.IdentityMap(frame, FlagPresent, alloc); err != nil {
				return false
			}
		}
		return true
	})

	if err != nil {
		return err
	}

	return mapper.IdentityMapRange(infoFrames.First, infoFrames.Last, FlagPresent, alloc)
}
