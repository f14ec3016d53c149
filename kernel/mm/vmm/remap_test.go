package vmm

import (
	"runtime"
	"strings"
	"testing"

	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/multiboot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bootP4Frame is the frame of the boot P4 table which, as with a real boot,
// lives inside the kernel's .bss section.
const bootP4Frame = mm.Frame(0x106)

func kernelSections() []multiboot.ElfSection {
	return []multiboot.ElfSection{
		{Name: ".text", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: mm.KernelOffset + 0x100000, Size: 0x2800},
		{Name: ".rodata", Flags: multiboot.ElfSectionAllocated, Address: mm.KernelOffset + 0x103000, Size: 0x1000},
		{Name: ".bss", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: mm.KernelOffset + 0x104000, Size: 0x8000},
		{Name: ".comment", Address: 0, Size: 0x40},
	}
}

func TestRemap(t *testing.T) {
	buf := captureOutput(t)
	m, active, alloc := setupMachine(t, bootP4Frame, 0x200)

	var b multiboot.Builder
	info := b.AddElfSections(kernelSections()...).
		AddModule(0x300000, 0x301800, "initrd").
		Build()
	defer runtime.KeepAlive(&b)

	require.Nil(t, Remap(active, info, alloc))

	assert.NotEqual(t, bootP4Frame.Address(), m.ActivePDT(), "expected a new P4 to be loaded")

	specs := []struct {
		virtAddr uintptr
		phys     uintptr
		flags    PageTableEntryFlag
	}{
		// kernel sections
		{mm.KernelOffset + 0x100000, 0x100000, FlagPresent},
		{mm.KernelOffset + 0x102abc, 0x102abc, FlagPresent},
		{mm.KernelOffset + 0x103010, 0x103010, FlagPresent | FlagNoExecute},
		{mm.KernelOffset + 0x104000, 0x104000, FlagPresent | FlagRW | FlagNoExecute},
		{mm.KernelOffset + 0x10bfff, 0x10bfff, FlagPresent | FlagRW | FlagNoExecute},
		// VGA text buffer
		{mm.VGABufferAddr, mm.VGABufferAddr, FlagPresent | FlagRW},
		// boot modules
		{0x300000, 0x300000, FlagPresent},
		{0x3017ff, 0x3017ff, FlagPresent},
	}

	for _, spec := range specs {
		phys, err := active.Translate(spec.virtAddr)
		require.Nil(t, err, "translate 0x%x", spec.virtAddr)
		assert.Equal(t, spec.phys, phys, "translate 0x%x", spec.virtAddr)
		assert.Equal(t, spec.flags, leafEntry(t, active, spec.virtAddr).Flags(), "flags for 0x%x", spec.virtAddr)
	}

	// the boot information is identity mapped
	infoStart, infoEnd := info.Range()
	for addr := infoStart; addr < infoEnd; addr += mm.PageSize {
		phys, err := active.Translate(addr)
		require.Nil(t, err)
		assert.Equal(t, addr, phys)
	}

	// nothing outside the remapped regions is reachable
	_, err := active.Translate(mm.KernelOffset + 0x10c000)
	assert.Equal(t, ErrInvalidMapping, err)
	_, err = active.Translate(mm.TempMappingAddr)
	assert.Equal(t, ErrInvalidMapping, err)

	// the old P4 is now a guard page
	guardAddr := mm.KernelOffset + bootP4Frame.Address()
	_, err = active.Translate(guardAddr)
	assert.Equal(t, ErrInvalidMapping, err)
	assert.Panics(t, func() { m.Deref(guardAddr) })
	assert.False(t, alloc.wasFreed(bootP4Frame), "expected guard page frame not to be released")

	out := buf.String()
	for _, exp := range []string{
		"[vmm] mapping section at 0xffffff0000100000, size: 0x2800\n",
		"[vmm] mapping module initrd from 0x300000 to 0x301800\n",
		"[vmm] remapped the kernel\n",
		"[vmm] guard page at 0xffffff0000106000\n",
	} {
		assert.True(t, strings.Contains(out, exp), "expected output to contain %q; got:\n%s", exp, out)
	}
}

func TestRemapErrors(t *testing.T) {
	captureOutput(t)

	t.Run("unaligned section", func(t *testing.T) {
		m, active, alloc := setupMachine(t, bootP4Frame, 0x200)
		bootSum := m.FrameChecksum(bootP4Frame)

		sections := kernelSections()
		sections[1].Address += 0x10

		var b multiboot.Builder
		info := b.AddElfSections(sections...).Build()
		defer runtime.KeepAlive(&b)

		err := Remap(active, info, alloc)
		assert.Equal(t, ErrUnalignedSection, err)
		assert.True(t, kernel.IsKind(err, kernel.KindBootInfo))

		assert.Equal(t, bootP4Frame.Address(), m.ActivePDT())
		self, ok := active.P4().Entry(recursiveIndex).Frame()
		require.True(t, ok)
		assert.Equal(t, bootP4Frame, self)

		// only the tables backing the temporary page were added
		assert.NotEqual(t, bootSum, m.FrameChecksum(bootP4Frame))
		assert.Equal(t, uint64(0), m.ReadPhys64(bootP4Frame.Address()))
	})

	t.Run("missing ELF sections", func(t *testing.T) {
		_, active, alloc := setupMachine(t, bootP4Frame, 0x200)

		var b multiboot.Builder
		info := b.AddModule(0x300000, 0x301000, "initrd").Build()
		defer runtime.KeepAlive(&b)

		assert.Equal(t, multiboot.ErrMissingTag, Remap(active, info, alloc))
	})

	t.Run("out of memory", func(t *testing.T) {
		_, active, alloc := setupMachine(t, bootP4Frame, 0x200)
		alloc.last = 0x203

		var b multiboot.Builder
		info := b.AddElfSections(kernelSections()...).Build()
		defer runtime.KeepAlive(&b)

		assert.Equal(t, mm.ErrOutOfMemory, Remap(active, info, alloc))
	})
}
