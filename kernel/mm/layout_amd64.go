package mm

// The kernel virtual address space layout. Each P4 entry covers P4EntrySize
// bytes; the last entry is used for the recursive mapping and the one before
// it hosts the kernel image, the heap and the temporary mapping page.
const (
	// P4EntrySize is the amount of virtual memory covered by a single P4
	// entry (512 GiB).
	P4EntrySize = uintptr(0x80_0000_0000)

	// RecursiveMappingBase is the start of the region covered by the
	// recursive P4 slot (index 511).
	RecursiveMappingBase = uintptr(0xffff_ff80_0000_0000)

	// RecursiveP4Addr is the virtual address of the active P4 table. By
	// setting all page level bits to 1 the MMU keeps following the last
	// P4 entry for all page levels landing on the P4.
	RecursiveP4Addr = uintptr(0xffff_ffff_ffff_f000)

	// KernelOffset is the virtual address where physical address 0 is
	// mapped for the kernel image (P4 index 510).
	KernelOffset = RecursiveMappingBase - P4EntrySize

	// KernelHeapStart is the start of the kernel heap region.
	KernelHeapStart = KernelOffset + P4EntrySize/2

	// KernelHeapSize is the default size of the kernel heap.
	KernelHeapSize = uintptr(128 << 20)

	// TempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when mapping inactive page
	// tables). For amd64 this address uses the following table indices:
	// 510, 511, 511, 511.
	TempMappingAddr = uintptr(0xffff_ff7f_ffff_f000)

	// VGABufferAddr is the physical address of the VGA text buffer.
	VGABufferAddr = uintptr(0xb8000)
)
