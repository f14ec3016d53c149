package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of entries in each page table level.
	EntriesPerTable = uintptr(512)

	tableIndexMask = EntriesPerTable - 1

	// HugePageSize2M and HugePageSize1G are the sizes of the regions
	// covered by a huge leaf entry at the P2 and P3 level respectively.
	HugePageSize2M = uintptr(1 << 21)
	HugePageSize1G = uintptr(1 << 30)

	canonicalLowerHalfEnd   = uintptr(0x0000_8000_0000_0000)
	canonicalUpperHalfStart = uintptr(0xffff_8000_0000_0000)
)
