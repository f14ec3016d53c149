package mm

import (
	"math"
	"vmkernel/kernel"
)

var (
	// ErrNonCanonicalAddress is returned when a virtual address does not
	// satisfy the canonical form required by the MMU.
	ErrNonCanonicalAddress = &kernel.Error{Module: "mm", Message: "virtual address is not canonical", Kind: kernel.KindInvariant}

	// ErrOutOfMemory is returned by frame allocators when no free frames
	// are left.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of physical memory", Kind: kernel.KindExhausted}
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical address.
// Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// FrameRange describes an inclusive range of physical frames.
type FrameRange struct {
	First, Last Frame
}

// FrameRangeFromAddresses returns the range of frames that overlap the
// physical region [start, end). It returns an empty range (First > Last) if
// end <= start.
func FrameRangeFromAddresses(start, end uintptr) FrameRange {
	if end <= start {
		return FrameRange{First: 1, Last: 0}
	}
	return FrameRange{First: FrameFromAddress(start), Last: FrameFromAddress(end - 1)}
}

// Contains returns true if f falls inside the range.
func (r FrameRange) Contains(f Frame) bool {
	return f >= r.First && f <= r.Last
}

// Empty returns true if the range contains no frames.
func (r FrameRange) Empty() bool {
	return r.First > r.Last
}

// Page describes a virtual memory page index. The page index of an address
// in the upper half of the address space retains the sign-extended bits so
// that Address always yields back a canonical address.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// P4Index returns the index of the P4 entry that covers this page.
func (p Page) P4Index() uintptr { return (uintptr(p) >> 27) & tableIndexMask }

// P3Index returns the index of the P3 entry that covers this page.
func (p Page) P3Index() uintptr { return (uintptr(p) >> 18) & tableIndexMask }

// P2Index returns the index of the P2 entry that covers this page.
func (p Page) P2Index() uintptr { return (uintptr(p) >> 9) & tableIndexMask }

// P1Index returns the index of the P1 entry that covers this page.
func (p Page) P1Index() uintptr { return uintptr(p) & tableIndexMask }

// IsCanonical returns true if bits 63 to 47 of virtAddr are all equal.
func IsCanonical(virtAddr uintptr) bool {
	return virtAddr < canonicalLowerHalfEnd || virtAddr >= canonicalUpperHalfStart
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down. An error is returned
// if the address is not canonical.
func PageFromAddress(virtAddr uintptr) (Page, *kernel.Error) {
	if !IsCanonical(virtAddr) {
		return 0, ErrNonCanonicalAddress
	}
	return Page(virtAddr >> PageShift), nil
}

// MustPageFromAddress behaves like PageFromAddress but panics if the address
// is not canonical. It is meant to be used with compile-time constants.
func MustPageFromAddress(virtAddr uintptr) Page {
	page, err := PageFromAddress(virtAddr)
	if err != nil {
		panic(err)
	}
	return page
}

// PageOffset returns the offset of virtAddr within its page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (PageSize - 1)
}

// FrameAllocator is implemented by physical frame allocators. Allocators are
// threaded explicitly through every operation that may need to allocate
// memory; whoever holds the allocator for the duration of a call is its sole
// user.
type FrameAllocator interface {
	// AllocFrame reserves a free frame. It returns InvalidFrame and
	// ErrOutOfMemory when no frames are available.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame to the allocator's free set.
	FreeFrame(Frame) *kernel.Error
}
