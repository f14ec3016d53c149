package pmm

import (
	"math/bits"

	"vmkernel/kernel"
	"vmkernel/kernel/mm"

	"github.com/negrel/assert"
)

var (
	// ErrFrameNotAllocated is returned when freeing a frame that is either
	// outside the range tracked by the allocator or not currently in use.
	ErrFrameNotAllocated = &kernel.Error{Module: "bitmap_alloc", Message: "frame is not allocated", Kind: kernel.KindInvariant}

	// ErrReservedFrame is returned when freeing a frame that belongs to a
	// reserved range or lies outside the available memory areas.
	ErrReservedFrame = &kernel.Error{Module: "bitmap_alloc", Message: "frame is reserved", Kind: kernel.KindInvariant}

	errBitmapTooSmall = &kernel.Error{Module: "bitmap_alloc", Message: "bitmap storage too small for tracked frames", Kind: kernel.KindInvariant}
)

// BitmapWords returns the number of uint64 words required to track the
// frames [0, lastFrame].
func BitmapWords(lastFrame mm.Frame) uintptr {
	return (uintptr(lastFrame) + 64) / 64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using one bit per frame. A set bit marks a frame that is in
// use or unavailable.
//
// The allocator keeps a cursor with the property that every frame below it
// is in use. Allocations scan forward from the cursor and frees move it
// back so that released frames are handed out before any higher frame.
type BitmapAllocator struct {
	bitmap    []uint64
	lastFrame mm.Frame
	next      mm.Frame

	freeCount uint64

	// areas and reserved are recorded by AddAreas and Reserve so that
	// FreeFrame can refuse frames that were never allocatable.
	areas    []mm.FrameRange
	reserved []mm.FrameRange
}

// Init sets up the allocator to track frames [0, lastFrame] using the
// supplied storage. All frames start out as in use; callers must use
// MarkFree to populate the free set.
func (alloc *BitmapAllocator) Init(storage []uint64, lastFrame mm.Frame) *kernel.Error {
	if uintptr(len(storage)) < BitmapWords(lastFrame) {
		return errBitmapTooSmall
	}

	alloc.bitmap = storage[:BitmapWords(lastFrame)]
	for i := range alloc.bitmap {
		alloc.bitmap[i] = ^uint64(0)
	}
	alloc.lastFrame = lastFrame
	alloc.next = lastFrame + 1
	alloc.freeCount = 0
	alloc.areas = nil
	alloc.reserved = nil
	return nil
}

// AddAreas marks the frames of each available memory area as free and
// records the areas. Once areas are recorded, FreeFrame rejects frames that
// fall outside all of them. The slice is retained, not copied.
func (alloc *BitmapAllocator) AddAreas(areas []mm.FrameRange) {
	alloc.areas = areas
	for _, r := range areas {
		alloc.MarkFree(r)
	}
}

// Reserve marks the frames of each range as in use and records the ranges
// so that FreeFrame never returns them to the free set. The slice is
// retained, not copied.
func (alloc *BitmapAllocator) Reserve(ranges []mm.FrameRange) {
	alloc.reserved = ranges
	for _, r := range ranges {
		alloc.MarkInUse(r)
	}
}

// MarkFree adds the frames in r to the free set. Frames outside the tracked
// range are ignored.
func (alloc *BitmapAllocator) MarkFree(r mm.FrameRange) {
	if r.Empty() || r.First > alloc.lastFrame {
		return
	}
	if r.Last > alloc.lastFrame {
		r.Last = alloc.lastFrame
	}

	for frame := r.First; frame <= r.Last; frame++ {
		if alloc.clear(frame) {
			alloc.freeCount++
		}
	}

	if r.First < alloc.next {
		alloc.next = r.First
	}
}

// MarkInUse removes the frames in r from the free set. Frames outside the
// tracked range are ignored.
func (alloc *BitmapAllocator) MarkInUse(r mm.FrameRange) {
	if r.Empty() || r.First > alloc.lastFrame {
		return
	}
	if r.Last > alloc.lastFrame {
		r.Last = alloc.lastFrame
	}

	for frame := r.First; frame <= r.Last; frame++ {
		if alloc.set(frame) {
			alloc.freeCount--
		}
	}

	if alloc.next >= r.First && alloc.next <= r.Last {
		alloc.next = r.Last + 1
	}
}

// AllocFrame reserves the lowest free frame at or above the cursor.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	frame := alloc.firstFree(alloc.next)
	if frame > alloc.lastFrame {
		alloc.next = alloc.lastFrame + 1
		return mm.InvalidFrame, mm.ErrOutOfMemory
	}

	alloc.set(frame)
	alloc.freeCount--
	alloc.next = frame + 1
	return frame, nil
}

// FreeFrame returns frame to the free set. Freeing a reserved frame returns
// ErrReservedFrame and freeing a frame that is not allocated returns
// ErrFrameNotAllocated.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if alloc.isReserved(frame) {
		return ErrReservedFrame
	}
	if frame > alloc.lastFrame || !alloc.clear(frame) {
		return ErrFrameNotAllocated
	}

	alloc.freeCount++
	if frame < alloc.next {
		alloc.next = frame
	}
	return nil
}

// IsFree returns true if frame is tracked by the allocator and not in use.
func (alloc *BitmapAllocator) IsFree(frame mm.Frame) bool {
	if frame > alloc.lastFrame {
		return false
	}
	return alloc.bitmap[frame>>6]&(1<<(frame&63)) == 0
}

// isReserved returns true if frame lies in a reserved range or, when the
// available areas are known, outside all of them.
func (alloc *BitmapAllocator) isReserved(frame mm.Frame) bool {
	for _, r := range alloc.reserved {
		if r.Contains(frame) {
			return true
		}
	}

	if alloc.areas == nil {
		return false
	}
	for _, r := range alloc.areas {
		if r.Contains(frame) {
			return false
		}
	}
	return true
}

// FreeCount returns the number of free frames.
func (alloc *BitmapAllocator) FreeCount() uint64 { return alloc.freeCount }

// LastFrame returns the highest frame tracked by the allocator.
func (alloc *BitmapAllocator) LastFrame() mm.Frame { return alloc.lastFrame }

// firstFree returns the first free frame at or after from or a frame past
// lastFrame if none exists.
func (alloc *BitmapAllocator) firstFree(from mm.Frame) mm.Frame {
	if from > alloc.lastFrame {
		return from
	}

	word := uintptr(from >> 6)
	// Treat the bits below from as used for the first word
	block := alloc.bitmap[word] | (uint64(1)<<(from&63) - 1)
	for block == ^uint64(0) {
		word++
		if word == uintptr(len(alloc.bitmap)) {
			return alloc.lastFrame + 1
		}
		block = alloc.bitmap[word]
	}

	return mm.Frame(word<<6) + mm.Frame(bits.TrailingZeros64(^block))
}

// set marks frame as used and reports whether it was previously free.
func (alloc *BitmapAllocator) set(frame mm.Frame) bool {
	assert.LessOrEqual(frame, alloc.lastFrame, "frame outside bitmap range")

	mask := uint64(1) << (frame & 63)
	wasFree := alloc.bitmap[frame>>6]&mask == 0
	alloc.bitmap[frame>>6] |= mask
	return wasFree
}

// clear marks frame as free and reports whether it was previously used.
func (alloc *BitmapAllocator) clear(frame mm.Frame) bool {
	assert.LessOrEqual(frame, alloc.lastFrame, "frame outside bitmap range")

	mask := uint64(1) << (frame & 63)
	wasUsed := alloc.bitmap[frame>>6]&mask != 0
	alloc.bitmap[frame>>6] &^= mask
	return wasUsed
}
