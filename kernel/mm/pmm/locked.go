package pmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/sync"
)

// LockedAllocator serializes access to a frame allocator that is shared
// between the page table code and other kernel subsystems.
type LockedAllocator struct {
	mutex sync.Spinlock
	alloc mm.FrameAllocator
}

// NewLockedAllocator returns a LockedAllocator that guards alloc.
func NewLockedAllocator(alloc mm.FrameAllocator) *LockedAllocator {
	return &LockedAllocator{alloc: alloc}
}

// AllocFrame implements mm.FrameAllocator.
func (l *LockedAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	l.mutex.Acquire()
	defer l.mutex.Release()
	return l.alloc.AllocFrame()
}

// FreeFrame implements mm.FrameAllocator.
func (l *LockedAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	l.mutex.Acquire()
	defer l.mutex.Release()
	return l.alloc.FreeFrame(frame)
}

// Swap replaces the guarded allocator and returns the previous one. It is
// used when the boot allocator hands over to the bitmap allocator.
func (l *LockedAllocator) Swap(alloc mm.FrameAllocator) mm.FrameAllocator {
	l.mutex.Acquire()
	prev := l.alloc
	l.alloc = alloc
	l.mutex.Release()
	return prev
}
