package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/multiboot"
)

var (
	// ErrFrameOutOfRange is returned when a frame cannot be encoded in
	// the 40-bit physical frame field of a page table entry.
	ErrFrameOutOfRange = &kernel.Error{Module: "vmm", Message: "frame address does not fit in a page table entry", Kind: kernel.KindInvariant}
)

// Entry describes a page table entry. Bits 0-11 and 63 hold the entry flags
// while bits 12-51 hold the physical address of the frame it points to.
type Entry uint64

// IsUnused returns true if the entry is all zeroes.
func (e Entry) IsUnused() bool {
	return e == 0
}

// SetUnused clears the entry.
func (e *Entry) SetUnused() {
	*e = 0
}

// Flags returns the flags set for this entry.
func (e Entry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(e) & entryFlagMask)
}

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags PageTableEntryFlag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (e Entry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return uint64(e)&uint64(flags) != 0
}

// Frame returns the physical frame this entry points to. The second return
// value is false if the entry is not present.
func (e Entry) Frame() (mm.Frame, bool) {
	if !e.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}
	return mm.FrameFromAddress(uintptr(uint64(e) & entryFrameMask)), true
}

// Set points the entry to frame and replaces its flags.
func (e *Entry) Set(frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if uint64(frame) > entryFrameMask>>mm.PageShift {
		return ErrFrameOutOfRange
	}

	*e = Entry(uint64(frame.Address()) | uint64(flags)&entryFlagMask)
	return nil
}

// FlagsFromElfSection returns the page flags that enforce the access rights
// of a kernel ELF section.
func FlagsFromElfSection(flags multiboot.ElfSectionFlag) PageTableEntryFlag {
	pageFlags := FlagPresent
	if flags&multiboot.ElfSectionWritable != 0 {
		pageFlags |= FlagRW
	}
	if flags&multiboot.ElfSectionExecutable == 0 {
		pageFlags |= FlagNoExecute
	}
	return pageFlags
}
