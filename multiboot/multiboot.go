// Package multiboot parses the multiboot2 information structure that the
// boot loader passes to the kernel.
package multiboot

import (
	"encoding/binary"
	"strings"
	"unsafe"

	"vmkernel/kernel"
)

var (
	// ErrMissingTag is returned when a tag required by the caller is not
	// present in the boot information.
	ErrMissingTag = &kernel.Error{Module: "multiboot", Message: "required tag missing from boot information", Kind: kernel.KindBootInfo}

	// ErrMalformedInfo is returned when the boot information header is
	// inconsistent.
	ErrMalformedInfo = &kernel.Error{Module: "multiboot", Message: "malformed boot information", Kind: kernel.KindBootInfo}

	le = binary.LittleEndian
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the fixed header (total size and a
	// reserved field) that precedes the tag list.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type/size header of each tag.
	tagHeaderSize = 8

	// elfSection64Size is the size of an ELF64 section header.
	elfSection64Size = 64
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(MemoryMapEntry) bool

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor defies a visitor function that gets invoked by VisitElfSections
// for each ELF section that belongs to the loaded kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// Module describes a boot module loaded alongside the kernel.
type Module struct {
	// Physical address range [Start, End) of the module contents.
	Start, End uintptr

	// The command line associated with the module.
	CmdLine string
}

// ModuleVisitor is invoked by VisitModules for each boot module. The visitor
// must return true to continue or false to abort the scan.
type ModuleVisitor func(Module) bool

// Info provides access to the multiboot information structure located at a
// fixed address.
type Info struct {
	addr uintptr
}

// NewInfo returns an Info for the multiboot information structure that
// starts at addr. The address must be accessible for reads.
func NewInfo(addr uintptr) (Info, *kernel.Error) {
	if addr == 0 || addr&7 != 0 {
		return Info{}, ErrMalformedInfo
	}

	info := Info{addr: addr}
	if info.totalSize() < infoHeaderSize+tagHeaderSize {
		return Info{}, ErrMalformedInfo
	}

	return info, nil
}

// Range returns the physical address range [start, end) occupied by the
// boot information.
func (i Info) Range() (uintptr, uintptr) {
	return i.addr, i.addr + uintptr(i.totalSize())
}

func (i Info) totalSize() uint32 {
	return le.Uint32(bytesAt(i.addr, 4))
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
// Entries with an unknown type are reported as MemReserved.
func (i Info) VisitMemRegions(visitor MemRegionVisitor) *kernel.Error {
	data := i.findTag(tagMemoryMap)
	if data == nil {
		return ErrMissingTag
	}

	// the tag contents start with the entry size and entry version
	if len(data) < 8 {
		return ErrMalformedInfo
	}

	entrySize := int(le.Uint32(data))
	if entrySize < 24 {
		return ErrMalformedInfo
	}

	for offset := 8; offset+entrySize <= len(data); offset += entrySize {
		raw := data[offset : offset+entrySize]
		entry := MemoryMapEntry{
			PhysAddress: le.Uint64(raw[0:]),
			Length:      le.Uint64(raw[8:]),
			Type:        MemoryEntryType(le.Uint32(raw[16:])),
		}

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			break
		}
	}

	return nil
}

// VisitElfSections invokes visitor for each ELF section that belongs to the
// loaded kernel image. Sections with zero size are skipped.
func (i Info) VisitElfSections(visitor ElfSectionVisitor) *kernel.Error {
	data := i.findTag(tagElfSymbols)
	if data == nil {
		return ErrMissingTag
	}

	// section count, section header size and string table index
	if len(data) < 12 {
		return ErrMalformedInfo
	}

	var (
		numSections = int(le.Uint32(data[0:]))
		sectionSize = int(le.Uint32(data[4:]))
		strtabIndex = int(le.Uint32(data[8:]))
		sections    = data[12:]
	)

	if sectionSize < elfSection64Size || numSections*sectionSize > len(sections) || strtabIndex >= numSections {
		return ErrMalformedInfo
	}

	strtabAddr := uintptr(le.Uint64(sections[strtabIndex*sectionSize+16:]))

	for secIndex := 0; secIndex < numSections; secIndex++ {
		sec := sections[secIndex*sectionSize:]

		size := le.Uint64(sec[32:])
		if size == 0 {
			continue
		}

		var (
			nameIndex = uintptr(le.Uint32(sec[0:]))
			flags     = ElfSectionFlag(le.Uint64(sec[8:]))
			address   = uintptr(le.Uint64(sec[16:]))
		)

		visitor(cString(strtabAddr+nameIndex), flags, address, size)
	}

	return nil
}

// VisitModules invokes visitor for each boot module.
func (i Info) VisitModules(visitor ModuleVisitor) {
	i.visitTags(tagModules, func(data []byte) bool {
		if len(data) < 8 {
			return true
		}

		return visitor(Module{
			Start:   uintptr(le.Uint32(data[0:])),
			End:     uintptr(le.Uint32(data[4:])),
			CmdLine: trimNul(data[8:]),
		})
	})
}

// CmdLine returns the command line key-value pairs passed to the kernel.
// Flags without a value map to themselves. This function must only be
// invoked after bootstrapping the memory allocator.
func (i Info) CmdLine() map[string]string {
	kv := make(map[string]string)

	data := i.findTag(tagBootCmdLine)
	if data == nil {
		return kv
	}

	for _, pair := range strings.Fields(trimNul(data)) {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			value = key
		}
		kv[key] = value
	}

	return kv
}

// CmdLineValue returns the value of the command line flag with the given key.
// Unlike CmdLine it does not allocate and can be used before the kernel heap
// is available.
func (i Info) CmdLineValue(key string) (string, bool) {
	data := i.findTag(tagBootCmdLine)
	if data == nil {
		return "", false
	}

	for cmdLine := trimNul(data); cmdLine != ""; {
		var pair string
		pair, cmdLine = nextField(cmdLine)
		if pair == "" {
			continue
		}

		k, v, found := strings.Cut(pair, "=")
		if k != key {
			continue
		}
		if !found {
			return k, true
		}
		return v, true
	}

	return "", false
}

// nextField splits s at the first space or tab and returns the field before
// it together with the remainder.
func nextField(s string) (string, string) {
	for index := 0; index < len(s); index++ {
		if s[index] == ' ' || s[index] == '\t' {
			return s[:index], s[index+1:]
		}
	}
	return s, ""
}

// findTag returns the contents of the first tag of the given type or nil if
// the tag is not present.
func (i Info) findTag(t tagType) []byte {
	var found []byte
	i.visitTags(t, func(data []byte) bool {
		found = data
		return false
	})
	return found
}

// visitTags invokes fn with the contents (excluding the tag header) of each
// tag with the given type.
func (i Info) visitTags(t tagType, fn func([]byte) bool) {
	info := bytesAt(i.addr, uintptr(i.totalSize()))

	for offset := infoHeaderSize; offset+tagHeaderSize <= len(info); {
		var (
			curType = tagType(le.Uint32(info[offset:]))
			size    = int(le.Uint32(info[offset+4:]))
		)

		if curType == tagMbSectionEnd || size < tagHeaderSize || offset+size > len(info) {
			return
		}

		if curType == t && !fn(info[offset+tagHeaderSize:offset+size]) {
			return
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}
}

// bytesAt overlays a byte slice on top of size bytes at addr.
func bytesAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// cString returns a string backed by the NUL-terminated C string at addr.
func cString(addr uintptr) string {
	end := addr
	for *(*byte)(unsafe.Pointer(end)) != 0 {
		end++
	}
	return unsafe.String((*byte)(unsafe.Pointer(addr)), end-addr)
}

// trimNul returns the contents of data up to the first NUL byte. The
// returned string shares its backing memory with data.
func trimNul(data []byte) string {
	for index, b := range data {
		if b == 0 {
			data = data[:index]
			break
		}
	}

	if len(data) == 0 {
		return ""
	}
	return unsafe.String(&data[0], len(data))
}
