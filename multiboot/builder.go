package multiboot

import "unsafe"

// ElfSection describes a kernel image section for Builder.
type ElfSection struct {
	Name    string
	Flags   ElfSectionFlag
	Address uintptr
	Size    uint64
}

// Builder assembles a multiboot2 information structure in host memory. It
// allows hosted tools and tests to feed synthetic boot information to code
// that consumes an Info. The Builder must remain reachable for as long as
// the Info returned by Build is in use.
type Builder struct {
	tags   []byte
	buf    []uint64
	strtab []byte
}

// AddCmdLine appends a boot command line tag.
func (b *Builder) AddCmdLine(cmdLine string) *Builder {
	b.addTag(tagBootCmdLine, append([]byte(cmdLine), 0))
	return b
}

// AddMemoryMap appends a memory map tag with the given entries.
func (b *Builder) AddMemoryMap(entries ...MemoryMapEntry) *Builder {
	const entrySize = 24
	data := make([]byte, 8+entrySize*len(entries))
	le.PutUint32(data[0:], entrySize)
	for index, entry := range entries {
		raw := data[8+index*entrySize:]
		le.PutUint64(raw[0:], entry.PhysAddress)
		le.PutUint64(raw[8:], entry.Length)
		le.PutUint32(raw[16:], uint32(entry.Type))
	}
	b.addTag(tagMemoryMap, data)
	return b
}

// AddModule appends a module tag.
func (b *Builder) AddModule(start, end uintptr, cmdLine string) *Builder {
	data := make([]byte, 8, 8+len(cmdLine)+1)
	le.PutUint32(data[0:], uint32(start))
	le.PutUint32(data[4:], uint32(end))
	b.addTag(tagModules, append(append(data, cmdLine...), 0))
	return b
}

// AddElfSections appends an ELF symbols tag describing the given sections.
// A string table section holding the section names is appended after them.
func (b *Builder) AddElfSections(sections ...ElfSection) *Builder {
	b.strtab = []byte{0}
	nameIndex := make([]uint32, len(sections))
	for index, sec := range sections {
		nameIndex[index] = uint32(len(b.strtab))
		b.strtab = append(append(b.strtab, sec.Name...), 0)
	}

	numSections := len(sections) + 1
	data := make([]byte, 12+numSections*elfSection64Size)
	le.PutUint32(data[0:], uint32(numSections))
	le.PutUint32(data[4:], elfSection64Size)
	le.PutUint32(data[8:], uint32(len(sections)))

	for index, sec := range sections {
		raw := data[12+index*elfSection64Size:]
		le.PutUint32(raw[0:], nameIndex[index])
		le.PutUint32(raw[4:], 1) // SHT_PROGBITS
		le.PutUint64(raw[8:], uint64(sec.Flags))
		le.PutUint64(raw[16:], uint64(sec.Address))
		le.PutUint64(raw[32:], sec.Size)
	}

	raw := data[12+len(sections)*elfSection64Size:]
	le.PutUint32(raw[4:], 3) // SHT_STRTAB
	le.PutUint64(raw[16:], uint64(uintptr(unsafe.Pointer(&b.strtab[0]))))
	le.PutUint64(raw[32:], uint64(len(b.strtab)))

	b.addTag(tagElfSymbols, data)
	return b
}

// Build terminates the tag list and returns an Info for the assembled
// structure.
func (b *Builder) Build() Info {
	end := make([]byte, tagHeaderSize)
	le.PutUint32(end[4:], tagHeaderSize)

	total := infoHeaderSize + len(b.tags) + len(end)
	b.buf = make([]uint64, (total+7)/8)

	out := unsafe.Slice((*byte)(unsafe.Pointer(&b.buf[0])), total)
	le.PutUint32(out[0:], uint32(total))
	copy(out[infoHeaderSize:], b.tags)
	copy(out[infoHeaderSize+len(b.tags):], end)

	return Info{addr: uintptr(unsafe.Pointer(&b.buf[0]))}
}

func (b *Builder) addTag(t tagType, data []byte) {
	size := tagHeaderSize + len(data)
	tag := make([]byte, (size+7)&^7)
	le.PutUint32(tag[0:], uint32(t))
	le.PutUint32(tag[4:], uint32(size))
	copy(tag[tagHeaderSize:], data)
	b.tags = append(b.tags, tag...)
}
