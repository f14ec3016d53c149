package console

const (
	clearChar = uint16(' ')

	// VGA text mode dimensions in characters.
	EgaWidth  = 80
	EgaHeight = 25
)

// Ega implements an EGA-compatible text console on top of a framebuffer
// with one 16-bit cell (attribute in the high byte, character in the low
// byte) per character.
type Ega struct {
	width  uint16
	height uint16

	fb []uint16
}

// Init sets up the console to render into fb which must hold at least
// width*height cells. The framebuffer is normally the VGA text buffer which
// the kernel keeps identity mapped.
func (cons *Ega) Init(fb []uint16, width, height uint16) {
	cons.width, cons.height = width, height
	cons.fb = fb[:int(width)*int(height)]
}

// Clear clears the specified rectangular region
func (cons *Ega) Clear(x, y, width, height uint16) {
	clr := uint16(MakeAttr(Black, Black))<<8 | clearChar

	// clip rectangle
	if x >= cons.width || y >= cons.height {
		return
	}
	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	for row := y; row < y+height; row++ {
		offset := int(row)*int(cons.width) + int(x)
		clearCells(cons.fb[offset:offset+int(width)], clr)
	}
}

func clearCells(cells []uint16, value uint16) {
	for index := range cells {
		cells[index] = value
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// ScrollUp moves the console contents up by lines. The vacated lines at the
// bottom keep their previous contents.
func (cons *Ega) ScrollUp(lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	copy(cons.fb, cons.fb[int(lines)*int(cons.width):])
}

// Write a char to the specified location.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.fb[int(y)*int(cons.width)+int(x)] = uint16(attr)<<8 | uint16(ch)
}
