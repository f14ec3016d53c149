package tty

import (
	"vmkernel/kernel/driver/video/console"
	"vmkernel/kernel/sync"
)

const (
	defaultFg = console.LightGrey
	defaultBg = console.Black

	tabWidth = 8
)

// Vt implements a simple terminal that can process LF, CR and TAB
// characters. The terminal uses a console device for its output.
type Vt struct {
	mutex sync.Spinlock
	cons  console.Console

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr console.Attr
}

// Init attaches the terminal to cons and moves the cursor to the top-left
// corner.
func (t *Vt) Init(cons console.Console) {
	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.curX, t.curY = 0, 0

	// Default to lightgrey on black text.
	t.curAttr = console.MakeAttr(defaultFg, defaultBg)
}

// Clear clears the terminal.
func (t *Vt) Clear() {
	t.mutex.Acquire()
	defer t.mutex.Release()

	t.cons.Clear(0, 0, t.width, t.height)
	t.curX, t.curY = 0, 0
}

// Position returns the current cursor position (x, y).
func (t *Vt) Position() (uint16, uint16) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	return t.curX, t.curY
}

// SetPosition sets the current cursor position to (x,y).
func (t *Vt) SetPosition(x, y uint16) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	if x >= t.width {
		x = t.width - 1
	}
	if y >= t.height {
		y = t.height - 1
	}

	t.curX, t.curY = x, y
}

// Write implements io.Writer.
func (t *Vt) Write(data []byte) (int, error) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	for _, b := range data {
		switch b {
		case '\r':
			t.curX = 0
		case '\n':
			t.curX = 0
			t.lf()
		case '\t':
			for n := tabWidth - t.curX%tabWidth; n > 0; n-- {
				if t.put(' '); t.curX == 0 {
					break
				}
			}
		default:
			t.put(b)
		}
	}

	return len(data), nil
}

// put writes b at the cursor and advances it, wrapping to the next line.
func (t *Vt) put(b byte) {
	t.cons.Write(b, t.curAttr, t.curX, t.curY)
	t.curX++
	if t.curX == t.width {
		t.curX = 0
		t.lf()
	}
}

// lf advances the y coordinate of the terminal cursor by one line scrolling
// the terminal contents if the end of the last terminal line is reached.
func (t *Vt) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.ScrollUp(1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}
