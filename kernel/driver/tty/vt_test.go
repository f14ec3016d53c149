package tty

import (
	"testing"

	"vmkernel/kernel/driver/video/console"

	"github.com/stretchr/testify/assert"
)

func newVt(width, height uint16) (*Vt, []uint16) {
	fb := make([]uint16, int(width)*int(height))
	var cons console.Ega
	cons.Init(fb, width, height)

	var vt Vt
	vt.Init(&cons)
	return &vt, fb
}

// row returns the characters in the given framebuffer row.
func row(fb []uint16, width, y int) string {
	out := make([]byte, width)
	for x := 0; x < width; x++ {
		out[x] = byte(fb[y*width+x])
	}
	return string(out)
}

func TestVtPosition(t *testing.T) {
	specs := []struct {
		inX, inY   uint16
		expX, expY uint16
	}{
		{20, 20, 20, 20},
		{100, 20, 79, 20},
		{10, 200, 10, 24},
		{100, 100, 79, 24},
	}

	var vt Tty
	vt, _ = newVt(80, 25)

	for specIndex, spec := range specs {
		vt.SetPosition(spec.inX, spec.inY)
		x, y := vt.Position()
		assert.Equal(t, spec.expX, x, "[spec %d]", specIndex)
		assert.Equal(t, spec.expY, y, "[spec %d]", specIndex)
	}
}

func TestVtWrite(t *testing.T) {
	vt, fb := newVt(8, 3)
	vt.Clear()

	n, err := vt.Write([]byte("12\n\t3\r4"))
	assert.NoError(t, err)
	assert.Equal(t, 7, n)

	assert.Equal(t, "12      ", row(fb, 8, 0))
	// the tab fills the whole line and wraps to the next one
	assert.Equal(t, "        ", row(fb, 8, 1))
	assert.Equal(t, "4       ", row(fb, 8, 2))

	attr := uint16(console.MakeAttr(console.LightGrey, console.Black)) << 8
	assert.Equal(t, attr|'1', fb[0])
}

func TestVtTab(t *testing.T) {
	vt, fb := newVt(16, 2)
	vt.Clear()

	_, _ = vt.Write([]byte("ab\tc\td"))
	assert.Equal(t, "ab      c       ", row(fb, 16, 0))
	assert.Equal(t, "d               ", row(fb, 16, 1))
}

func TestVtScroll(t *testing.T) {
	vt, fb := newVt(4, 2)
	vt.Clear()

	_, _ = vt.Write([]byte("aaaa"))
	x, y := vt.Position()
	assert.Equal(t, uint16(0), x)
	assert.Equal(t, uint16(1), y)

	_, _ = vt.Write([]byte("bb\ncc"))
	assert.Equal(t, "bb  ", row(fb, 4, 0))
	assert.Equal(t, "cc  ", row(fb, 4, 1))

	x, y = vt.Position()
	assert.Equal(t, uint16(2), x)
	assert.Equal(t, uint16(1), y)
}
