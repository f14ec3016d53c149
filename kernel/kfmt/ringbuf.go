package kfmt

import "io"

// ringBufferSize is large enough to hold a full 80x25 text-mode screen.
const ringBufferSize = 2048

// ringBuffer keeps the last ringBufferSize bytes written to it. Once full,
// new writes overwrite the oldest unread data.
type ringBuffer struct {
	buffer        [ringBufferSize]byte
	start, length int
}

// Write appends p to the buffer. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.length)%ringBufferSize] = b
		if rb.length < ringBufferSize {
			rb.length++
		} else {
			rb.start = (rb.start + 1) % ringBufferSize
		}
	}

	return len(p), nil
}

// Read drains up to len(p) unread bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.length == 0 {
		return 0, io.EOF
	}

	n := rb.length
	if end := ringBufferSize - rb.start; n > end {
		n = end
	}
	if n > len(p) {
		n = len(p)
	}

	copy(p, rb.buffer[rb.start:rb.start+n])
	rb.start = (rb.start + n) % ringBufferSize
	rb.length -= n

	return n, nil
}
