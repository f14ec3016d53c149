package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. The prefix for a line is emitted
// lazily, when the first byte of that line is written.
type PrefixWriter struct {
	// A writer where all writes get sent to. If nil, writes are sent to
	// the active kfmt output sink.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// Write implements io.Writer. The returned byte count does not include any
// injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written int
		sink    = w.Sink
	)

	if sink == nil {
		sink = activeSink{}
	}

	for len(p) != 0 {
		if !w.midLine {
			if _, err := sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		end := bytes.IndexByte(p, '\n') + 1
		if end == 0 {
			end = len(p)
		}

		n, err := sink.Write(p[:end])
		written += n
		if err != nil {
			return written, err
		}

		if p[end-1] == '\n' {
			w.midLine = false
		}
		p = p[end:]
	}

	return written, nil
}

// activeSink forwards writes to the current output sink or the early print
// buffer if no sink is attached.
type activeSink struct{}

func (activeSink) Write(p []byte) (int, error) {
	doWrite(outputSink, p)
	return len(p), nil
}
