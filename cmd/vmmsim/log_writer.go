package main

import (
	"bytes"
	"log/slog"
)

// logWriter forwards kernel console output to a slog.Logger, one record per
// line. Lines starting with a "[name] " prefix are logged with a src
// attribute set to name.
type logWriter struct {
	log     *slog.Logger
	pending []byte
}

func newLogWriter(log *slog.Logger) *logWriter {
	return &logWriter{log: log}
}

// Write implements io.Writer. Incomplete lines are buffered until the
// terminating newline is written.
func (w *logWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)

	for {
		index := bytes.IndexByte(w.pending, '\n')
		if index < 0 {
			break
		}

		w.emit(w.pending[:index])
		w.pending = w.pending[index+1:]
	}

	return len(p), nil
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	log := w.log
	if line[0] == '[' {
		if end := bytes.Index(line, []byte("] ")); end > 1 {
			log = log.With("src", string(line[1:end]))
			line = line[end+2:]
		}
	}

	log.Info(string(line))
}
