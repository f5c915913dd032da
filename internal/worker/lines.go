package worker

import (
	"bytes"
	"log/slog"
	"sync"
)

// maxLineSize bounds a buffered line. Longer lines are logged in pieces.
const maxLineSize = 64 * 1024

// lineWriter logs everything written to it one line at a time.
type lineWriter struct {
	logger *slog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.log(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLineSize {
		w.log(w.buf[:maxLineSize])
		w.buf = w.buf[maxLineSize:]
	}
	return len(p), nil
}

// Flush logs the unterminated last line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.log(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) log(line []byte) {
	w.logger.Info(string(bytes.TrimSuffix(line, []byte("\r"))), "stream", w.stream)
}
