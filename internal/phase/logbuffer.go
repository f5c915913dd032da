package phase

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const maxBufferedLines = 2000

// logBuffer keeps the last lines logged during the open phase.
type logBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int // oldest line once lines is full
}

func (b *logBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) < maxBufferedLines {
		b.lines = append(b.lines, line)
		return
	}
	b.lines[b.next] = line
	b.next = (b.next + 1) % maxBufferedLines
}

func (b *logBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = nil
	b.next = 0
}

func (b *logBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := make([]string, 0, len(b.lines))
	lines = append(lines, b.lines[b.next:]...)
	return append(lines, b.lines[:b.next]...)
}

// captureHandler copies every record it handles into a logBuffer and then
// passes it on.
type captureHandler struct {
	next  slog.Handler
	buf   *logBuffer
	attrs []slog.Attr
}

func newCaptureHandler(next slog.Handler, buf *logBuffer) *captureHandler {
	return &captureHandler{next: next, buf: buf}
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// Lines hidden by the level of next still help error resolution.
	return true
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&sb, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, a)
		return true
	})
	h.buf.add(sb.String())

	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func writeAttr(sb *strings.Builder, a slog.Attr) {
	sb.WriteByte(' ')
	sb.WriteString(a.Key)
	sb.WriteByte('=')
	sb.WriteString(a.Value.String())
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{
		next:  h.next.WithAttrs(attrs),
		buf:   h.buf,
		attrs: append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
	}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{
		next:  h.next.WithGroup(name),
		buf:   h.buf,
		attrs: h.attrs,
	}
}
