package log

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// RingBuffer is a thread-safe circular buffer of formatted log lines.
// The CLI chat view reads it to show recent connection diagnostics.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []string
	head  int
	full  bool
}

// NewRingBuffer creates a new ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Add adds a line to the buffer, evicting the oldest if full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % len(rb.lines)
	if rb.head == 0 {
		rb.full = true
	}
}

// Lines returns the last n lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	total := rb.total()
	if n > total {
		n = total
	}
	if n <= 0 {
		return []string{}
	}

	start := 0
	if rb.full {
		start = rb.head
	}
	skip := total - n

	out := make([]string, n)
	for i := range out {
		out[i] = rb.lines[(start+skip+i)%len(rb.lines)]
	}
	return out
}

// Total returns the number of lines currently in the buffer.
func (rb *RingBuffer) Total() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total()
}

func (rb *RingBuffer) total() int {
	if rb.full {
		return len(rb.lines)
	}
	return rb.head
}

// Capacity returns the buffer capacity.
func (rb *RingBuffer) Capacity() int {
	return len(rb.lines)
}

// BufferHandler captures every record into a RingBuffer and forwards
// records the wrapped handler accepts.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer
}

// NewBufferHandler creates a handler that stores logs in the buffer and forwards to wrapped.
func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{wrapped: wrapped, buffer: buffer}
}

// Enabled always returns true; the wrapped handler filters on its own.
func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// Handle writes the record to the buffer and forwards to the wrapped handler.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	text := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	if err := text.Handle(ctx, r); err == nil {
		h.buffer.Add(buf.String())
	}

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

// WithAttrs returns a new handler with the given attributes.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var wrapped slog.Handler
	if h.wrapped != nil {
		wrapped = h.wrapped.WithAttrs(attrs)
	}
	return &BufferHandler{wrapped: wrapped, buffer: h.buffer}
}

// WithGroup returns a new handler with the given group.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	var wrapped slog.Handler
	if h.wrapped != nil {
		wrapped = h.wrapped.WithGroup(name)
	}
	return &BufferHandler{wrapped: wrapped, buffer: h.buffer}
}
