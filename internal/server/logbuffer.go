package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry represents a single captured log line.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// ring is shared by a LogBuffer and every handler derived from it.
type ring struct {
	mu      sync.Mutex
	entries []LogEntry
	pos     int
	full    bool
}

// LogBuffer is a ring-buffer slog.Handler that captures recent log entries
// while forwarding them to a wrapped handler.
type LogBuffer struct {
	inner slog.Handler
	ring  *ring
	attrs []slog.Attr
}

// NewLogBuffer creates a LogBuffer wrapping the given handler, retaining up to maxSize entries.
func NewLogBuffer(inner slog.Handler, maxSize int) *LogBuffer {
	if maxSize < 1 {
		maxSize = 1
	}
	return &LogBuffer{
		inner: inner,
		ring:  &ring{entries: make([]LogEntry, maxSize)},
	}
}

// Enabled delegates to the inner handler.
func (lb *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return lb.inner.Enabled(ctx, level)
}

// Handle captures the log record into the ring buffer and forwards to the inner handler.
func (lb *LogBuffer) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}

	if n := len(lb.attrs) + r.NumAttrs(); n > 0 {
		entry.Attrs = make(map[string]any, n)
		for _, a := range lb.attrs {
			entry.Attrs[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			entry.Attrs[a.Key] = a.Value.Any()
			return true
		})
	}

	rb := lb.ring
	rb.mu.Lock()
	rb.entries[rb.pos] = entry
	rb.pos++
	if rb.pos >= len(rb.entries) {
		rb.pos = 0
		rb.full = true
	}
	rb.mu.Unlock()

	return lb.inner.Handle(ctx, r)
}

// WithAttrs returns a handler that records attrs on every entry and writes
// to the same ring.
func (lb *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(lb.attrs)+len(attrs))
	merged = append(merged, lb.attrs...)
	merged = append(merged, attrs...)
	return &LogBuffer{inner: lb.inner.WithAttrs(attrs), ring: lb.ring, attrs: merged}
}

// WithGroup delegates to the inner handler. Buffered entries stay flat.
func (lb *LogBuffer) WithGroup(name string) slog.Handler {
	return &LogBuffer{inner: lb.inner.WithGroup(name), ring: lb.ring, attrs: lb.attrs}
}

// Entries returns the buffered log entries in chronological order.
func (lb *LogBuffer) Entries() []LogEntry {
	rb := lb.ring
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		result := make([]LogEntry, rb.pos)
		copy(result, rb.entries[:rb.pos])
		return result
	}

	// Ring buffer is full: entries from pos..end, then 0..pos.
	size := len(rb.entries)
	result := make([]LogEntry, size)
	copy(result, rb.entries[rb.pos:])
	copy(result[size-rb.pos:], rb.entries[:rb.pos])
	return result
}
