// Package logging configures slog and keeps recent entries in memory for
// the logs endpoint
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry is a captured log record
type Entry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// Filter selects entries from a RingBuffer. Zero values match everything.
type Filter struct {
	MinLevel  slog.Level
	Component string
}

func (f Filter) match(e Entry, level slog.Level) bool {
	if level < f.MinLevel {
		return false
	}
	return f.Component == "" || f.Component == e.Component
}

// RingBuffer stores the most recent log entries
type RingBuffer struct {
	entries []Entry
	levels  []slog.Level
	size    int
	head    int
	count   int
	mu      sync.RWMutex

	subscribers map[chan Entry]struct{}
	subMu       sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding up to size entries
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		entries:     make([]Entry, size),
		levels:      make([]slog.Level, size),
		size:        size,
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Add stores an entry and forwards it to subscribers that keep up
func (rb *RingBuffer) Add(entry Entry, level slog.Level) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.levels[rb.head] = level
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()

	rb.subMu.RLock()
	for ch := range rb.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
	rb.subMu.RUnlock()
}

// Recent returns up to n matching entries, oldest first
func (rb *RingBuffer) Recent(n int, f Filter) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]Entry, 0, min(n, rb.count))
	// Walk newest to oldest, then reverse
	for i := 0; i < rb.count && len(out) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if f.match(rb.entries[idx], rb.levels[idx]) {
			out = append(out, rb.entries[idx])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of stored entries
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Subscribe creates a channel that receives new entries
func (rb *RingBuffer) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	rb.subMu.Lock()
	rb.subscribers[ch] = struct{}{}
	rb.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (rb *RingBuffer) Unsubscribe(ch chan Entry) {
	rb.subMu.Lock()
	defer rb.subMu.Unlock()
	if _, ok := rb.subscribers[ch]; ok {
		delete(rb.subscribers, ch)
		close(ch)
	}
}

// StreamHandler is a slog handler that tees records into a RingBuffer
type StreamHandler struct {
	buffer *RingBuffer
	next   slog.Handler
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

// NewStreamHandler wraps next, capturing every enabled record into buffer
func NewStreamHandler(buffer *RingBuffer, next slog.Handler, level slog.Leveler) *StreamHandler {
	return &StreamHandler{buffer: buffer, next: next, level: level}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]interface{})
	var component string

	collect := func(key string, a slog.Attr) {
		if a.Key == "component" {
			component = a.Value.String()
			return
		}
		attrs[key+a.Key] = a.Value.Resolve().Any()
	}
	for _, a := range h.attrs {
		collect("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(h.prefix, a)
		return true
	})
	if len(attrs) == 0 {
		attrs = nil
	}

	h.buffer.Add(Entry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: component,
		Attrs:     attrs,
	}, r.Level)

	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		merged = append(merged, a)
	}
	return &StreamHandler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		level:  h.level,
		attrs:  merged,
		prefix: h.prefix,
	}
}

// WithGroup implements slog.Handler
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &StreamHandler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		level:  h.level,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}

// Options selects the output format and minimum level
type Options struct {
	Level      string
	Format     string
	BufferSize int
}

// ParseLevel maps debug/info/warn/error to a slog level
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// Setup builds the process logger writing to w. LOG_LEVEL=debug in the
// environment overrides the configured level.
func Setup(opts Options, w io.Writer) (*slog.Logger, *slog.LevelVar, *RingBuffer) {
	level := new(slog.LevelVar)
	if l, err := ParseLevel(opts.Level); err == nil {
		level.Set(l)
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		level.Set(slog.LevelDebug)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var next slog.Handler
	if opts.Format == "text" {
		next = slog.NewTextHandler(w, handlerOpts)
	} else {
		next = slog.NewJSONHandler(w, handlerOpts)
	}

	size := opts.BufferSize
	if size <= 0 {
		size = 1000
	}
	buffer := NewRingBuffer(size)
	return slog.New(NewStreamHandler(buffer, next, level)), level, buffer
}
