package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// DefaultSinkCapacity bounds the in-memory operator log.
const DefaultSinkCapacity = 1000

// Sink is an append-only, bounded log of operator-readable lines. When full,
// the oldest line is evicted. Safe for concurrent use.
type Sink struct {
	mu    sync.RWMutex
	lines []string
	start int
	size  int
	min   slog.Level
}

// NewSink creates a sink holding at most capacity lines.
func NewSink(capacity int) *Sink {
	if capacity < 1 {
		capacity = DefaultSinkCapacity
	}
	return &Sink{lines: make([]string, capacity), min: slog.LevelInfo}
}

// Append adds a line, evicting the oldest when the sink is full.
func (s *Sink) Append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := len(s.lines)
	if s.size < capacity {
		s.lines[(s.start+s.size)%capacity] = line
		s.size++
		return
	}
	s.lines[s.start] = line
	s.start = (s.start + 1) % capacity
}

// Recent returns up to n of the newest lines, oldest first. n <= 0 returns all.
func (s *Sink) Recent(n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > s.size {
		n = s.size
	}
	out := make([]string, 0, n)
	capacity := len(s.lines)
	for i := s.size - n; i < s.size; i++ {
		out = append(out, s.lines[(s.start+i)%capacity])
	}
	return out
}

// Len returns the number of lines currently held.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Sink) accepts(level slog.Level) bool {
	return level >= s.min
}

// sinkHandler wraps a base slog.Handler and mirrors records into a Sink.
// Keys under an open group are written as "group.key", as the text handler
// does.
type sinkHandler struct {
	base   slog.Handler
	sink   *Sink
	attrs  []slog.Attr
	prefix string
}

func (h *sinkHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level) || h.sink.accepts(level)
}

func (h *sinkHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.sink.accepts(record.Level) {
		h.sink.Append(formatLine(record, h.attrs, h.prefix))
	}
	if !h.base.Enabled(ctx, record.Level) {
		return nil
	}
	return h.base.Handle(ctx, record)
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, qualify(a, h.prefix))
	}
	return &sinkHandler{base: h.base.WithAttrs(attrs), sink: h.sink, attrs: merged, prefix: h.prefix}
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &sinkHandler{
		base:   h.base.WithGroup(name),
		sink:   h.sink,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}

func qualify(a slog.Attr, prefix string) slog.Attr {
	if prefix == "" {
		return a
	}
	return slog.Attr{Key: prefix + a.Key, Value: a.Value}
}

// formatLine renders "15:04:05 INFO [component] message k=v ...".
func formatLine(record slog.Record, attrs []slog.Attr, prefix string) string {
	var b strings.Builder
	b.WriteString(record.Time.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(record.Level.String())

	component := ""
	var fields []slog.Attr
	collect := func(a slog.Attr) bool {
		if a.Key == KeyComponent {
			component = a.Value.String()
			return true
		}
		fields = append(fields, a)
		return true
	}
	for _, a := range attrs {
		collect(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		return collect(qualify(a, prefix))
	})

	if component != "" {
		fmt.Fprintf(&b, " [%s]", component)
	}
	b.WriteByte(' ')
	b.WriteString(record.Message)
	for _, a := range fields {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}
	return b.String()
}
