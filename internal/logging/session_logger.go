package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one captured log entry.
type Record struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

const defaultSessionLogCapacity = 256

// SessionLog is a bounded in-memory ring buffer of log records captured
// for one ingestion session (spec §4.E openStream..closeStream), for
// inclusion in diagnostics alongside IngestionResult. Safe for
// concurrent use; oldest records are evicted once capacity is reached.
type SessionLog struct {
	mu       sync.Mutex
	capacity int
	records  []Record
	next     int
	full     bool
}

func newSessionLog(capacity int) *SessionLog {
	if capacity <= 0 {
		capacity = defaultSessionLogCapacity
	}
	return &SessionLog{capacity: capacity, records: make([]Record, capacity)}
}

func (s *SessionLog) append(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.next] = r
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
}

// Records returns the captured records in chronological order (oldest
// first), capped at the ring's capacity.
func (s *SessionLog) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return append([]Record(nil), s.records[:s.next]...)
	}
	out := make([]Record, 0, s.capacity)
	out = append(out, s.records[s.next:]...)
	out = append(out, s.records[:s.next]...)
	return out
}

// ringHandler is a slog.Handler that appends every record it handles
// into a SessionLog, regardless of the base logger's configured level —
// a session's diagnostic ring always captures at debug granularity.
type ringHandler struct {
	log   *SessionLog
	attrs []slog.Attr
}

func (h *ringHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *ringHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = truncateAttr(nil, a).Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = truncateAttr(nil, a).Value.Any()
		return true
	})
	h.log.append(Record{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: attrs})
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ringHandler{log: h.log, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *ringHandler) WithGroup(string) slog.Handler {
	// Groups are not modeled in the ring's flattened attrs map; records
	// logged under a group still get captured under their plain keys.
	return h
}

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers: the process-wide logger's handler and a session's ring
// handler.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A ring-buffer write never fails; no error path to propagate.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewSessionLogger returns a logger that fans every record out to
// baseLogger and to a fresh bounded SessionLog ring buffer, so that one
// openStream..closeStream session's log records can be attached to its
// diagnostics independently of the process-wide log. capacity <= 0
// defaults to 256 records.
func NewSessionLogger(baseLogger *slog.Logger, capacity int) (*slog.Logger, *SessionLog) {
	ring := newSessionLog(capacity)
	combined := &fanOutHandler{primary: baseLogger.Handler(), secondary: &ringHandler{log: ring}}
	return slog.New(combined), ring
}
