package ldapnav

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultEventLogCapacity = 256

// EventAttr is one formatted attribute of a captured log event.
type EventAttr struct {
	Key   string
	Value string
}

// Event is one captured log record, formatted for display on a log
// surface.
type Event struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   []EventAttr
}

// EventLog is a bounded ring buffer of log events. Components log through
// slog as usual; a Fanout handler appends every record here while passing
// it on to the base handler, and a presentation layer snapshots the buffer
// with Events. Safe for concurrent use.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	next   int
	filled bool
}

// NewEventLog builds an event log keeping the most recent capacity events.
// Non-positive capacities fall back to a default.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultEventLogCapacity
	}
	return &EventLog{events: make([]Event, capacity)}
}

func (l *EventLog) append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = e
	l.next++
	if l.next == len(l.events) {
		l.next = 0
		l.filled = true
	}
}

// Events returns a snapshot of the buffer ordered oldest to newest.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.filled {
		return append([]Event(nil), l.events[:l.next]...)
	}
	out := make([]Event, 0, len(l.events))
	out = append(out, l.events[l.next:]...)
	out = append(out, l.events[:l.next]...)
	return out
}

// Len reports how many events the buffer currently holds.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.filled {
		return len(l.events)
	}
	return l.next
}

// Fanout returns a slog.Handler that records every event here and forwards
// to next. next may be nil for capture-only logging.
func (l *EventLog) Fanout(next slog.Handler) slog.Handler {
	return &fanoutHandler{log: l, next: next}
}

// Handler returns a capture-only handler.
func (l *EventLog) Handler() slog.Handler {
	return l.Fanout(nil)
}

type fanoutHandler struct {
	log    *EventLog
	next   slog.Handler
	attrs  []EventAttr
	groups []string
}

func (h *fanoutHandler) Enabled(context.Context, slog.Level) bool {
	// Capture every level; the base handler applies its own filter in
	// Handle.
	return true
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make([]EventAttr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.formatAttr(a))
		return true
	})
	h.log.append(Event{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})

	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, clone.formatAttr(a))
	}
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return clone
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return clone
}

func (h *fanoutHandler) clone() *fanoutHandler {
	return &fanoutHandler{
		log:    h.log,
		next:   h.next,
		attrs:  append([]EventAttr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func (h *fanoutHandler) formatAttr(a slog.Attr) EventAttr {
	key := a.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + key
	}
	return EventAttr{Key: key, Value: a.Value.Resolve().String()}
}
