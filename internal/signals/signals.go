// Package signals holds the per-session, append-only log of reading events
// reported by the reader UI.
package signals

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

type EventType string

const (
	PageView   EventType = "page_view"
	ScrollBack EventType = "scroll_back"
	Selection  EventType = "selection"
	Idle       EventType = "idle"
	PageSkip   EventType = "page_skip"
)

var ErrMalformedEvent = errors.New("malformed reading event")

func (t EventType) Valid() bool {
	switch t {
	case PageView, ScrollBack, Selection, Idle, PageSkip:
		return true
	}
	return false
}

// Activity reports whether the event proves the reader is present.
// Idle events are reports from the UI that nothing happened.
func (t EventType) Activity() bool {
	return t.Valid() && t != Idle
}

type ReadingEvent struct {
	Type    EventType              `json:"type"`
	Page    int                    `json:"page"`
	At      time.Time              `json:"timestamp"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func (e ReadingEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
	if e.At.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	if e.Page < 0 {
		return fmt.Errorf("%w: negative page %d", ErrMalformedEvent, e.Page)
	}
	return nil
}

// ParseEvent converts the wire form (unix seconds as float) into a ReadingEvent.
// A zero timestamp means "now".
func ParseEvent(eventType string, page int, ts float64, payload map[string]interface{}, now time.Time) (ReadingEvent, error) {
	at := now
	if ts != 0 {
		if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 {
			return ReadingEvent{}, fmt.Errorf("%w: bad timestamp %v", ErrMalformedEvent, ts)
		}
		sec, frac := math.Modf(ts)
		at = time.Unix(int64(sec), int64(frac*float64(time.Second)))
	}
	ev := ReadingEvent{Type: EventType(eventType), Page: page, At: at, Payload: payload}
	if err := ev.Validate(); err != nil {
		return ReadingEvent{}, err
	}
	return ev, nil
}

// Log is the append-only event record of one reading session.
// Events are kept in arrival order; nothing is ever removed or rewritten.
type Log struct {
	mu     sync.Mutex
	events []ReadingEvent
	visits map[int]int
}

func NewLog() *Log {
	return &Log{visits: make(map[int]int)}
}

func (l *Log) Append(ev ReadingEvent) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, ev.Type)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if ev.Type == PageView {
		l.visits[ev.Page]++
	}
	return nil
}

// Snapshot returns a copy of the log in arrival order.
func (l *Log) Snapshot() []ReadingEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ReadingEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// VisitCount is the number of page_view events seen for page over the whole session.
func (l *Log) VisitCount(page int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.visits[page]
}
