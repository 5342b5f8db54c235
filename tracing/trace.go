package tracing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a single trace entry.
type Event struct {
	At      time.Time
	Level   int
	Message string
}

// Trace is the ordered record of protocol events for one visit session.
// Events above the trace level are dropped when added.
type Trace struct {
	id    string
	level int
	clock Clock

	mu     sync.Mutex
	events []Event
}

// NewTrace creates an empty trace recording events up to level.
func NewTrace(level int, clock Clock) *Trace {
	if clock == nil {
		clock = time.Now
	}
	return &Trace{
		id:    uuid.NewString(),
		level: level,
		clock: clock,
	}
}

// ID returns the unique identifier of the trace.
func (t *Trace) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// Level returns the maximum level recorded.
func (t *Trace) Level() int {
	if t == nil {
		return 0
	}
	return t.level
}

// Enabled reports whether events at level are recorded.
func (t *Trace) Enabled(level int) bool {
	return t != nil && level <= t.level
}

// Addf records an event if level is enabled.
func (t *Trace) Addf(level int, format string, args ...any) {
	if !t.Enabled(level) {
		return
	}
	ev := Event{At: t.clock(), Level: level, Message: fmt.Sprintf(format, args...)}
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (t *Trace) Events() []Event {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// String renders one event per line with offsets relative to the first event.
func (t *Trace) String() string {
	events := t.Events()
	if len(events) == 0 {
		return ""
	}
	var sb strings.Builder
	start := events[0].At
	for _, ev := range events {
		fmt.Fprintf(&sb, "[%6dms] %d %s\n", ev.At.Sub(start).Milliseconds(), ev.Level, ev.Message)
	}
	return sb.String()
}
