package history

import (
	"context"
	"time"

	"github.com/loykin/vtxgate/internal/events"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventIdleStop EventType = "idle_stop"
	EventCrash    EventType = "crash"
	EventGiveUp   EventType = "give_up"
)

// Record is the stream state captured with an event.
type Record struct {
	Name       string `json:"name"`
	PID        int    `json:"pid"`
	CrashCount uint32 `json:"crash_count"`
	BackoffMS  int64  `json:"backoff_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// FromLifecycle converts a bus event into its exported form.
func FromLifecycle(l events.Lifecycle) Event {
	at := l.At
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		Type:       EventType(l.Kind),
		OccurredAt: at.UTC(),
		Record: Record{
			Name:       l.Stream,
			PID:        l.PID,
			CrashCount: l.CrashCount,
			BackoffMS:  l.Backoff.Milliseconds(),
			Error:      l.Err,
		},
	}
}
