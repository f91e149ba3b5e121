package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeLifecycle uint32 = iota + 1
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// Kind names a worker lifecycle transition.
type Kind string

const (
	KindStart    Kind = "start"     // worker spawned and registered
	KindStop     Kind = "stop"      // stopped on request or at shutdown
	KindIdleStop Kind = "idle_stop" // reclaimed after its idle timeout
	KindCrash    Kind = "crash"     // exited unexpectedly, restart scheduled
	KindGiveUp   Kind = "give_up"   // exited unexpectedly, retries exhausted
)

// Lifecycle is published by the manager on every worker transition.
type Lifecycle struct {
	Kind       Kind          `json:"kind"`
	Stream     string        `json:"stream"`
	PID        int           `json:"pid,omitempty"`
	CrashCount uint32        `json:"crash_count"`
	Backoff    time.Duration `json:"backoff,omitempty"` // delay before the next restart, crash only
	Err        string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}

// Type returns the event type identifier for Lifecycle.
func (e Lifecycle) Type() uint32 { return TypeLifecycle }
