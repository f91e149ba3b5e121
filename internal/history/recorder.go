package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/vtxgate/internal/events"
)

// DefaultSendTimeout bounds a single sink write.
const DefaultSendTimeout = 3 * time.Second

// Recorder forwards lifecycle events from the bus to every configured sink.
// Sink failures are logged and never reach the lifecycle engine.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
	unsub   func()
}

func NewRecorder(log *slog.Logger, timeout time.Duration, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), timeout: timeout, log: log}
}

// Attach subscribes the recorder to bus.
func (r *Recorder) Attach(bus *events.Bus) {
	r.unsub = bus.Subscribe(func(e events.Lifecycle) { r.Record(FromLifecycle(e)) })
}

// Record sends e to every sink, each with its own timeout.
func (r *Recorder) Record(e Event) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "event", e.Type, "stream", e.Record.Name, "error", err)
		}
		cancel()
	}
}

// Close detaches from the bus and closes sinks that hold resources.
func (r *Recorder) Close() error {
	if r.unsub != nil {
		r.unsub()
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
