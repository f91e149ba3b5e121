package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vtxgate/internal/events"
)

type memSink struct {
	mu     sync.Mutex
	got    []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("no deadline")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.got = append(m.got, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func (m *memSink) events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.got...)
}

func TestFromLifecycle(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	e := FromLifecycle(events.Lifecycle{
		Kind: events.KindCrash, Stream: "cam1", PID: 9, CrashCount: 2,
		Backoff: 4 * time.Second, Err: "exit status 1", At: at,
	})
	assert.Equal(t, EventCrash, e.Type)
	assert.Equal(t, at.UTC(), e.OccurredAt)
	assert.Equal(t, Record{Name: "cam1", PID: 9, CrashCount: 2, BackoffMS: 4000, Error: "exit status 1"}, e.Record)

	assert.False(t, FromLifecycle(events.Lifecycle{Kind: events.KindStop}).OccurredAt.IsZero())
}

func TestRecorderFansOutAndSurvivesFailures(t *testing.T) {
	good := &memSink{}
	bad := &memSink{fail: true}
	r := NewRecorder(nil, 0, bad, good)
	assert.Equal(t, DefaultSendTimeout, r.timeout)

	bus := events.New()
	t.Cleanup(func() { _ = bus.Close() })
	r.Attach(bus)

	bus.Publish(events.Lifecycle{Kind: events.KindStart, Stream: "cam1", PID: 1})
	bus.Publish(events.Lifecycle{Kind: events.KindIdleStop, Stream: "cam1", PID: 1})

	require.Eventually(t, func() bool { return len(good.events()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := good.events()
	assert.Equal(t, EventStart, got[0].Type)
	assert.Equal(t, EventIdleStop, got[1].Type)

	require.NoError(t, r.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}
