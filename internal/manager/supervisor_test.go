package manager

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vtxgate/internal/registry"
	"github.com/loykin/vtxgate/internal/stream"
)

// injectCrashed registers an already-dead worker, as if it had crashed since the last tick.
func injectCrashed(m *Manager, name string, now time.Time) {
	h := &fakeHandle{pid: 4242}
	h.exited.Store(true)
	m.reg.InsertIfAbsent(name, registry.NewWorker(h, now))
}

func TestCrashDetectionRemovesStaleEntry(t *testing.T) {
	requireUnix(t)
	bin, _ := fakeTranscoder(t)
	m := newTestManager(t, bin, def("cam1", "crash"))

	require.NoError(t, m.Start(context.Background(), "cam1"))
	w, ok := m.reg.Get("cam1")
	require.True(t, ok)
	require.True(t, waitUntil(3*time.Second, 10*time.Millisecond, func() bool {
		exited, _ := w.Proc.Exited()
		return exited
	}))

	now := time.Now()
	m.Tick(context.Background(), now)
	assert.False(t, m.reg.Active("cam1"))
	rec, ok := m.reg.Recovery("cam1")
	require.True(t, ok)
	assert.EqualValues(t, 1, rec.CrashCount)
	assert.Equal(t, now.Add(2*time.Second), rec.NextRetryAt)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	d := def("cam1", "src")
	d.Retry = stream.RetryPolicy{MaxAttempts: 0, InitialBackoff: 2 * time.Second, MaxBackoff: 60 * time.Second}
	m := newTestManager(t, "/nonexistent", d)

	now := time.Unix(10_000, 0)
	want := []time.Duration{2, 4, 8, 16, 32, 60, 60, 60}
	for i, w := range want {
		injectCrashed(m, "cam1", now)
		m.Tick(context.Background(), now)
		rec, ok := m.reg.Recovery("cam1")
		require.True(t, ok)
		assert.EqualValues(t, i+1, rec.CrashCount)
		assert.Equal(t, w*time.Second, rec.NextRetryAt.Sub(now), "crash %d", i+1)
		now = now.Add(time.Second)
	}
}

func TestGiveUpAfterMaxAttemptsThenManualStart(t *testing.T) {
	requireUnix(t)
	bin, launches := fakeTranscoder(t)
	d := def("cam1", "src")
	d.AutoStart = true
	d.Retry = stream.RetryPolicy{MaxAttempts: 3, InitialBackoff: 2 * time.Second, MaxBackoff: 60 * time.Second}
	m := newTestManager(t, bin, d)
	ctx := context.Background()

	now := time.Unix(50_000, 0)
	for i := 1; i <= 3; i++ {
		injectCrashed(m, "cam1", now)
		m.Tick(ctx, now)
		rec, _ := m.reg.Recovery("cam1")
		assert.EqualValues(t, i, rec.CrashCount)
		assert.True(t, rec.Scheduled(), "crash %d still schedules a retry", i)
		assert.False(t, m.reg.Active("cam1"), "still cooling down")
	}

	// the fourth crash hits the budget
	injectCrashed(m, "cam1", now)
	m.Tick(ctx, now)
	rec, _ := m.reg.Recovery("cam1")
	assert.EqualValues(t, 3, rec.CrashCount)
	assert.False(t, rec.Scheduled())
	assert.True(t, rec.GivenUp())

	// no automatic restart, however long we wait
	m.Tick(ctx, now.Add(24*time.Hour))
	assert.False(t, m.reg.Active("cam1"))
	assert.Equal(t, 0, launchCount(t, launches))

	st := m.Snapshot()
	require.Len(t, st, 1)
	assert.True(t, st[0].GivenUp)
	assert.EqualValues(t, 3, st[0].CrashCount)

	// manual intent wins and forgives the history
	require.NoError(t, m.Start(ctx, "cam1"))
	assert.True(t, m.reg.Active("cam1"))
	rec, _ = m.reg.Recovery("cam1")
	assert.EqualValues(t, 0, rec.CrashCount)
	assert.False(t, rec.GivenUp())
}

func TestIdleEviction(t *testing.T) {
	requireUnix(t)
	bin, _ := fakeTranscoder(t)
	d := def("cam1", "src")
	d.IdleTimeout = 5 * time.Second
	m := newTestManager(t, bin, d)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "cam1"))
	w, _ := m.reg.Get("cam1")
	start := w.LastAccessed

	m.Tick(ctx, start.Add(4*time.Second))
	assert.True(t, m.reg.Active("cam1"), "not idle yet")

	m.Tick(ctx, start.Add(6*time.Second))
	assert.False(t, m.reg.Active("cam1"))
	exited, _ := w.Proc.Exited()
	assert.True(t, exited)
	_, ok := m.reg.Recovery("cam1")
	assert.False(t, ok, "idle stop is not a crash")
}

func TestIdleTimeoutZeroNeverEvicts(t *testing.T) {
	m := newTestManager(t, "/nonexistent", def("cam1", "src"))
	now := time.Unix(1, 0)
	m.reg.InsertIfAbsent("cam1", registry.NewWorker(&fakeHandle{pid: 1}, now))
	m.Tick(context.Background(), now.Add(365*24*time.Hour))
	assert.True(t, m.reg.Active("cam1"))
}

func TestIdleEvictionIgnoresRecoveryState(t *testing.T) {
	d := def("cam1", "src")
	d.IdleTimeout = time.Second
	m := newTestManager(t, "/nonexistent", d)
	now := time.Unix(1, 0)
	m.reg.UpdateRecovery("cam1", func(r *registry.Recovery) { r.CrashCount = 2 })
	m.reg.InsertIfAbsent("cam1", registry.NewWorker(&fakeHandle{pid: 1}, now))

	m.Tick(context.Background(), now.Add(2*time.Second))
	assert.False(t, m.reg.Active("cam1"))
	rec, _ := m.reg.Recovery("cam1")
	assert.EqualValues(t, 2, rec.CrashCount)
}

func TestAutoStartAndScheduledRestart(t *testing.T) {
	requireUnix(t)
	bin, launches := fakeTranscoder(t)
	d := def("cam1", "src")
	d.AutoStart = true
	m := newTestManager(t, bin, d, def("manual", "src"))
	ctx := context.Background()

	now := time.Now()
	m.Tick(ctx, now)
	require.True(t, m.reg.Active("cam1"), "auto-start stream launched on first tick")
	assert.False(t, m.reg.Active("manual"))

	// kill the worker behind the registry's back
	w, _ := m.reg.Get("cam1")
	require.NoError(t, w.Proc.Stop(time.Second))

	m.Tick(ctx, now)
	assert.False(t, m.reg.Active("cam1"), "not restarted in the tick that saw the crash")
	rec, _ := m.reg.Recovery("cam1")
	assert.EqualValues(t, 1, rec.CrashCount)

	m.Tick(ctx, now.Add(time.Second))
	assert.False(t, m.reg.Active("cam1"), "still cooling down")

	m.Tick(ctx, now.Add(2*time.Second))
	assert.True(t, m.reg.Active("cam1"))
	rec, _ = m.reg.Recovery("cam1")
	assert.EqualValues(t, 0, rec.CrashCount)
	assert.False(t, rec.Scheduled())
	require.True(t, waitUntil(2*time.Second, 10*time.Millisecond, func() bool { return launchCount(t, launches) == 2 }))
}

func TestFailedScheduledStartRetriesNextTick(t *testing.T) {
	d := def("cam1", "src")
	d.AutoStart = true
	m := newTestManager(t, "/nonexistent/ffmpeg", d)
	ctx := context.Background()
	now := time.Unix(100, 0)

	injectCrashed(m, "cam1", now)
	m.Tick(ctx, now)
	m.Tick(ctx, now.Add(3*time.Second))
	rec, _ := m.reg.Recovery("cam1")
	assert.EqualValues(t, 1, rec.CrashCount, "spawn errors are not counted as crashes")
	assert.True(t, rec.Scheduled())
	assert.True(t, m.eligible("cam1", now.Add(4*time.Second)))
}

func TestEligibility(t *testing.T) {
	m := newTestManager(t, "/nonexistent", def("cam1", "src"))
	now := time.Unix(1000, 0)

	assert.True(t, m.eligible("cam1", now), "never failed")

	m.reg.UpdateRecovery("cam1", func(r *registry.Recovery) {
		r.CrashCount = 1
		r.NextRetryAt = now.Add(time.Second)
	})
	assert.False(t, m.eligible("cam1", now))
	assert.True(t, m.eligible("cam1", now.Add(time.Second)))

	m.reg.UpdateRecovery("cam1", func(r *registry.Recovery) { r.NextRetryAt = time.Time{} })
	assert.False(t, m.eligible("cam1", now.Add(time.Hour)), "given up")

	m.reg.ResetRecovery("cam1")
	assert.True(t, m.eligible("cam1", now))
}

func TestSnapshotOrderAndFields(t *testing.T) {
	d1 := def("b-first", "rtsp://b")
	d1.IdleTimeout = 30 * time.Second
	d2 := def("a-second", "rtsp://a")
	m := newTestManager(t, "/nonexistent", d1, d2)

	base := time.Now()
	m.now = func() time.Time { return base }
	m.reg.InsertIfAbsent("b-first", &registry.Worker{
		Proc:         &fakeHandle{pid: 77},
		StartedAt:    base.Add(-90 * time.Second),
		LastAccessed: base.Add(-12 * time.Second),
	})
	m.reg.UpdateRecovery("a-second", func(r *registry.Recovery) {
		r.CrashCount = 2
		r.NextRetryAt = base.Add(8 * time.Second)
	})

	st := m.Snapshot()
	require.Len(t, st, 2)
	assert.Equal(t, StreamStatus{
		Name: "b-first", Source: "rtsp://b", Status: StatusRunning, PID: 77,
		IdleSeconds: 12, UptimeSeconds: 90, IdleTimeoutSeconds: 30,
	}, st[0])
	assert.Equal(t, StreamStatus{
		Name: "a-second", Source: "rtsp://a", Status: StatusStopped,
		CrashCount: 2, NextRetryInSeconds: 8,
	}, st[1])
}

func TestFailedScheduledStartLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	d := def("cam1", "src")
	d.AutoStart = true
	m, err := New(stream.Definitions{d}, Options{
		Binary:     filepath.Join(t.TempDir(), "no-such-ffmpeg"),
		OutputRoot: t.TempDir(),
		Logger:     slog.New(slog.NewTextHandler(&buf, nil)),
		Memory:     plentyMemory(),
	})
	require.NoError(t, err)

	m.Tick(context.Background(), time.Now())
	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "stream=cam1"), out)
	assert.Equal(t, 1, strings.Count(out, "start failed"), out)
}

func TestRunAfterShutdownReturns(t *testing.T) {
	m, err := New(stream.Definitions{def("cam1", "src")}, Options{
		OutputRoot: t.TempDir(),
		Interval:   10 * time.Millisecond,
		Logger:     quietLogger(),
		Memory:     plentyMemory(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(context.Background()))

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept ticking after Shutdown")
	}
}
