package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	pid    int
	exited atomic.Bool
}

func (f *fakeHandle) PID() int { return f.pid }

func (f *fakeHandle) Exited() (bool, error) { return f.exited.Load(), nil }

func (f *fakeHandle) Stop(time.Duration) error {
	f.exited.Store(true)
	return nil
}

func TestInsertTouchRemove(t *testing.T) {
	r := New()
	t0 := time.Unix(1000, 0)
	w := NewWorker(&fakeHandle{pid: 42}, t0)

	assert.False(t, r.Touch("cam", t0))
	require.True(t, r.InsertIfAbsent("cam", w))
	assert.False(t, r.InsertIfAbsent("cam", NewWorker(&fakeHandle{pid: 43}, t0)))
	assert.True(t, r.Active("cam"))
	assert.Equal(t, 1, r.ActiveCount())

	t1 := t0.Add(5 * time.Second)
	assert.True(t, r.Touch("cam", t1))
	got, ok := r.Get("cam")
	require.True(t, ok)
	assert.Equal(t, t1, got.LastAccessed)
	assert.Equal(t, t0, got.StartedAt)
	assert.Equal(t, 42, got.Proc.PID())

	removed, ok := r.Remove("cam")
	require.True(t, ok)
	assert.Same(t, w, removed)
	_, ok = r.Remove("cam")
	assert.False(t, ok)
	assert.Equal(t, 0, r.ActiveCount())
}

func TestInsertIfAbsentSingleWinner(t *testing.T) {
	r := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.InsertIfAbsent("race", NewWorker(&fakeHandle{pid: i}, time.Now())) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestForEachActiveRemovesInSameSection(t *testing.T) {
	r := New()
	now := time.Now()
	dead := &fakeHandle{pid: 1}
	dead.exited.Store(true)
	r.InsertIfAbsent("dead", NewWorker(dead, now))
	r.InsertIfAbsent("alive", NewWorker(&fakeHandle{pid: 2}, now))

	var crashed []string
	r.ForEachActive(func(name string, w *Worker) bool {
		if exited, _ := w.Proc.Exited(); exited {
			crashed = append(crashed, name)
			return true
		}
		return false
	})
	assert.Equal(t, []string{"dead"}, crashed)
	assert.False(t, r.Active("dead"))
	assert.True(t, r.Active("alive"))
}

func TestRemoveAll(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		r.InsertIfAbsent(fmt.Sprintf("s%d", i), NewWorker(&fakeHandle{pid: i}, time.Now()))
	}
	got := r.RemoveAll([]string{"s0", "s2", "missing"})
	assert.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"s1"}, r.Names())
}

func TestRecoveryLifecycle(t *testing.T) {
	r := New()
	_, ok := r.Recovery("cam")
	assert.False(t, ok)

	// reset on an absent entry stays absent
	r.ResetRecovery("cam")
	_, ok = r.Recovery("cam")
	assert.False(t, ok)

	at := time.Unix(2000, 0)
	got := r.UpdateRecovery("cam", func(rec *Recovery) {
		rec.CrashCount++
		rec.NextRetryAt = at
	})
	assert.Equal(t, Recovery{CrashCount: 1, NextRetryAt: at}, got)
	assert.True(t, got.Scheduled())
	assert.False(t, got.GivenUp())

	got = r.UpdateRecovery("cam", func(rec *Recovery) { rec.NextRetryAt = time.Time{} })
	assert.True(t, got.GivenUp())

	r.ResetRecovery("cam")
	rec, ok := r.Recovery("cam")
	require.True(t, ok)
	assert.Equal(t, Recovery{}, rec)
	assert.False(t, rec.GivenUp())
}

func TestRecoveryCopyIsDetached(t *testing.T) {
	r := New()
	r.UpdateRecovery("cam", func(rec *Recovery) { rec.CrashCount = 2 })
	c, _ := r.Recovery("cam")
	c.CrashCount = 99
	again, _ := r.Recovery("cam")
	assert.EqualValues(t, 2, again.CrashCount)
}

func TestSnapshots(t *testing.T) {
	r := New()
	t0 := time.Unix(100, 0)
	w := NewWorker(&fakeHandle{pid: 7}, t0)
	r.InsertIfAbsent("cam", w)
	r.Touch("cam", t0.Add(10*time.Second))

	s := r.Snapshot(t0.Add(25 * time.Second))
	require.Contains(t, s, "cam")
	assert.Equal(t, WorkerInfo{PID: 7, Idle: 15 * time.Second, Uptime: 25 * time.Second}, s["cam"])

	// clock behind the last touch never reports negative idle
	s = r.Snapshot(t0)
	assert.Equal(t, time.Duration(0), s["cam"].Idle)

	r.UpdateRecovery("other", func(rec *Recovery) { rec.CrashCount = 3 })
	rs := r.RecoverySnapshot()
	assert.EqualValues(t, 3, rs["other"].CrashCount)
}

func TestLocksAreIndependent(t *testing.T) {
	r := New()
	r.InsertIfAbsent("cam", NewWorker(&fakeHandle{pid: 1}, time.Now()))
	done := make(chan struct{})
	r.ForEachActive(func(string, *Worker) bool {
		// recovery map stays usable while the active lock is held
		go func() {
			r.UpdateRecovery("cam", func(rec *Recovery) { rec.CrashCount++ })
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("recovery update blocked by active lock")
		}
		return false
	})
}
