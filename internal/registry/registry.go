// Package registry holds the gateway's runtime state: which workers are
// running and how each stream is recovering from crashes. The two maps are
// locked independently and no method performs I/O while holding a lock.
package registry

import (
	"sync"
	"time"
)

// Handle is a running worker as seen by the registry and its callers.
// *process.Process satisfies it. The registry itself only calls PID and Exited.
type Handle interface {
	PID() int
	Exited() (bool, error)
	Stop(grace time.Duration) error
}

// Worker is an entry in the active map. It exclusively owns its Handle.
type Worker struct {
	Proc         Handle
	StartedAt    time.Time
	LastAccessed time.Time
}

// NewWorker returns a worker that was started and last accessed at now.
func NewWorker(h Handle, now time.Time) *Worker {
	return &Worker{Proc: h, StartedAt: now, LastAccessed: now}
}

// Recovery tracks consecutive crashes of one stream. A zero NextRetryAt
// means no restart is scheduled.
type Recovery struct {
	CrashCount  uint32
	NextRetryAt time.Time
}

// Scheduled reports whether a restart is pending.
func (r Recovery) Scheduled() bool { return !r.NextRetryAt.IsZero() }

// GivenUp reports a stream that crashed and will not be retried automatically.
func (r Recovery) GivenUp() bool { return r.CrashCount > 0 && r.NextRetryAt.IsZero() }

// WorkerInfo is a copy of the observable fields of an active worker.
type WorkerInfo struct {
	PID    int
	Idle   time.Duration
	Uptime time.Duration
}

type Registry struct {
	activeMu sync.Mutex
	active   map[string]*Worker

	recoveryMu sync.Mutex
	recovery   map[string]*Recovery
}

func New() *Registry {
	return &Registry{
		active:   make(map[string]*Worker),
		recovery: make(map[string]*Recovery),
	}
}

// Touch refreshes LastAccessed of an active worker. It reports whether the
// stream was active.
func (r *Registry) Touch(name string, now time.Time) bool {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	w, ok := r.active[name]
	if ok {
		w.LastAccessed = now
	}
	return ok
}

func (r *Registry) Get(name string) (*Worker, bool) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	w, ok := r.active[name]
	return w, ok
}

func (r *Registry) Active(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) ActiveCount() int {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	return len(r.active)
}

// InsertIfAbsent stores w under name unless a worker is already present.
// Only one of any number of concurrent callers wins.
func (r *Registry) InsertIfAbsent(name string, w *Worker) bool {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	if _, ok := r.active[name]; ok {
		return false
	}
	r.active[name] = w
	return true
}

// Remove deletes and returns the active worker for name.
func (r *Registry) Remove(name string) (*Worker, bool) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	w, ok := r.active[name]
	if ok {
		delete(r.active, name)
	}
	return w, ok
}

// RemoveAll deletes the named workers and returns those that were present.
func (r *Registry) RemoveAll(names []string) map[string]*Worker {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	out := make(map[string]*Worker, len(names))
	for _, n := range names {
		if w, ok := r.active[n]; ok {
			out[n] = w
			delete(r.active, n)
		}
	}
	return out
}

// ForEachActive calls fn for each active worker while holding the active lock.
// fn must not block. Returning remove=true deletes the entry in the same
// critical section.
func (r *Registry) ForEachActive(fn func(name string, w *Worker) (remove bool)) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	for name, w := range r.active {
		if fn(name, w) {
			delete(r.active, name)
		}
	}
}

// Names returns the names of all active workers.
func (r *Registry) Names() []string {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	out := make([]string, 0, len(r.active))
	for n := range r.active {
		out = append(out, n)
	}
	return out
}

// Recovery returns a copy of the recovery state for name.
func (r *Registry) Recovery(name string) (Recovery, bool) {
	r.recoveryMu.Lock()
	defer r.recoveryMu.Unlock()
	rec, ok := r.recovery[name]
	if !ok {
		return Recovery{}, false
	}
	return *rec, true
}

// UpdateRecovery creates the recovery entry for name if needed and lets fn
// mutate it in place. The updated copy is returned.
func (r *Registry) UpdateRecovery(name string, fn func(*Recovery)) Recovery {
	r.recoveryMu.Lock()
	defer r.recoveryMu.Unlock()
	rec, ok := r.recovery[name]
	if !ok {
		rec = &Recovery{}
		r.recovery[name] = rec
	}
	fn(rec)
	return *rec
}

// ResetRecovery forgives past crashes after a successful start.
// Absent entries are left absent.
func (r *Registry) ResetRecovery(name string) {
	r.recoveryMu.Lock()
	defer r.recoveryMu.Unlock()
	if rec, ok := r.recovery[name]; ok {
		rec.CrashCount = 0
		rec.NextRetryAt = time.Time{}
	}
}

// Snapshot copies the observable state of every active worker.
func (r *Registry) Snapshot(now time.Time) map[string]WorkerInfo {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	out := make(map[string]WorkerInfo, len(r.active))
	for n, w := range r.active {
		out[n] = WorkerInfo{
			PID:    w.Proc.PID(),
			Idle:   nonNegative(now.Sub(w.LastAccessed)),
			Uptime: nonNegative(now.Sub(w.StartedAt)),
		}
	}
	return out
}

// RecoverySnapshot copies every recovery entry.
func (r *Registry) RecoverySnapshot() map[string]Recovery {
	r.recoveryMu.Lock()
	defer r.recoveryMu.Unlock()
	out := make(map[string]Recovery, len(r.recovery))
	for n, rec := range r.recovery {
		out[n] = *rec
	}
	return out
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
