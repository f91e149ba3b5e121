package manager

import (
	"context"
	"time"

	"github.com/loykin/vtxgate/internal/events"
	"github.com/loykin/vtxgate/internal/metrics"
	"github.com/loykin/vtxgate/internal/registry"
)

type crashed struct {
	name string
	pid  int
	err  error
}

// Run ticks the supervisor every Options.Interval until ctx is cancelled or
// Shutdown is called.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.loopMu.Lock()
	if m.closed {
		m.loopMu.Unlock()
		cancel()
		m.log.Warn("supervisor not started: manager is shut down")
		return
	}
	m.loopCancel, m.loopDone = cancel, done
	m.loopMu.Unlock()
	defer close(done)
	defer cancel()

	m.log.Info("supervisor started", "interval", m.opts.Interval, "streams", len(m.defs))
	// First pass right away so auto-start streams do not wait a full interval.
	m.Tick(ctx, m.now())

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("supervisor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx, m.now())
		}
	}
}

// Tick runs one supervisor pass. The phases run strictly in order:
// health and idle scan, idle reclamation, backoff scheduling, restarts.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	dead, idle := m.scan(now)

	for _, name := range idle {
		m.log.Info("idle timeout reached", "stream", name)
		m.stop(name, metrics.StopIdle, events.KindIdleStop)
	}

	if len(dead) > 0 {
		metrics.SetActive(m.reg.ActiveCount())
	}
	for _, c := range dead {
		m.scheduleRetry(c, now)
	}

	m.restart(ctx, now)
}

// scan polls every active worker without blocking. Dead workers are removed
// from the registry in the same critical section that observed them.
func (m *Manager) scan(now time.Time) ([]crashed, []string) {
	var dead []crashed
	var idle []string
	m.reg.ForEachActive(func(name string, w *registry.Worker) bool {
		if exited, err := w.Proc.Exited(); exited {
			dead = append(dead, crashed{name: name, pid: w.Proc.PID(), err: err})
			return true
		}
		def, ok := m.byName[name]
		if ok && def.IdleTimeout > 0 && now.Sub(w.LastAccessed) > def.IdleTimeout {
			idle = append(idle, name)
		}
		return false
	})
	return dead, idle
}

func (m *Manager) scheduleRetry(c crashed, now time.Time) {
	def, ok := m.byName[c.name]
	if !ok {
		return
	}
	policy := def.Retry
	var gaveUp bool
	var backoff time.Duration
	rec := m.reg.UpdateRecovery(c.name, func(r *registry.Recovery) {
		if policy.Exhausted(r.CrashCount) {
			gaveUp = true
			r.NextRetryAt = time.Time{}
			return
		}
		backoff = policy.Backoff(r.CrashCount)
		r.CrashCount++
		r.NextRetryAt = now.Add(backoff)
	})

	errText := ""
	if c.err != nil {
		errText = c.err.Error()
	}
	metrics.IncCrash(c.name)
	metrics.SetCrashCount(c.name, rec.CrashCount)
	ev := events.Lifecycle{Stream: c.name, PID: c.pid, CrashCount: rec.CrashCount, Err: errText, At: now}
	if gaveUp {
		m.log.Error("max retry attempts reached, giving up", "stream", c.name,
			"max_attempts", policy.MaxAttempts, "exit", errText)
		metrics.IncGiveUp(c.name)
		ev.Kind = events.KindGiveUp
	} else {
		m.log.Warn("worker crashed, backing off", "stream", c.name, "pid", c.pid,
			"retry", rec.CrashCount, "max_attempts", policy.MaxAttempts, "backoff", backoff, "exit", errText)
		ev.Kind = events.KindCrash
		ev.Backoff = backoff
	}
	m.bus.Publish(ev)
}

// restart starts every auto-start stream that is down and eligible.
func (m *Manager) restart(ctx context.Context, now time.Time) {
	for _, d := range m.defs {
		if !d.AutoStart || m.reg.Active(d.Name) {
			continue
		}
		if !m.eligible(d.Name, now) {
			continue
		}
		metrics.IncRestartAttempt(d.Name)
		// Start logs and counts its own failures; the next tick retries.
		_ = m.Start(ctx, d.Name)
	}
}

func (m *Manager) eligible(name string, now time.Time) bool {
	rec, ok := m.reg.Recovery(name)
	if !ok {
		return true
	}
	if rec.Scheduled() {
		return !now.Before(rec.NextRetryAt)
	}
	// zero NextRetryAt with crashes recorded means the stream gave up
	return rec.CrashCount == 0
}
