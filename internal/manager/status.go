package manager

import "time"

// Stream states reported by Snapshot.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// StreamStatus is one row of the admin status view.
type StreamStatus struct {
	Name               string `json:"name"`
	Source             string `json:"source"`
	Status             string `json:"status"`
	PID                int    `json:"pid,omitempty"`
	IdleSeconds        uint64 `json:"idle_seconds"`
	UptimeSeconds      uint64 `json:"uptime_seconds"`
	IdleTimeoutSeconds uint64 `json:"config_idle_timeout"`
	AutoStart          bool   `json:"auto_start"`
	CrashCount         uint32 `json:"crash_count"`
	NextRetryInSeconds uint64 `json:"next_retry_in_seconds,omitempty"`
	GivenUp            bool   `json:"given_up"`
}

// Snapshot reports every defined stream in configuration order.
func (m *Manager) Snapshot() []StreamStatus {
	now := m.now()
	active := m.reg.Snapshot(now)
	recovery := m.reg.RecoverySnapshot()

	out := make([]StreamStatus, 0, len(m.defs))
	for _, d := range m.defs {
		st := StreamStatus{
			Name:               d.Name,
			Source:             d.Source,
			Status:             StatusStopped,
			IdleTimeoutSeconds: seconds(d.IdleTimeout),
			AutoStart:          d.AutoStart,
		}
		if w, ok := active[d.Name]; ok {
			st.Status = StatusRunning
			st.PID = w.PID
			st.IdleSeconds = seconds(w.Idle)
			st.UptimeSeconds = seconds(w.Uptime)
		}
		if rec, ok := recovery[d.Name]; ok {
			st.CrashCount = rec.CrashCount
			st.GivenUp = rec.GivenUp()
			if rec.Scheduled() && rec.NextRetryAt.After(now) {
				st.NextRetryInSeconds = seconds(rec.NextRetryAt.Sub(now))
			}
		}
		out = append(out, st)
	}
	return out
}

func seconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}
