package client

import (
	"fmt"
	"time"
)

// StreamStatus is one stream as reported by GET /streams.
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

// SysStatus represents GET /sys/status
type SysStatus struct {
	MemTotalMB uint64     `json:"mem_total_mb"`
	MemAvailMB uint64     `json:"mem_avail_mb"`
	LoadAvg    [3]float64 `json:"load_avg"`
}

// OKResponse is returned by start, stop and tick
type OKResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Token is a bearer token issued by POST /auth/token
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError carries the HTTP status of a failed call.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
