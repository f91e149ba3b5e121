package stream

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/vtxgate/internal/logger"
)

// OutputDirPlaceholder is replaced in OutputArgs by the stream's output directory.
const OutputDirPlaceholder = "{output_dir}"

// Default retry policy applied when a stream omits its retry block.
const (
	DefaultMaxAttempts    = 10
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
)

// RetryPolicy bounds how a crashed stream is restarted by the supervisor.
// MaxAttempts == 0 means unbounded retries. Validate requires a positive
// MaxBackoff whenever InitialBackoff is set; Backoff itself treats 0 as no cap.
type RetryPolicy struct {
	MaxAttempts    uint32        `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// Backoff returns min(MaxBackoff, InitialBackoff * 2^crashCount).
// The multiplication saturates instead of overflowing for large crash counts.
func (p RetryPolicy) Backoff(crashCount uint32) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	d := p.InitialBackoff
	for i := uint32(0); i < crashCount; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			break
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Exhausted reports whether a stream with crashCount consecutive crashes
// must no longer be restarted automatically.
func (p RetryPolicy) Exhausted(crashCount uint32) bool {
	return p.MaxAttempts != 0 && crashCount >= p.MaxAttempts
}

// Definition is the immutable description of one transcoding stream.
type Definition struct {
	Name        string        `json:"name"`
	Source      string        `json:"source"`
	OutputArgs  []string      `json:"output_args"`
	AutoStart   bool          `json:"auto_start"`
	IdleTimeout time.Duration `json:"idle_timeout"` // 0 disables idle eviction
	Retry       RetryPolicy   `json:"retry"`
	Env         []string      `json:"env,omitempty"` // extra "K=V" for the worker; ${VAR} usable in Source
	Log         logger.Config `json:"log"`
}

// OutputDir returns the directory owned exclusively by this stream's worker.
func (d Definition) OutputDir(root string) string {
	return filepath.Join(root, d.Name)
}

// BuildArgs returns the worker argument vector with the output directory substituted.
func (d Definition) BuildArgs(outputDir string) []string {
	args := make([]string, 0, len(d.OutputArgs)+4)
	args = append(args, "-hide_banner", "-y", "-i", d.Source)
	for _, a := range d.OutputArgs {
		args = append(args, strings.ReplaceAll(a, OutputDirPlaceholder, outputDir))
	}
	return args
}

// Validate checks the fields the lifecycle engine relies on.
func (d Definition) Validate() error {
	if !IsSafeName(d.Name) {
		return fmt.Errorf("invalid stream name %q: allowed [A-Za-z0-9._-] and no '..'", d.Name)
	}
	if strings.TrimSpace(d.Source) == "" {
		return fmt.Errorf("stream %s: source is required", d.Name)
	}
	if d.IdleTimeout < 0 {
		return fmt.Errorf("stream %s: idle_timeout must be >= 0", d.Name)
	}
	if d.Retry.InitialBackoff < 0 || d.Retry.MaxBackoff < 0 {
		return fmt.Errorf("stream %s: backoff durations must be >= 0", d.Name)
	}
	if d.Retry.InitialBackoff > 0 && d.Retry.MaxBackoff == 0 {
		return fmt.Errorf("stream %s: max_backoff must be > 0", d.Name)
	}
	if d.Retry.MaxBackoff > 0 && d.Retry.InitialBackoff > d.Retry.MaxBackoff {
		return fmt.Errorf("stream %s: initial_backoff (%s) exceeds max_backoff (%s)",
			d.Name, d.Retry.InitialBackoff, d.Retry.MaxBackoff)
	}
	return nil
}

// Definitions is the static, ordered stream list loaded at startup.
type Definitions []Definition

// Find returns the definition with the given name.
func (ds Definitions) Find(name string) (Definition, bool) {
	for _, d := range ds {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Validate checks every definition and rejects duplicate names.
func (ds Definitions) Validate() error {
	seen := make(map[string]struct{}, len(ds))
	for _, d := range ds {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("duplicate stream name %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// IsSafeName validates names used as directory and URL path components.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..". A name must stay a
// single path element after cleaning, so "." is rejected.
func IsSafeName(s string) bool {
	if s == "" || s == "." || strings.Contains(s, "..") || filepath.Clean(s) != s {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
