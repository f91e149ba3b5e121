package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// AppConfig configures the gateway's own structured log output.
type AppConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Color  bool   // ANSI level colors for text output
	File   string // optional rotating log file instead of stderr
	Rotate Config // rotation parameters for File
}

// Setup builds the gateway logger, installs it as the slog default and returns it.
// The returned closer releases the log file when one is configured.
func Setup(cfg AppConfig) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		r := cfg.Rotate
		lw := newRotating(cfg.File, r.MaxSizeMB, r.MaxBackups, r.MaxAgeDays, r.Compress)
		w, closer = lw, lw
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		h = slog.NewJSONHandler(w, opts)
	case cfg.Color && cfg.File == "":
		h = NewColorTextHandler(w, opts, true)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	l := slog.New(h)
	slog.SetDefault(l)
	return l, closer
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var timeNow = time.Now
