package logger

import (
	"fmt"
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for worker stderr capture.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where a worker's stderr is captured on disk.
// If StderrPath is empty and Dir is set, the file is Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `json:"dir"`         // base directory for logs
	StderrPath string `json:"stderr_path"` // explicit path overrides Dir
	MaxSizeMB  int    `json:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `json:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"` // gzip rotated files
}

// Enabled reports whether stderr should be written to a file at all.
func (c Config) Enabled() bool { return c.Dir != "" || c.StderrPath != "" }

// StderrWriter returns a rotating writer for the named stream, or nil when
// file capture is not configured.
func (c Config) StderrWriter(name string) io.WriteCloser {
	path := c.StderrPath
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if path == "" {
		return nil
	}
	return newRotating(path, c.MaxSizeMB, c.MaxBackups, c.MaxAgeDays, c.Compress)
}

// Merge returns c with empty fields filled from base.
func (c Config) Merge(base Config) Config {
	out := base
	if c.Dir != "" {
		out.Dir = c.Dir
	}
	if c.StderrPath != "" {
		out.StderrPath = c.StderrPath
	}
	if c.MaxSizeMB != 0 {
		out.MaxSizeMB = c.MaxSizeMB
	}
	if c.MaxBackups != 0 {
		out.MaxBackups = c.MaxBackups
	}
	if c.MaxAgeDays != 0 {
		out.MaxAgeDays = c.MaxAgeDays
	}
	if c.Compress {
		out.Compress = true
	}
	return out
}

func newRotating(path string, size, backups, age int, compress bool) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(size, DefaultMaxSizeMB),
		MaxBackups: valOr(backups, DefaultMaxBackups),
		MaxAge:     valOr(age, DefaultMaxAgeDays),
		Compress:   compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
