package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/vtxgate/internal/logger"
	"github.com/loykin/vtxgate/internal/stream"
	vtls "github.com/loykin/vtxgate/internal/tls"
)

// EnvPrefix is prepended to environment overrides, e.g. VTXGATE_SERVER_LISTEN.
const EnvPrefix = "VTXGATE"

// Config is the whole gateway configuration file.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Log     LogConfig      `mapstructure:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	History HistoryConfig  `mapstructure:"history"`
	Auth    AuthConfig     `mapstructure:"auth"`
	Streams []StreamConfig `mapstructure:"streams"`
}

type ServerConfig struct {
	Listen             string        `mapstructure:"listen"`
	BasePath           string        `mapstructure:"base_path"`
	FFmpegBinary       string        `mapstructure:"ffmpeg_binary"`
	SupervisorInterval time.Duration `mapstructure:"supervisor_interval"`
	// SupervisorIntervalMS is the older millisecond form; supervisor_interval wins when both are set.
	SupervisorIntervalMS uint64        `mapstructure:"supervisor_interval_ms"`
	HLSRoot              string        `mapstructure:"hls_root"`
	MinFreeMemoryMB      uint64        `mapstructure:"min_free_memory_mb"`
	StopGrace            time.Duration `mapstructure:"stop_grace"`
	PlaylistWait         time.Duration `mapstructure:"playlist_wait"`
	// Env is passed to every worker and available as ${VAR} in stream sources.
	Env []string    `mapstructure:"env"`
	TLS vtls.Config `mapstructure:"tls"`
}

// LogConfig covers the gateway's own log and the default worker stderr capture.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	File       string `mapstructure:"file"`
	WorkerDir  string `mapstructure:"worker_dir"` // <worker_dir>/<stream>.stderr.log
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	WorkerInterval time.Duration `mapstructure:"worker_interval"`
}

type HistoryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	DSNs    []string      `mapstructure:"dsns"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type StreamConfig struct {
	Name        string           `mapstructure:"name"`
	Source      string           `mapstructure:"source"`
	OutputArgs  []string         `mapstructure:"output_args"`
	AutoStart   bool             `mapstructure:"auto_start"`
	IdleTimeout time.Duration    `mapstructure:"idle_timeout"`
	Env         []string         `mapstructure:"env"`
	Retry       *RetryConfig     `mapstructure:"retry"`
	Log         *StreamLogConfig `mapstructure:"log"`
}

// RetryConfig fields left unset take the default policy's value.
// The *_sec keys are accepted as aliases of the duration keys.
type RetryConfig struct {
	MaxAttempts       *uint32        `mapstructure:"max_attempts"`
	InitialBackoff    *time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        *time.Duration `mapstructure:"max_backoff"`
	InitialBackoffSec *uint64        `mapstructure:"initial_backoff_sec"`
	MaxBackoffSec     *uint64        `mapstructure:"max_backoff_sec"`
}

type StreamLogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "0.0.0.0:8080")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.ffmpeg_binary", "ffmpeg")
	v.SetDefault("server.supervisor_interval", 0)
	v.SetDefault("server.supervisor_interval_ms", 0)
	v.SetDefault("server.hls_root", "./static/hls")
	v.SetDefault("server.min_free_memory_mb", 5)
	v.SetDefault("server.stop_grace", "2s")
	v.SetDefault("server.playlist_wait", "3s")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.worker_dir", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.worker_interval", "5s")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.timeout", "3s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "1h")
}

// Load reads a YAML, TOML or JSON file (by extension) and applies
// VTXGATE_* environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var typeOfDuration = reflect.TypeOf(time.Duration(0))

// durationHook accepts durations as strings ("5s") or as bare numbers of seconds.
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != typeOfDuration {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Duration(0), nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return secondsToDuration(n), nil
		}
		return time.ParseDuration(s)
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return secondsToDuration(v), nil
	}
	return data, nil
}

func secondsToDuration(n float64) time.Duration {
	return time.Duration(n * float64(time.Second))
}

func (c *Config) normalize() {
	if c.Server.SupervisorInterval == 0 && c.Server.SupervisorIntervalMS > 0 {
		c.Server.SupervisorInterval = time.Duration(c.Server.SupervisorIntervalMS) * time.Millisecond
	}
	if c.Server.SupervisorInterval == 0 {
		c.Server.SupervisorInterval = time.Second
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
}

// Validate checks required fields, stream names and retry bounds.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if strings.TrimSpace(c.Server.FFmpegBinary) == "" {
		errs = append(errs, errors.New("server.ffmpeg_binary is required"))
	}
	if strings.TrimSpace(c.Server.HLSRoot) == "" {
		errs = append(errs, errors.New("server.hls_root is required"))
	}
	if c.Auth.Enabled {
		if c.Auth.Username == "" || c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.username and auth.password are required when auth is enabled"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required when auth is enabled"))
		}
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, s := range c.Streams {
		if len(s.OutputArgs) == 0 {
			errs = append(errs, fmt.Errorf("streams[%d] %q: output_args is required", i, s.Name))
		}
	}
	if err := c.StreamDefinitions().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WorkerLog is the stderr capture applied to streams without their own log block.
func (c *Config) WorkerLog() logger.Config {
	return logger.Config{
		Dir:        c.Log.WorkerDir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// AppLog returns the settings for the gateway's own logger.
func (c *Config) AppLog() logger.AppConfig {
	return logger.AppConfig{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		File:   c.Log.File,
		Rotate: logger.Config{
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// StreamDefinitions converts the stream list, filling retry defaults.
func (c *Config) StreamDefinitions() stream.Definitions {
	base := c.WorkerLog()
	out := make(stream.Definitions, 0, len(c.Streams))
	for _, s := range c.Streams {
		d := stream.Definition{
			Name:        s.Name,
			Source:      s.Source,
			OutputArgs:  append([]string(nil), s.OutputArgs...),
			AutoStart:   s.AutoStart,
			IdleTimeout: s.IdleTimeout,
			Retry:       s.Retry.policy(),
			Env:         append([]string(nil), s.Env...),
			Log:         base,
		}
		if s.Log != nil {
			d.Log = logger.Config{
				Dir:        s.Log.Dir,
				StderrPath: s.Log.Stderr,
				MaxSizeMB:  s.Log.MaxSizeMB,
				MaxBackups: s.Log.MaxBackups,
				MaxAgeDays: s.Log.MaxAgeDays,
				Compress:   s.Log.Compress,
			}.Merge(base)
		}
		out = append(out, d)
	}
	return out
}

func (r *RetryConfig) policy() stream.RetryPolicy {
	p := stream.DefaultRetryPolicy()
	if r == nil {
		return p
	}
	if r.MaxAttempts != nil {
		p.MaxAttempts = *r.MaxAttempts
	}
	if r.InitialBackoffSec != nil {
		p.InitialBackoff = time.Duration(*r.InitialBackoffSec) * time.Second
	}
	if r.InitialBackoff != nil {
		p.InitialBackoff = *r.InitialBackoff
	}
	if r.MaxBackoffSec != nil {
		p.MaxBackoff = time.Duration(*r.MaxBackoffSec) * time.Second
	}
	if r.MaxBackoff != nil {
		p.MaxBackoff = *r.MaxBackoff
	}
	return p
}
