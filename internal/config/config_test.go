package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vtxgate/internal/stream"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

const legacyYAML = `
server:
  listen: "0.0.0.0:8080"
  ffmpeg_binary: "/usr/bin/ffmpeg"
  supervisor_interval_ms: 1000
  hls_root: "/dev/shm/vtx-hls"
streams:
  - name: "cam_01"
    source: "rtsp://192.168.1.10/live"
    auto_start: true
    idle_timeout: 60
    output_args: ["-c:v", "copy", "-f", "hls", "{output_dir}/index.m3u8"]
    retry:
      max_attempts: 5
      initial_backoff_sec: 1
      max_backoff_sec: 30
  - name: "cam_02"
    source: "rtsp://192.168.1.11/live"
    output_args: ["-f", "hls", "{output_dir}/index.m3u8"]
`

func TestLoadLegacyYAML(t *testing.T) {
	c, err := Load(writeFile(t, "vtxgate.yaml", legacyYAML))
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/ffmpeg", c.Server.FFmpegBinary)
	assert.Equal(t, time.Second, c.Server.SupervisorInterval)
	assert.Equal(t, "/dev/shm/vtx-hls", c.Server.HLSRoot)
	assert.Equal(t, 2*time.Second, c.Server.StopGrace)
	assert.Equal(t, 3*time.Second, c.Server.PlaylistWait)
	assert.EqualValues(t, 5, c.Server.MinFreeMemoryMB)

	defs := c.StreamDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "cam_01", defs[0].Name)
	assert.True(t, defs[0].AutoStart)
	assert.Equal(t, 60*time.Second, defs[0].IdleTimeout)
	assert.Equal(t, stream.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}, defs[0].Retry)

	// omitted retry block takes the default policy
	assert.Equal(t, stream.DefaultRetryPolicy(), defs[1].Retry)
	assert.Equal(t, time.Duration(0), defs[1].IdleTimeout)
}

func TestLoadTOMLWithDurationStrings(t *testing.T) {
	data := `
[server]
listen = "127.0.0.1:9000"
supervisor_interval = "250ms"
hls_root = "/tmp/hls"
base_path = "gw/"

[log]
level = "debug"
worker_dir = "/var/log/vtx"
max_backups = 2

[[streams]]
name = "lobby"
source = "rtsp://lobby"
idle_timeout = "90s"
output_args = ["{output_dir}/index.m3u8"]
  [streams.retry]
  max_attempts = 0
  initial_backoff = "500ms"
  [streams.log]
  dir = "/var/log/lobby"
`
	c, err := Load(writeFile(t, "vtxgate.toml", data))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, c.Server.SupervisorInterval)
	assert.Equal(t, "/gw", c.Server.BasePath)

	d := c.StreamDefinitions()[0]
	assert.Equal(t, 90*time.Second, d.IdleTimeout)
	assert.EqualValues(t, 0, d.Retry.MaxAttempts, "explicit zero means unbounded")
	assert.Equal(t, 500*time.Millisecond, d.Retry.InitialBackoff)
	assert.Equal(t, stream.DefaultMaxBackoff, d.Retry.MaxBackoff)
	assert.Equal(t, "/var/log/lobby", d.Log.Dir)
	assert.Equal(t, 2, d.Log.MaxBackups, "per-stream log inherits global rotation")
}

func TestStreamsInheritWorkerLogDir(t *testing.T) {
	data := `
log:
  worker_dir: /var/log/vtx
streams:
  - name: a
    source: x
    output_args: ["{output_dir}/i.m3u8"]
`
	c, err := Load(writeFile(t, "c.yaml", data))
	require.NoError(t, err)
	assert.Equal(t, "/var/log/vtx", c.StreamDefinitions()[0].Log.Dir)
	assert.Equal(t, "info", c.AppLog().Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VTXGATE_SERVER_LISTEN", "127.0.0.1:7777")
	t.Setenv("VTXGATE_SERVER_FFMPEG_BINARY", "/opt/ffmpeg")
	t.Setenv("VTXGATE_METRICS_ENABLED", "false")
	c, err := Load(writeFile(t, "vtxgate.yaml", legacyYAML))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", c.Server.Listen)
	assert.Equal(t, "/opt/ffmpeg", c.Server.FFmpegBinary)
	assert.False(t, c.Metrics.Enabled)
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"duplicate": `
streams:
  - {name: a, source: x, output_args: ["o"]}
  - {name: a, source: y, output_args: ["o"]}
`,
		"traversal": `
streams:
  - {name: "../x", source: x, output_args: ["o"]}
`,
		"no output args": `
streams:
  - {name: a, source: x}
`,
		"backoff order": `
streams:
  - name: a
    source: x
    output_args: ["o"]
    retry: {initial_backoff: 120, max_backoff: 60}
`,
		"zero max backoff": `
streams:
  - name: a
    source: x
    output_args: ["o"]
    retry: {initial_backoff: 2s, max_backoff: 0}
`,
		"dot name": `
streams:
  - {name: ".", source: x, output_args: ["o"]}
`,
		"auth without secret": `
auth: {enabled: true, username: u, password: p}
`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", data))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestDurationHook(t *testing.T) {
	cases := []struct {
		in   any
		want time.Duration
	}{
		{"5s", 5 * time.Second},
		{"7", 7 * time.Second},
		{"", 0},
		{3, 3 * time.Second},
		{int64(4), 4 * time.Second},
		{1.5, 1500 * time.Millisecond},
	}
	for _, tc := range cases {
		got, err := durationHook(nil, typeOfDuration, tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "input %v", tc.in)
	}
	_, err := durationHook(nil, typeOfDuration, "soon")
	assert.Error(t, err)
}

func TestWorkerEnvAndTLS(t *testing.T) {
	data := `
server:
  env: ["CAM_USER=admin"]
  tls:
    enabled: true
    dir: /var/lib/vtxgate/tls
    auto_generate: true
    min_version: "1.3"
streams:
  - name: cam
    source: "rtsp://${CAM_USER}@cam/live"
    output_args: ["o"]
    env: ["CAM_USER=viewer"]
`
	c, err := Load(writeFile(t, "c.yaml", data))
	require.NoError(t, err)
	assert.Equal(t, []string{"CAM_USER=admin"}, c.Server.Env)
	assert.True(t, c.Server.TLS.Enabled)
	assert.True(t, c.Server.TLS.AutoGenerate)
	assert.Equal(t, "1.3", c.Server.TLS.MinVersion)

	defs := c.StreamDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, []string{"CAM_USER=viewer"}, defs[0].Env)
	assert.Equal(t, "rtsp://${CAM_USER}@cam/live", defs[0].Source)
}

func TestTLSValidation(t *testing.T) {
	_, err := Load(writeFile(t, "c.yaml", `
server:
  tls: {enabled: true, cert_file: /tmp/only-cert.pem}
`))
	assert.ErrorContains(t, err, "cert_file and key_file")
}
