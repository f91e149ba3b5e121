package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/vtxgate/internal/stream"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

// fakeTranscoder writes a shell script that accepts worker arguments. It
// records every launch in the returned log file, exits with status 1 when the
// source is "crash", and otherwise writes a playlist and sleeps.
func fakeTranscoder(t *testing.T) (bin, launches string) {
	t.Helper()
	dir := t.TempDir()
	launches = filepath.Join(dir, "launches.log")
	bin = filepath.Join(dir, "fake-ffmpeg")
	script := fmt.Sprintf(`#!/bin/sh
src=""; out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -i) src="$2"; shift 2 ;;
    *) out="$1"; shift ;;
  esac
done
echo "$src" >> %q
if [ "$src" = "crash" ]; then
  echo "boom" 1>&2
  exit 1
fi
echo "#EXTM3U" > "$out/index.m3u8"
exec sleep 30
`, launches)
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, launches
}

func launchCount(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(strings.Fields(string(b)))
}

type memFunc func(ctx context.Context) (uint64, error)

func (f memFunc) Available(ctx context.Context) (uint64, error) { return f(ctx) }

func plentyMemory() MemoryProbe {
	return memFunc(func(context.Context) (uint64, error) { return 1 << 34, nil })
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func def(name, source string) stream.Definition {
	return stream.Definition{
		Name:       name,
		Source:     source,
		OutputArgs: []string{"{output_dir}"},
		Retry:      stream.DefaultRetryPolicy(),
	}
}

func newTestManager(t *testing.T, bin string, defs ...stream.Definition) *Manager {
	t.Helper()
	m, err := New(defs, Options{
		Binary:     bin,
		OutputRoot: filepath.Join(t.TempDir(), "hls"),
		StopGrace:  500 * time.Millisecond,
		Interval:   20 * time.Millisecond,
		Logger:     quietLogger(),
		Memory:     plentyMemory(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

// fakeHandle stands in for a worker process in supervisor tests.
type fakeHandle struct {
	pid    int
	exited atomic.Bool
}

func (f *fakeHandle) PID() int { return f.pid }

func (f *fakeHandle) Exited() (bool, error) {
	if f.exited.Load() {
		return true, fmt.Errorf("exit status 1")
	}
	return false, nil
}

func (f *fakeHandle) Stop(time.Duration) error {
	f.exited.Store(true)
	return nil
}
