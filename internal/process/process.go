package process

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// reapTimeout bounds how long Stop waits for the waiter after SIGKILL.
const reapTimeout = time.Second

// Process is a handle to one running worker. Exactly one goroutine owns
// cmd.Wait; everyone else learns about exit through Done or Exited.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	log       *slog.Logger

	mu      sync.Mutex
	exitErr error
}

// Start launches the worker described by spec and returns immediately.
// Stdout is discarded; stderr lines are logged at debug level and, when
// spec.Log is configured, appended to a rotating file.
func Start(spec Spec, log *slog.Logger) (*Process, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream", spec.Name)

	// #nosec G204 -- binary and args come from the operator's configuration
	cmd := exec.Command(spec.Binary, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureSysProcAttr(cmd)

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer func() { _ = null.Close() }()
	cmd.Stdin = null
	cmd.Stdout = null

	// A raw pipe keeps cmd.Wait independent from the stderr reader.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	_ = pw.Close()

	p := &Process{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		log:       log,
	}

	var sink io.WriteCloser
	if spec.Log.Enabled() {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		sink = spec.Log.StderrWriter(spec.Name)
	}
	go p.pumpStderr(pr, sink)
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) pumpStderr(r io.ReadCloser, sink io.WriteCloser) {
	defer func() { _ = r.Close() }()
	if sink != nil {
		defer func() { _ = sink.Close() }()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 2*maxStderrLine)
	sc.Split(scanStderrLines)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		p.log.Debug("worker stderr", "line", string(line))
		if sink != nil {
			// line aliases the scanner buffer; copy before appending
			_, _ = sink.Write(append(append(make([]byte, 0, len(line)+1), line...), '\n'))
		}
	}
	// The pipe must be read until EOF; a closed read end kills the worker with SIGPIPE.
	if err := sc.Err(); err != nil {
		p.log.Warn("stderr scan failed, discarding the rest", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// maxStderrLine caps one logged stderr record; longer runs are split.
const maxStderrLine = 64 * 1024

// scanStderrLines splits on '\n' and on '\r', which ffmpeg uses for its
// progress line, and never asks the scanner for more than maxStderrLine bytes.
func scanStderrLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if len(data) >= maxStderrLine {
		return maxStderrLine, data[:maxStderrLine], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Name returns the stream name the worker serves.
func (p *Process) Name() string { return p.spec.Name }

func (p *Process) PID() int { return p.pid }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the worker has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited polls without blocking. The error is the worker's exit status.
func (p *Process) Exited() (bool, error) {
	select {
	case <-p.done:
		return true, p.ExitErr()
	default:
		return false, nil
	}
}

// ExitErr returns the result of cmd.Wait, or nil while the worker runs.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ErrNotReaped is returned by Stop when the worker survived SIGKILL.
var ErrNotReaped = errors.New("process not reaped after kill")

// Stop sends SIGTERM to the worker's process group, waits up to grace,
// then escalates to SIGKILL. A worker that already exited is not an error.
func (p *Process) Stop(grace time.Duration) error {
	if exited, _ := p.Exited(); exited {
		return nil
	}
	if err := signalGroup(p.pid, false); err != nil {
		p.log.Debug("terminate signal failed", "pid", p.pid, "error", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	p.log.Warn("worker ignored terminate, killing", "pid", p.pid, "grace", grace)
	_ = signalGroup(p.pid, true)
	select {
	case <-p.done:
		return nil
	case <-time.After(reapTimeout):
		return fmt.Errorf("%s (pid %d): %w", p.spec.Name, p.pid, ErrNotReaped)
	}
}
