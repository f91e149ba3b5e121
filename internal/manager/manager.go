package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/vtxgate/internal/env"
	"github.com/loykin/vtxgate/internal/events"
	"github.com/loykin/vtxgate/internal/metrics"
	"github.com/loykin/vtxgate/internal/process"
	"github.com/loykin/vtxgate/internal/registry"
	"github.com/loykin/vtxgate/internal/stream"
	"github.com/loykin/vtxgate/internal/sysinfo"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultMinFreeMemory = 5 * 1024 * 1024 // bytes
	DefaultStopGrace     = 2 * time.Second
	DefaultInterval      = time.Second
)

// MemoryProbe reports available system memory in bytes.
type MemoryProbe interface {
	Available(ctx context.Context) (uint64, error)
}

// Options configures a Manager.
type Options struct {
	Binary        string // worker executable, e.g. ffmpeg
	OutputRoot    string // parent of every <stream> output directory
	MinFreeMemory uint64 // refuse to spawn below this many available bytes
	StopGrace     time.Duration
	Interval      time.Duration // supervisor tick period
	Logger        *slog.Logger
	Bus           *events.Bus // optional lifecycle event sink
	Memory        MemoryProbe // defaults to sysinfo.Memory
	Env           *env.Env    // gateway-wide worker variables; defaults to the OS environment only
}

// Manager owns the registry and implements the worker lifecycle:
// on-demand start, idempotent stop, and the periodic supervisor tick.
type Manager struct {
	defs   stream.Definitions
	byName map[string]stream.Definition
	opts   Options
	reg    *registry.Registry
	log    *slog.Logger
	bus    *events.Bus
	mem    MemoryProbe
	now    func() time.Time

	// in-flight start claims, one per stream name
	startMu  sync.Mutex
	starting map[string]*startCall

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	closed     bool // set by Shutdown; Run refuses to start afterwards
}

type startCall struct {
	done chan struct{}
	err  error
}

// New validates defs and returns a Manager. Nothing is spawned until Start or Run.
func New(defs stream.Definitions, opts Options) (*Manager, error) {
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.OutputRoot == "" {
		return nil, fmt.Errorf("output root is required")
	}
	if opts.MinFreeMemory == 0 {
		opts.MinFreeMemory = DefaultMinFreeMemory
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Memory == nil {
		opts.Memory = sysinfo.Memory{}
	}
	if opts.Env == nil {
		opts.Env = env.New(nil)
	}
	byName := make(map[string]stream.Definition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	return &Manager{
		defs:     append(stream.Definitions(nil), defs...),
		byName:   byName,
		opts:     opts,
		reg:      registry.New(),
		log:      opts.Logger,
		bus:      opts.Bus,
		mem:      opts.Memory,
		now:      time.Now,
		starting: make(map[string]*startCall),
	}, nil
}

// Definitions returns the configured streams in configuration order.
func (m *Manager) Definitions() stream.Definitions {
	return append(stream.Definitions(nil), m.defs...)
}

// Start makes sure a worker for name is running. When it already is, Start
// only refreshes its last access time. Concurrent callers for the same name
// share a single spawn.
func (m *Manager) Start(ctx context.Context, name string) error {
	if m.reg.Touch(name, m.now()) {
		return nil
	}
	if err := m.checkMemory(ctx); err != nil {
		m.startFailed(name, err)
		return err
	}
	def, ok := m.byName[name]
	if !ok {
		m.startFailed(name, ErrStreamNotFound)
		return fmt.Errorf("%w: %s", ErrStreamNotFound, name)
	}

	call, leader := m.claim(name)
	if !leader {
		select {
		case <-call.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if call.err != nil {
			return call.err
		}
		m.reg.Touch(name, m.now())
		return nil
	}

	err := m.spawn(def)
	m.release(name, call, err)
	if err != nil {
		m.startFailed(name, err)
	}
	return err
}

// claim registers an in-flight start for name. The second result is true for
// the caller that must perform the spawn.
func (m *Manager) claim(name string) (*startCall, bool) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if c, ok := m.starting[name]; ok {
		return c, false
	}
	c := &startCall{done: make(chan struct{})}
	m.starting[name] = c
	return c, true
}

func (m *Manager) release(name string, c *startCall, err error) {
	m.startMu.Lock()
	delete(m.starting, name)
	m.startMu.Unlock()
	c.err = err
	close(c.done)
}

func (m *Manager) checkMemory(ctx context.Context) error {
	avail, err := m.mem.Available(ctx)
	if err != nil {
		m.log.Warn("memory probe failed, continuing", "error", err)
		return nil
	}
	if avail < m.opts.MinFreeMemory {
		return fmt.Errorf("%w: %d KB available, need %d KB", ErrInsufficientMemory, avail/1024, m.opts.MinFreeMemory/1024)
	}
	return nil
}

func (m *Manager) spawn(def stream.Definition) error {
	// A winner that finished between our Touch and claim already registered the worker.
	if m.reg.Touch(def.Name, m.now()) {
		return nil
	}
	log := m.log.With("stream", def.Name)

	dir := def.OutputDir(m.opts.OutputRoot)
	if filepath.Dir(dir) != filepath.Clean(m.opts.OutputRoot) {
		return fmt.Errorf("%w: output dir %s is not directly below %s", ErrSpawn, dir, m.opts.OutputRoot)
	}
	_ = os.RemoveAll(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: prepare %s: %w", ErrSpawn, dir, err)
	}

	args := def.BuildArgs(dir)
	for i, a := range args {
		args[i] = m.opts.Env.Expand(a, def.Env)
	}
	proc, err := process.Start(process.Spec{
		Name:   def.Name,
		Binary: m.opts.Binary,
		Args:   args,
		Env:    m.opts.Env.Merge(def.Env),
		Log:    def.Log,
	}, m.log)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSpawn, def.Name, err)
	}

	now := m.now()
	if !m.reg.InsertIfAbsent(def.Name, registry.NewWorker(proc, now)) {
		// unreachable while claims are held; never leave a second worker running
		_ = proc.Stop(m.opts.StopGrace)
		m.reg.Touch(def.Name, now)
		return nil
	}
	m.reg.ResetRecovery(def.Name)
	log.Info("worker started", "pid", proc.PID(), "dir", dir)
	metrics.IncStart(def.Name)
	metrics.SetCrashCount(def.Name, 0)
	metrics.SetActive(m.reg.ActiveCount())
	m.bus.Publish(events.Lifecycle{Kind: events.KindStart, Stream: def.Name, PID: proc.PID(), At: now})
	return nil
}

func (m *Manager) startFailed(name string, err error) {
	m.log.Error("start failed", "stream", name, "error", err)
	metrics.IncStartFailure(name, FailureKind(err))
}

// Stop terminates the worker for name if one is running. Stopping an absent
// stream succeeds. Termination errors are logged and swallowed.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.stop(name, metrics.StopManual, events.KindStop)
	return nil
}

func (m *Manager) stop(name, reason string, kind events.Kind) {
	w, ok := m.reg.Remove(name)
	if !ok {
		return
	}
	pid := w.Proc.PID()
	if err := w.Proc.Stop(m.opts.StopGrace); err != nil {
		m.log.Warn("worker termination failed", "stream", name, "pid", pid, "error", err)
	}
	m.log.Info("worker stopped", "stream", name, "pid", pid, "reason", reason)
	metrics.IncStop(name, reason)
	metrics.SetActive(m.reg.ActiveCount())
	m.bus.Publish(events.Lifecycle{Kind: kind, Stream: name, PID: pid, At: m.now()})
}

// Touch refreshes the last access time of a running stream and reports
// whether it was running. It never starts anything.
func (m *Manager) Touch(name string) bool {
	return m.reg.Touch(name, m.now())
}

// PIDs maps every running stream to its worker PID.
func (m *Manager) PIDs() map[string]int32 {
	snap := m.reg.Snapshot(m.now())
	out := make(map[string]int32, len(snap))
	for n, w := range snap {
		out[n] = int32(w.PID)
	}
	return out
}

// Shutdown stops the supervisor loop, if running, and every active worker.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.loopMu.Lock()
	m.closed = true
	cancel, done := m.loopCancel, m.loopDone
	m.loopMu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var wg sync.WaitGroup
	for _, name := range m.reg.Names() {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			m.stop(n, metrics.StopShutdown, events.KindStop)
		}(name)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
