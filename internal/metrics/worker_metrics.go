package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// WorkerSample is one resource reading of a running worker.
type WorkerSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// WorkerCollector periodically samples CPU and memory of every active worker.
type WorkerCollector struct {
	interval time.Duration

	mu      sync.RWMutex
	latest  map[string]WorkerSample
	handles map[string]*process.Process // kept between ticks so CPUPercent has a baseline

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewWorkerCollector creates a collector sampling every interval (default 5s).
func NewWorkerCollector(interval time.Duration) *WorkerCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &WorkerCollector{
		interval:   interval,
		latest:     make(map[string]WorkerSample),
		handles:    make(map[string]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the stream's worker."),
		memoryMB:   gauge("memory_mb", "Resident memory of the stream's worker in MB."),
		numThreads: gauge("num_threads", "Number of threads of the stream's worker."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the stream's worker (Unix only)."),
	}
}

// RegisterMetrics registers the worker gauges with the provided registerer.
func (c *WorkerCollector) RegisterMetrics(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the PIDs returned by getPIDs until ctx is done or Stop is called.
func (c *WorkerCollector) Start(ctx context.Context, getPIDs func() map[string]int32) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(getPIDs())
			}
		}
	}()
}

// Stop ends periodic collection and waits for the sampler to return.
func (c *WorkerCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of each worker and drops series of workers that are gone.
func (c *WorkerCollector) Collect(pids map[string]int32) {
	now := time.Now()
	results := make(map[string]WorkerSample, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := c.sample(name, pid, now)
		if err != nil {
			slog.Debug("worker sample failed", "stream", name, "pid", pid, "error", err)
			continue
		}
		results[name] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, s := range results {
		c.cpuPercent.WithLabelValues(name).Set(s.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(s.MemoryMB)
		c.numThreads.WithLabelValues(name).Set(float64(s.NumThreads))
		if s.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(s.NumFDs))
		}
		c.latest[name] = s
	}
	for name := range c.latest {
		if _, ok := results[name]; ok {
			continue
		}
		delete(c.latest, name)
		delete(c.handles, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryMB.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
}

// Latest returns the most recent sample for a stream.
func (c *WorkerCollector) Latest(name string) (WorkerSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[name]
	return s, ok
}

func (c *WorkerCollector) handle(name string, pid int32) (*process.Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[name]; ok && h.Pid == pid {
		return h, nil
	}
	h, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	c.handles[name] = h
	return h, nil
}

func (c *WorkerCollector) sample(name string, pid int32, at time.Time) (WorkerSample, error) {
	proc, err := c.handle(name, pid)
	if err != nil {
		return WorkerSample{}, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return WorkerSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	s := WorkerSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  at,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}
