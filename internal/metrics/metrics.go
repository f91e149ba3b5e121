package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "vtxgate"
	subsystem = "stream"
)

// Stop reasons used as the "reason" label of stops_total.
const (
	StopManual   = "manual"
	StopIdle     = "idle"
	StopShutdown = "shutdown"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	streamStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"name"},
	)
	streamStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of workers stopped by the gateway.",
		}, []string{"name", "reason"},
	)
	streamCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "crashes_total",
			Help:      "Number of workers observed dead without a stop request.",
		}, []string{"name"},
	)
	streamGiveUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "give_ups_total",
			Help:      "Number of times a stream exhausted its retry budget.",
		}, []string{"name"},
	)
	restartAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restart_attempts_total",
			Help:      "Number of automatic starts attempted by the supervisor.",
		}, []string{"name"},
	)
	startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "start_failures_total",
			Help:      "Number of failed start requests by failure kind.",
		}, []string{"name", "kind"},
	)
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "Number of workers currently registered as running.",
		},
	)
	crashCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "crash_count",
			Help:      "Consecutive crashes since the last successful start.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{streamStarts, streamStops, streamCrashes, streamGiveUps, restartAttempts, startFailures, activeWorkers, crashCount}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		streamStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name, reason string) {
	if regOK.Load() {
		streamStops.WithLabelValues(name, reason).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		streamCrashes.WithLabelValues(name).Inc()
	}
}

func IncGiveUp(name string) {
	if regOK.Load() {
		streamGiveUps.WithLabelValues(name).Inc()
	}
}

func IncRestartAttempt(name string) {
	if regOK.Load() {
		restartAttempts.WithLabelValues(name).Inc()
	}
}

func IncStartFailure(name, kind string) {
	if regOK.Load() {
		startFailures.WithLabelValues(name, kind).Inc()
	}
}

func SetActive(n int) {
	if regOK.Load() {
		activeWorkers.Set(float64(n))
	}
}

func SetCrashCount(name string, n uint32) {
	if regOK.Load() {
		crashCount.WithLabelValues(name).Set(float64(n))
	}
}
