package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/loykin/vtxgate/internal/auth"
	"github.com/loykin/vtxgate/internal/config"
	"github.com/loykin/vtxgate/internal/env"
	"github.com/loykin/vtxgate/internal/events"
	"github.com/loykin/vtxgate/internal/history"
	"github.com/loykin/vtxgate/internal/history/factory"
	"github.com/loykin/vtxgate/internal/logger"
	"github.com/loykin/vtxgate/internal/manager"
	"github.com/loykin/vtxgate/internal/metrics"
	"github.com/loykin/vtxgate/internal/server"
	vtls "github.com/loykin/vtxgate/internal/tls"
)

const shutdownTimeout = 10 * time.Second

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the gateway",
		Long: `Run the HTTP gateway and the supervisor loop. Streams with auto_start are
launched immediately; others start on their first playlist request.

Examples:
  vtxgate serve --config /etc/vtxgate/vtxgate.yaml
  VTXGATE_SERVER_LISTEN=127.0.0.1:9000 vtxgate serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path)
		},
	}
}

// gateway is every long-lived component built from one configuration.
type gateway struct {
	cfg       *config.Config
	log       *slog.Logger
	bus       *events.Bus
	recorder  *history.Recorder
	collector *metrics.WorkerCollector
	mgr       *manager.Manager
	http      *http.Server
	closers   []func() error
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}
	defer gw.close()
	return gw.run(ctx)
}

func newGateway(cfg *config.Config) (*gateway, error) {
	log, logCloser := logger.Setup(cfg.AppLog())
	gw := &gateway{cfg: cfg, log: log, bus: events.New()}
	gw.closers = append(gw.closers, gw.bus.Close, logCloser.Close)

	if err := os.MkdirAll(cfg.Server.HLSRoot, 0o755); err != nil {
		gw.close()
		return nil, fmt.Errorf("failed to create hls_root %s: %w", cfg.Server.HLSRoot, err)
	}

	if cfg.History.Enabled {
		var sinks []history.Sink
		for _, dsn := range cfg.History.DSNs {
			s, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				gw.close()
				return nil, fmt.Errorf("history sink %q: %w", dsn, err)
			}
			sinks = append(sinks, s)
		}
		gw.recorder = history.NewRecorder(log, cfg.History.Timeout, sinks...)
		gw.recorder.Attach(gw.bus)
		// recorder must close before the bus so pending sends are not lost
		gw.closers = append([]func() error{gw.recorder.Close}, gw.closers...)
		log.Info("history enabled", "sinks", len(sinks))
	}

	mgr, err := manager.New(cfg.StreamDefinitions(), manager.Options{
		Binary:        cfg.Server.FFmpegBinary,
		OutputRoot:    cfg.Server.HLSRoot,
		MinFreeMemory: cfg.Server.MinFreeMemoryMB * 1024 * 1024,
		StopGrace:     cfg.Server.StopGrace,
		Interval:      cfg.Server.SupervisorInterval,
		Logger:        log,
		Bus:           gw.bus,
		Env:           env.New(cfg.Server.Env),
	})
	if err != nil {
		gw.close()
		return nil, err
	}
	gw.mgr = mgr

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := metrics.Register(reg); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		gw.collector = metrics.NewWorkerCollector(cfg.Metrics.WorkerInterval)
		if err := gw.collector.RegisterMetrics(reg); err != nil {
			log.Warn("failed to register worker metrics", "error", err)
		}
		metricsHandler = metrics.HandlerFor(reg)
	}

	var mw *auth.Middleware
	if cfg.Auth.Enabled {
		svc, err := auth.NewService(auth.Config{
			Username:  cfg.Auth.Username,
			Password:  cfg.Auth.Password,
			JWTSecret: cfg.Auth.JWTSecret,
			TokenTTL:  cfg.Auth.TokenTTL,
		})
		if err != nil {
			gw.close()
			return nil, err
		}
		mw = auth.NewMiddleware(svc)
	}

	gin.SetMode(gin.ReleaseMode)
	router := server.NewRouter(mgr, server.Options{
		BasePath:     cfg.Server.BasePath,
		HLSRoot:      cfg.Server.HLSRoot,
		PlaylistWait: cfg.Server.PlaylistWait,
		Auth:         mw,
		Metrics:      metricsHandler,
		Logger:       log,
	})
	gw.http = server.NewServer(cfg.Server.Listen, router.Handler())

	tlsCfg, err := vtls.Setup(cfg.Server.TLS)
	if err != nil {
		gw.close()
		return nil, fmt.Errorf("tls: %w", err)
	}
	gw.http.TLSConfig = tlsCfg
	return gw, nil
}

func (gw *gateway) run(ctx context.Context) error {
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		gw.mgr.Run(runCtx)
	}()
	if gw.collector != nil {
		gw.collector.Start(runCtx, gw.mgr.PIDs)
	}

	errCh := make(chan error, 1)
	go func() {
		gw.log.Info("listening", "addr", gw.cfg.Server.Listen, "base_path", gw.cfg.Server.BasePath,
			"hls_root", gw.cfg.Server.HLSRoot, "streams", len(gw.cfg.Streams), "tls", gw.http.TLSConfig != nil)
		var err error
		if gw.http.TLSConfig != nil {
			// certificates are served by TLSConfig.GetCertificate
			err = gw.http.ListenAndServeTLS("", "")
		} else {
			err = gw.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		gw.log.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			gw.log.Error("http server failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.http.Shutdown(shutdownCtx); err != nil {
		gw.log.Warn("http shutdown", "error", err)
	}
	if gw.collector != nil {
		gw.collector.Stop()
	}
	stopRun()
	<-loopDone
	if err := gw.mgr.Shutdown(shutdownCtx); err != nil {
		gw.log.Warn("worker shutdown incomplete", "error", err)
	}
	return serveErr
}

func (gw *gateway) close() {
	for _, c := range gw.closers {
		_ = c()
	}
}
