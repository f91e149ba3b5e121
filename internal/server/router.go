package server

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/vtxgate/internal/auth"
	"github.com/loykin/vtxgate/internal/manager"
	"github.com/loykin/vtxgate/internal/sysinfo"
)

//go:embed static/index.html
var indexHTML []byte

// DefaultPlaylistWait bounds how long a playlist request waits for a freshly
// started worker to produce its first playlist.
const DefaultPlaylistWait = 3 * time.Second

const playlistPollStep = 200 * time.Millisecond

// Controller is the lifecycle surface the HTTP layer drives.
type Controller interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Touch(name string) bool
	Snapshot() []manager.StreamStatus
	Tick(ctx context.Context, now time.Time)
}

// SysReader reads host status for GET /sys/status.
type SysReader func(ctx context.Context) (sysinfo.Status, error)

// Options configures a Router.
type Options struct {
	BasePath     string
	HLSRoot      string        // parent directory of every stream's output
	PlaylistWait time.Duration // 0 means DefaultPlaylistWait
	Auth         *auth.Middleware
	Metrics      http.Handler // nil disables GET /metrics
	Sys          SysReader    // defaults to sysinfo.Read
	Logger       *slog.Logger
}

// Router provides the admin API and the on-demand HLS endpoint.
// Endpoints (relative to basePath):
//
//	GET  /                      admin page
//	GET  /sys/status            host memory and load
//	GET  /streams               status of every configured stream
//	POST /streams/:name/start   start or refresh a stream
//	POST /streams/:name/stop    stop a stream
//	POST /debug/tick            run one supervisor pass
//	GET  /hls/:stream/:file     serve output; a playlist request starts the stream
//	GET  /metrics               Prometheus exposition
//	POST /auth/token            exchange basic credentials for a bearer token
type Router struct {
	ctl          Controller
	basePath     string
	hlsRoot      string
	playlistWait time.Duration
	auth         *auth.Middleware
	metrics      http.Handler
	sys          SysReader
	log          *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(ctl Controller, opts Options) *Router {
	if opts.PlaylistWait <= 0 {
		opts.PlaylistWait = DefaultPlaylistWait
	}
	if opts.Sys == nil {
		opts.Sys = sysinfo.Read
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		ctl:          ctl,
		basePath:     sanitizeBase(opts.BasePath),
		hlsRoot:      opts.HLSRoot,
		playlistWait: opts.PlaylistWait,
		auth:         opts.Auth,
		metrics:      opts.Metrics,
		sys:          opts.Sys,
		log:          opts.Logger,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	root := g.Group(r.basePath)

	// Players cannot send credentials, so media and scraping stay open.
	root.GET("/hls/:stream/:file", r.handleHLS)
	if r.metrics != nil {
		root.GET("/metrics", gin.WrapH(r.metrics))
	}
	root.POST("/auth/token", r.auth.TokenHandler())

	api := root.Group("", r.auth.GinAuth())
	api.GET("/", r.handleIndex)
	api.GET("/sys/status", r.handleSysStatus)
	api.GET("/streams", r.handleListStreams)
	api.POST("/streams/:name/start", r.handleStart)
	api.POST("/streams/:name/stop", r.handleStop)
	api.POST("/debug/tick", r.handleDebugTick)
	return g
}

// NewServer returns an http.Server for addr serving handler. The caller runs
// ListenAndServe and Shutdown.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}
