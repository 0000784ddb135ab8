// Package ingress is the control-plane's external surface (§4.7): a
// websocket upgrade endpoint workers connect to, and an admin HTTP RPC
// surface operators and deploy tooling use to inspect and drive the fleet.
// Grounded on the teacher's server/internal/httpapi package (chi router
// assembly, middleware stack, bearer-auth gate) and the cuemby-warren
// pack repo's rate-limiting middleware.
package ingress

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/audit"
	"github.com/clawfleet/fleetd/internal/invoker"
	"github.com/clawfleet/fleetd/internal/monitor"
	"github.com/clawfleet/fleetd/internal/placement"
	"github.com/clawfleet/fleetd/internal/registry"
	"github.com/clawfleet/fleetd/internal/session"
)

// Config configures the ingress Server (§6's configuration table).
type Config struct {
	BindAddress       string
	RequireTLS        bool
	MaxFrameBytes     int64
	RPCDefaultTimeout time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int
	AdminToken        string
}

func (c Config) withDefaults() Config {
	if c.BindAddress == "" {
		c.BindAddress = ":8443"
	}
	if c.RPCDefaultTimeout <= 0 {
		c.RPCDefaultTimeout = 30 * time.Second
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 20
	}
	return c
}

// Server owns the HTTP listener, the chi router, and references to every
// component the admin surface and worker handshake need.
type Server struct {
	cfg Config
	srv *http.Server

	requireTLS        bool
	maxFrameBytes     int64
	rpcDefaultTimeout time.Duration

	invoker    *invoker.Invoker
	registry   *registry.Registry
	placement  *placement.Placement
	monitor    *monitor.Monitor
	auth       BearerAuth
	auditSink  audit.Sink
	sessionCfg session.Config
	log        *zap.Logger

	limiter   *rateLimiter
	startedAt time.Time
}

// NewServer wires the chi router: global middleware, the worker-connect
// upgrade endpoint, and the bearer-gated admin RPC surface.
func NewServer(
	cfg Config,
	inv *invoker.Invoker,
	reg *registry.Registry,
	pl *placement.Placement,
	mon *monitor.Monitor,
	auditSink audit.Sink,
	sessionCfg session.Config,
	log *zap.Logger,
) *Server {
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:               cfg,
		requireTLS:        cfg.RequireTLS,
		maxFrameBytes:     cfg.MaxFrameBytes,
		rpcDefaultTimeout: cfg.RPCDefaultTimeout,
		invoker:           inv,
		registry:          reg,
		placement:         pl,
		monitor:           mon,
		auth:              BearerAuth{Token: cfg.AdminToken},
		auditSink:         auditSink,
		sessionCfg:        sessionCfg,
		log:               log.Named("ingress"),
		limiter:           newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log),
		startedAt:         time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(s.limiter.middleware())

	r.Get("/healthz", s.handleHealthz)
	r.Get("/v1/connect", s.handleConnect)

	r.Route("/v1/admin", func(admin chi.Router) {
		admin.Use(s.auth.requireBearer(s.auditSink))
		admin.Post("/fleet.status", s.handleFleetStatus)
		admin.Post("/nodes.list", s.handleNodesList)
		admin.Post("/nodes.invoke", s.handleNodesInvoke)
		admin.Post("/nodes.invokeAll", s.handleNodesInvokeAll)
		admin.Post("/deploy", s.handleDeploy)
	})

	s.srv = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving plain HTTP until Shutdown is called. It does
// not terminate TLS itself.
func (s *Server) ListenAndServe() error {
	s.log.Info("ingress listening", zap.String("addr", s.cfg.BindAddress), zap.Bool("require_tls", s.requireTLS))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight HTTP requests. Worker websocket
// connections are hijacked from the HTTP server, so Shutdown neither closes
// nor waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealthz is an unauthenticated liveness probe for orchestrators and
// load balancers — deliberately lighter than fleet.status, which requires a
// bearer token and reflects worker state rather than process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}
