// Package server composes the subsystem: configuration, logging,
// metrics, the daemon supervisor, controllers over the shared control
// session, and the HTTP/WS surface for the browser layer.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/veilbrowse/torgate/internal/api/http"
	"github.com/veilbrowse/torgate/internal/api/middleware"
	"github.com/veilbrowse/torgate/internal/api/ws"
	"github.com/veilbrowse/torgate/internal/circuits"
	"github.com/veilbrowse/torgate/internal/control"
	"github.com/veilbrowse/torgate/internal/infrastructure/config"
	"github.com/veilbrowse/torgate/internal/infrastructure/logging"
	"github.com/veilbrowse/torgate/internal/infrastructure/monitoring"
	"github.com/veilbrowse/torgate/internal/onion"
	"github.com/veilbrowse/torgate/internal/policy"
	"github.com/veilbrowse/torgate/internal/shared/types"
	"github.com/veilbrowse/torgate/internal/supervisor"
	"github.com/veilbrowse/torgate/internal/telemetry"
	"github.com/veilbrowse/torgate/internal/torrc"
)

// eventRelay forwards events to a publisher bound after construction.
// Events published before binding are dropped; nothing emits before the
// supervisor exists.
type eventRelay struct {
	mu  sync.RWMutex
	pub types.Publisher
}

func (r *eventRelay) set(pub types.Publisher) {
	r.mu.Lock()
	r.pub = pub
	r.mu.Unlock()
}

func (r *eventRelay) Publish(e types.Event) {
	r.mu.RLock()
	pub := r.pub
	r.mu.RUnlock()
	if pub != nil {
		pub.Publish(e)
	}
}

// Server owns the composed subsystem and its HTTP listener.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	session *control.Session
	sup     *supervisor.Supervisor
	httpSrv *http.Server
}

// New wires the subsystem together. Nothing is started: the daemon
// launches on the first lifecycle request (or StartDaemon), and the
// listener starts with Run.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	metrics := monitoring.NewMetrics()

	session := control.NewSession(control.Options{
		Addr:           cfg.ControlAddr(),
		Password:       cfg.Control.Password,
		CookiePath:     cfg.Control.CookiePath,
		AuthTimeout:    cfg.Control.AuthTimeout,
		CommandTimeout: cfg.Control.CommandTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})

	probe, err := circuits.NewExitProbe(cfg.SocksAddr(), 0)
	if err != nil {
		return nil, fmt.Errorf("exit probe: %w", err)
	}

	// The supervisor doubles as the event publisher for the whole
	// subsystem. It is built after the components that feed it, so they
	// get a relay that is pointed at it once it exists.
	events := &eventRelay{}

	circ := circuits.NewController(circuits.Options{
		Session: session,
		Probe:   probe,
		Settle:  cfg.Control.SettleDelay,
		Events:  events,
		Logger:  logger,
		Metrics: metrics,
	})

	pol := policy.New(session, cfg.Socks.Port, cfg.Socks.PortWindow,
		func(ctx context.Context) error {
			_, err := circ.NewIdentity(ctx)
			return err
		}, logger)

	builder := torrc.New(cfg, pol)
	sup := supervisor.New(cfg, session, builder, logger, metrics)
	events.set(sup)

	onions := onion.NewManager(session, sup, logger, metrics)
	tel := telemetry.NewReader(session, logger)

	router := buildRouter(cfg, logger, metrics, sup, circ, pol, onions, tel)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		session: session,
		sup:     sup,
		httpSrv: &http.Server{
			Addr:    fmt.Sprintf("%s:%s", cfg.API.Host, cfg.API.Port),
			Handler: router,
		},
	}, nil
}

func buildRouter(
	cfg *config.Config,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
	sup *supervisor.Supervisor,
	circ *circuits.Controller,
	pol *policy.Config,
	onions *onion.Manager,
	tel *telemetry.Reader,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandler(sup, circ, pol, onions, tel, logger)
	handlers.Register(router.Group("/api"))

	wsHandler := ws.NewHandler(sup, logger, metrics)
	router.GET("/stream", wsHandler.HandleConnection)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// StartDaemon brings the daemon up before serving, for deployments that
// want the proxy ready as soon as the API answers.
func (s *Server) StartDaemon(ctx context.Context) error {
	return s.sup.Start(ctx)
}

// Run serves the API until the listener fails or Shutdown runs.
func (s *Server) Run() error {
	s.logger.Info("api listening", zap.String("addr", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, the daemon and the control session.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownErr := s.httpSrv.Shutdown(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(),
		s.cfg.Daemon.StopGracePeriod+5*time.Second)
	defer cancel()
	if err := s.sup.Stop(stopCtx); err != nil {
		s.logger.Warn("daemon stop during shutdown", zap.Error(err))
	}

	s.session.Close()
	return shutdownErr
}
