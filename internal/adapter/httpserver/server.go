// Package httpserver exposes the relay over HTTP: the websocket endpoint, the
// publish API, health probes and metrics.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/singleflight"

	"github.com/pscheid92/chanrelay/internal/adapter/metrics"
	"github.com/pscheid92/chanrelay/internal/adapter/websocket"
	"github.com/pscheid92/chanrelay/internal/channel"
	"github.com/pscheid92/chanrelay/internal/domain"
	"github.com/pscheid92/chanrelay/internal/handler"
	"github.com/pscheid92/chanrelay/internal/platform/config"
)

const shutdownReason = "server shutting down"

// Dependencies groups what the server needs from the rest of the process.
type Dependencies struct {
	Registry     *channel.Registry
	Publisher    domain.Publisher
	Handler      *handler.Handler
	Clock        clockwork.Clock
	Metrics      http.Handler
	HTTPMetrics  *metrics.HTTPMetrics
	WSMetrics    *metrics.WebSocketMetrics
	HealthChecks []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	registry       *channel.Registry
	publisher      domain.Publisher
	handler        *handler.Handler
	clock          clockwork.Clock
	metricsHandler http.Handler
	httpMetrics    *metrics.HTTPMetrics
	wsMetrics      *metrics.WebSocketMetrics
	healthChecks   []HealthCheck
	probes         singleflight.Group
	startTime      time.Time

	upgrader *gorillaws.Upgrader
	limits   *ConnectionLimits

	// sessions outlive their upgrade request; this context ends them on shutdown
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	connsMu       sync.Mutex
	conns         map[*websocket.Conn]struct{}
	sessions      sync.WaitGroup
}

func NewServer(cfg *config.Config, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	sessionCtx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		echo:           e,
		config:         cfg,
		registry:       deps.Registry,
		publisher:      deps.Publisher,
		handler:        deps.Handler,
		clock:          deps.Clock,
		metricsHandler: deps.Metrics,
		httpMetrics:    deps.HTTPMetrics,
		wsMetrics:      deps.WSMetrics,
		healthChecks:   deps.HealthChecks,
		startTime:      deps.Clock.Now(),
		upgrader:       websocket.NewUpgrader(newOriginPolicy(cfg, deps.WSMetrics).CheckOrigin),
		limits: NewConnectionLimits(deps.Clock,
			int64(cfg.MaxWebSocketConnections),
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionRatePerIP,
			cfg.ConnectionRateBurst),
		sessionCtx:    sessionCtx,
		cancelSession: cancel,
		conns:         make(map[*websocket.Conn]struct{}),
	}

	srv.registerRoutes()

	return srv
}

func newOriginPolicy(cfg *config.Config, m *metrics.WebSocketMetrics) *websocket.OriginPolicy {
	return websocket.NewOriginPolicy(cfg.AppURL, cfg.IsDevelopment(), func(string) {
		m.ConnectionsRejected.WithLabelValues(string(LimitReasonOrigin)).Inc()
	})
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, closes every websocket with a close
// frame and waits for their handlers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.connsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.Unlock()

	slog.Info("Closing websocket connections", "count", len(conns))
	for _, conn := range conns {
		conn.CloseGraceful(shutdownReason)
	}
	s.cancelSession()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket sessions still running: %w", ctx.Err())
	}
}

func (s *Server) track(conn *websocket.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}
