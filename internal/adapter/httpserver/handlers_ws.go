package httpserver

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/chanrelay/internal/adapter/websocket"
	"github.com/pscheid92/chanrelay/internal/handler"
	"github.com/pscheid92/chanrelay/internal/platform/correlation"
	apperrors "github.com/pscheid92/chanrelay/internal/platform/errors"
)

func (s *Server) registerWebSocketRoutes() {
	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.GET("/ws/*", s.handleWebSocket)
}

// handleWebSocket upgrades the request and serves the connection under the
// channel named by the rest of the URL path. /ws joins the root channel.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	path := handler.ChannelFromRequestPath(c.Param("*"))

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		s.wsMetrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		return apperrors.LimitedError("too many connections").
			WithContext("reason", string(reason)).
			WithContext("ip", ip)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), s.upgrader, s.clock, int64(s.config.MaxMessageBytes))
	if err != nil {
		s.limits.Release(ip)
		// the upgrader has already written the HTTP error
		slog.WarnContext(c.Request().Context(), "WebSocket upgrade failed", "error", err, "channel", path)
		return nil
	}

	ctx := s.sessionCtx
	if id, ok := correlation.ID(c.Request().Context()); ok {
		ctx = correlation.WithID(ctx, id)
	}

	s.track(conn)
	s.sessions.Add(1)
	go s.serveSession(ctx, conn, ip, path)

	return nil
}

func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn, ip, path string) {
	defer s.sessions.Done()
	defer s.limits.Release(ip)
	defer s.untrack(conn)

	s.handler.Serve(ctx, conn, path)
}
