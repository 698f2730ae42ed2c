package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/chanrelay/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck is a named readiness dependency, such as the broker ping or
// the listener subscription.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupProbeTimeout)
	defer cancel()

	return s.runHealthChecks(c, ctx)
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	return s.runHealthChecks(c, ctx)
}

type probeResult struct {
	failedCheck string
	err         error
}

// probe runs the checks in order and stops at the first failure. Concurrent
// probes share one run.
func (s *Server) probe(ctx context.Context) probeResult {
	v, _, _ := s.probes.Do("health", func() (any, error) {
		for _, hc := range s.healthChecks {
			if err := hc.Check(ctx); err != nil {
				return probeResult{failedCheck: hc.Name, err: err}, nil
			}
		}
		return probeResult{}, nil
	})
	return v.(probeResult)
}

// runHealthChecks answers 503 naming the first failing check, or 200 once
// every check passes.
func (s *Server) runHealthChecks(c echo.Context, ctx context.Context) error {
	result := s.probe(ctx)
	if result.err != nil {
		response := map[string]any{
			"status":       "unhealthy",
			"failed_check": result.failedCheck,
			"error":        result.err.Error(),
		}
		if err := c.JSON(http.StatusServiceUnavailable, response); err != nil {
			return fmt.Errorf("failed to send JSON response: %w", err)
		}
		return nil
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ready"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
