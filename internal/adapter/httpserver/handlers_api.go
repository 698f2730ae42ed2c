package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/pscheid92/chanrelay/internal/platform/errors"
)

type publishRequest struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

type publishResponse struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
}

type statsResponse struct {
	Nodes             int   `json:"nodes"`
	Connections       int   `json:"connections"`
	ActiveConnections int64 `json:"active_websockets"`
}

func (s *Server) registerAPIRoutes() {
	limit := rateLimit{perSecond: s.config.PublishRatePerIP, burst: s.config.PublishRateBurst}
	api := s.echo.Group("/api", newRateLimiter(limit, s.httpMetrics.RateLimited))
	api.POST("/publish", s.handlePublish)
	api.GET("/stats", s.handleStats)
}

// handlePublish hands a message to the publisher exactly as a connected
// client would. A trailing "/" on the channel targets its descendants only.
func (s *Server) handlePublish(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Message == "" {
		return apperrors.ValidationError("message must not be empty")
	}
	if len(req.Message) > s.config.MaxMessageBytes {
		return apperrors.TooLargeError("message too large").
			WithContext("bytes", len(req.Message)).
			WithContext("limit", s.config.MaxMessageBytes)
	}

	s.publisher.Publish([]byte(req.Message), req.Channel)

	if err := c.JSON(http.StatusAccepted, publishResponse{Status: "accepted", Channel: req.Channel}); err != nil {
		return fmt.Errorf("failed to write publish response: %w", err)
	}
	return nil
}

func (s *Server) handleStats(c echo.Context) error {
	stats := s.registry.Stats()
	response := statsResponse{
		Nodes:             stats.Nodes,
		Connections:       stats.Connections,
		ActiveConnections: s.limits.Active(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write stats response: %w", err)
	}
	return nil
}
