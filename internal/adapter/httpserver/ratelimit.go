package httpserver

import (
	"math"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	apperrors "github.com/pscheid92/chanrelay/internal/platform/errors"
)

const rateLimiterExpiry = 5 * time.Minute

// rateLimit is a per-client token bucket.
type rateLimit struct {
	perSecond float64
	burst     int
}

// retryAfter is the whole number of seconds until one token is available again.
func (l rateLimit) retryAfter() int {
	if l.perSecond <= 0 {
		return int(rateLimiterExpiry.Seconds())
	}
	return max(1, int(math.Ceil(1/l.perSecond)))
}

// newRateLimiter throttles API callers by client IP. Refusals carry a
// Retry-After header and are counted per route on rejected when it is set.
func newRateLimiter(limit rateLimit, rejected *prometheus.CounterVec) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(limit.perSecond),
			Burst:     limit.burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	retryAfter := strconv.Itoa(limit.retryAfter())

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			if rejected != nil {
				rejected.WithLabelValues(c.Path()).Inc()
			}
			c.Response().Header().Set("Retry-After", retryAfter)
			return HandleError(c, apperrors.LimitedError("rate limit exceeded").
				WithContext("ip", identifier))
		},
	})
}
