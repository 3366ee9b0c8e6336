package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	apperrors "github.com/streamwizard/streamwizard-backend/internal/platform/errors"
)

const rateLimiterExpiry = 5 * time.Minute

// newRateLimiter throttles per client IP. Twitch delivers from a small pool
// of addresses, so one bucket carries most webhook traffic and has to fit a
// full notification burst. Twitch counts a 429 as a failed delivery and
// revokes subscriptions that keep failing with notification_failures_exceeded.
func newRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(ratePerSecond),
		Burst:     burst,
		ExpiresIn: rateLimiterExpiry,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			err := apperrors.ValidationError("rate limit exceeded").WithContext("client", identifier)
			return writeError(c, http.StatusTooManyRequests, err)
		},
	})
}
