package middleware

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/credits-gateway/internal/ratelimit"
)

// RateLimitMiddleware throttles authenticated requests under one route key.
// It expects user_id in echo.Context (set by APIKeyMiddleware). Billable
// routes are admitted by the usage service instead.
func RateLimitMiddleware(limiter *ratelimit.Limiter, route string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, ok := UserIDFromCtx(c)
			if !ok || limiter == nil {
				return next(c)
			}

			d := limiter.AdmitMax(c.Request().Context(), strconv.FormatInt(userID, 10), route, RateLimitMaxFromCtx(c))
			if !d.Allowed {
				SetRetryAfter(c, d.RetryAfter)
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			}
			return next(c)
		}
	}
}

// SetRetryAfter writes the Retry-After header in whole seconds.
func SetRetryAfter(c echo.Context, wait time.Duration) {
	c.Response().Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(wait)))
}
