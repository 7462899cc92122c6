package middleware

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/repository"
)

const (
	ctxUserID       = "user_id"
	ctxRateLimitMax = "user_rate_limit"
)

// UserIDFromCtx extracts the authenticated user id set by APIKeyMiddleware.
func UserIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(ctxUserID).(int64)
	return id, ok && id > 0
}

// RateLimitMaxFromCtx returns the user's own request cap, or 0 when the
// route default applies.
func RateLimitMaxFromCtx(c echo.Context) int {
	n, _ := c.Get(ctxRateLimitMax).(int)
	return n
}

// APIKeyMiddleware authenticates requests using the X-API-Key header and
// rejects suspended users.
func APIKeyMiddleware(users repository.UsersRepository, log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			u, err := users.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				log.Error("api key lookup failed", zap.Error(err))
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if u == nil || u.Status != "active" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxUserID, u.ID)
			if u.RateLimitMax != nil {
				c.Set(ctxRateLimitMax, *u.RateLimitMax)
			}
			return next(c)
		}
	}
}
