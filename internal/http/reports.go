package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/http/middleware"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/repository"
)

// reportTransactions reads the ClickHouse archive, which lags the ledger by
// the relay and archiver intervals.
func (h *handlers) reportTransactions(c echo.Context) error {
	userID, ok := middleware.UserIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	if h.reports == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "reports unavailable"})
	}

	var f repository.TransactionFilter
	if raw := strings.TrimSpace(c.QueryParam("type")); raw != "" {
		k := model.TransactionKind(strings.ToLower(raw))
		if !k.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid type"})
		}
		f.Kind = k
	}
	if raw := c.QueryParam("service"); raw != "" {
		svc, ok := model.ParseServiceType(raw)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown service"})
		}
		f.Service = svc
	}
	for param, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if raw := c.QueryParam(param); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid " + param})
			}
			*dst = t
		}
	}

	limit, offset := pagination(c)
	txs, err := h.reports.ListByUser(c.Request().Context(), userID, f, limit, offset)
	if err != nil {
		h.log.Error("clickhouse list failed", zap.Int64("user_id", userID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"limit":   limit,
		"offset":  offset,
		"count":   len(txs),
		"results": txs,
	})
}
