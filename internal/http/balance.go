package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/http/middleware"
	"github.com/jmehdipour/credits-gateway/internal/model"
)

func (h *handlers) balances(c echo.Context) error {
	userID, ok := middleware.UserIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	bs, err := h.ledger.Balances(c.Request().Context(), userID)
	if err != nil {
		h.log.Error("balances query failed", zap.Int64("user_id", userID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{"balances": bs})
}

func (h *handlers) balance(c echo.Context) error {
	userID, ok := middleware.UserIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	svc, ok := model.ParseServiceType(c.Param("service"))
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown service"})
	}
	n, err := h.ledger.Balance(c.Request().Context(), userID, svc)
	if err != nil {
		h.log.Error("balance query failed", zap.Int64("user_id", userID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{"service": svc, "available": n})
}

func (h *handlers) transactions(c echo.Context) error {
	userID, ok := middleware.UserIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	limit, offset := pagination(c)
	txs, err := h.ledger.Transactions(c.Request().Context(), userID, limit, offset)
	if err != nil {
		h.log.Error("transactions query failed", zap.Int64("user_id", userID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"limit":   limit,
		"offset":  offset,
		"count":   len(txs),
		"results": txs,
	})
}

func (h *handlers) cohorts(c echo.Context) error {
	userID, ok := middleware.UserIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	svc, ok := model.ParseServiceType(c.Param("service"))
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown service"})
	}
	cs, err := h.ledger.Cohorts(c.Request().Context(), userID, svc)
	if err != nil {
		h.log.Error("cohorts query failed", zap.Int64("user_id", userID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{"service": svc, "cohorts": cs})
}

func pagination(c echo.Context) (limit, offset int) {
	limit = 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
