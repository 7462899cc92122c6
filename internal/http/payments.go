package http

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/service/payments"
)

func (h *handlers) confirmPayment(c echo.Context) error {
	if h.secret == "" || h.payments == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "payment callback disabled"})
	}
	got := c.Request().Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	}

	var pc model.PaymentConfirmation
	if err := c.Bind(&pc); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
	}

	res, err := h.payments.Apply(c.Request().Context(), pc)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidPayment) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.log.Error("payment confirmation failed", zap.String("payment_id", pc.PaymentID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"payment_id":   pc.PaymentID,
		"replay":       res.Replay,
		"transactions": res.Transactions,
	})
}
