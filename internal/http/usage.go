package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/http/middleware"
	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/orchestrator"
	"github.com/jmehdipour/credits-gateway/internal/service/usage"
	"github.com/jmehdipour/credits-gateway/internal/util"
)

const maxItems = 100

const unavailableMsg = "service unavailable, try again"

type usageReq struct {
	Items  []string          `json:"items"`
	Params map[string]string `json:"params"`
}

func (h *handlers) execute(svc model.ServiceType) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req usageReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		items, err := normalizeItems(svc, req.Items)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		res, err := h.usage.Execute(c.Request().Context(), usage.Request{
			UserID:        userID,
			ClientKey:     strconv.FormatInt(userID, 10),
			Route:         string(svc),
			RateLimitMax:  middleware.RateLimitMaxFromCtx(c),
			Service:       svc,
			Input:         orchestrator.Input{Items: items, Params: req.Params},
			CorrelationID: requestID,
		})
		if err != nil {
			return h.usageError(c, svc, userID, err)
		}

		remaining := res.Transaction.RemainingBalance
		if res.Transaction.ID == "" {
			if remaining, err = h.ledger.Balance(c.Request().Context(), userID, svc); err != nil {
				h.log.Warn("balance after usage", zap.Int64("user_id", userID), zap.Error(err))
			}
		}

		return c.JSON(http.StatusOK, map[string]any{
			"request_id":        requestID,
			"service":           svc,
			"provider":          res.Provider,
			"charged":           res.Charged,
			"remaining_balance": remaining,
			"records":           res.Records,
		})
	}
}

func (h *handlers) usageError(c echo.Context, svc model.ServiceType, userID int64, err error) error {
	var (
		ice *ledger.InsufficientCreditsError
		rle *usage.RateLimitError
	)
	switch {
	case errors.Is(err, usage.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})

	case errors.As(err, &rle):
		middleware.SetRetryAfter(c, rle.RetryAfter)
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})

	case errors.As(err, &ice):
		return c.JSON(http.StatusPaymentRequired, map[string]any{
			"error":      "insufficient_credits",
			"message":    fmt.Sprintf("this request needs %d %s credits, %d available", ice.Required, ice.Service, ice.Available),
			"service":    ice.Service,
			"required":   ice.Required,
			"available":  ice.Available,
			"top_up_url": h.topUpURL,
		})

	case errors.Is(err, usage.ErrProviderTimeout):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": unavailableMsg})

	case errors.Is(err, usage.ErrProviderFailure):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": unavailableMsg})
	}

	// integrity and store errors: full detail stays in the log
	h.log.Error("usage request failed",
		zap.Int64("user_id", userID),
		zap.String("service", string(svc)),
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		zap.Bool("integrity", ledger.IsIntegrity(err)),
		zap.Error(err),
	)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func normalizeItems(svc model.ServiceType, raw []string) ([]string, error) {
	items := make([]string, 0, len(raw))
	for _, it := range raw {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		switch svc {
		case model.ServiceWhatsAppMessages:
			phone := util.NormalizePhone(it, "")
			if !validPhone(phone) {
				return nil, fmt.Errorf("invalid phone number %q", it)
			}
			it = phone
		case model.ServiceEmailVerification:
			if !strings.Contains(it, "@") {
				return nil, fmt.Errorf("invalid email %q", it)
			}
			it = strings.ToLower(it)
		}
		items = append(items, it)
	}
	switch {
	case len(items) == 0:
		return nil, errors.New("items must not be empty")
	case len(items) > maxItems:
		return nil, fmt.Errorf("at most %d items per request", maxItems)
	}
	return items, nil
}

// validPhone accepts E.164: a plus sign and 8 to 15 digits.
func validPhone(s string) bool {
	if len(s) < 9 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
