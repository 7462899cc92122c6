package payments

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/metrics"
	"github.com/jmehdipour/credits-gateway/internal/model"
)

// ErrInvalidPayment marks a confirmation that can never be applied. Consumers
// skip it instead of retrying.
var ErrInvalidPayment = errors.New("payments: invalid confirmation")

type Ledger interface {
	Credit(ctx context.Context, p ledger.Purchase) (model.Transaction, bool, error)
	CreditBundle(ctx context.Context, b ledger.BundlePurchase) ([]model.Transaction, bool, error)
}

type Result struct {
	Transactions []model.Transaction
	Replay       bool
}

// Processor turns payment confirmations into ledger credits. Confirmations
// arrive at least once; the ledger makes the replay a no-op.
type Processor struct {
	ledger Ledger
	log    *zap.Logger
}

func NewProcessor(l Ledger, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{ledger: l, log: log}
}

func (p *Processor) Apply(ctx context.Context, pc model.PaymentConfirmation) (res Result, err error) {
	defer func() { metrics.PaymentsProcessed.WithLabelValues(resultLabel(res, err)).Inc() }()

	if err := validate(pc); err != nil {
		return Result{}, err
	}

	if pc.IsBundle() {
		txs, replay, err := p.ledger.CreditBundle(ctx, ledger.BundlePurchase{
			UserID:         pc.UserID,
			Items:          pc.Bundle,
			TotalPrice:     pc.TotalPrice,
			PaymentMethod:  pc.PaymentMethod,
			PaymentID:      pc.PaymentID,
			ExpirationDays: pc.ExpirationDays,
		})
		if err != nil {
			return Result{}, classify(err)
		}
		res = Result{Transactions: txs, Replay: replay}
	} else {
		tx, replay, err := p.ledger.Credit(ctx, ledger.Purchase{
			UserID:         pc.UserID,
			Service:        pc.Service,
			Quantity:       pc.Quantity,
			UnitPrice:      pc.UnitPrice,
			PaymentMethod:  pc.PaymentMethod,
			PaymentID:      pc.PaymentID,
			ExpirationDays: pc.ExpirationDays,
		})
		if err != nil {
			return Result{}, classify(err)
		}
		res = Result{Transactions: []model.Transaction{tx}, Replay: replay}
	}

	p.log.Info("payment applied",
		zap.String("payment_id", pc.PaymentID),
		zap.Int64("user_id", pc.UserID),
		zap.Int("lines", len(res.Transactions)),
		zap.Bool("replay", res.Replay),
	)
	return res, nil
}

func validate(pc model.PaymentConfirmation) error {
	switch {
	case pc.UserID <= 0:
		return fmt.Errorf("%w: user_id is required", ErrInvalidPayment)
	case pc.PaymentID == "":
		return fmt.Errorf("%w: payment_id is required", ErrInvalidPayment)
	case pc.IsBundle() && pc.Service != "":
		return fmt.Errorf("%w: service and bundle are exclusive", ErrInvalidPayment)
	case pc.ExpirationDays < 0:
		return fmt.Errorf("%w: negative expiration_days", ErrInvalidPayment)
	case pc.UnitPrice.IsNegative() || pc.TotalPrice.IsNegative():
		return fmt.Errorf("%w: negative price", ErrInvalidPayment)
	}
	return nil
}

// classify folds the ledger's validation errors into ErrInvalidPayment.
func classify(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrUnknownService),
		errors.Is(err, ledger.ErrMissingPaymentID):
		return fmt.Errorf("%w: %w", ErrInvalidPayment, err)
	}
	return err
}

func resultLabel(res Result, err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayment):
		return "invalid"
	case err != nil:
		return "error"
	case res.Replay:
		return "replay"
	default:
		return "credited"
	}
}
