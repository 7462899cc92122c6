package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindPurchase   TransactionKind = "purchase"
	KindUsage      TransactionKind = "usage"
	KindRefund     TransactionKind = "refund"
	KindExpiration TransactionKind = "expiration"
)

func (k TransactionKind) String() string {
	return string(k)
}

func (k TransactionKind) Valid() bool {
	return k == KindPurchase || k == KindUsage || k == KindRefund || k == KindExpiration
}

// Transaction is an immutable ledger record. Amount is a magnitude; use Delta
// for the signed effect on the balance.
type Transaction struct {
	ID               string          `db:"id"                json:"id"`
	UserID           int64           `db:"user_id"           json:"user_id"`
	Kind             TransactionKind `db:"kind"              json:"type"`
	Service          ServiceType     `db:"service"           json:"service"`
	Amount           int64           `db:"amount"            json:"amount"`
	Cost             decimal.Decimal `db:"cost"              json:"cost"`
	RemainingBalance int64           `db:"remaining_balance" json:"remaining_balance"`
	Provider         string          `db:"provider"          json:"provider,omitempty"`
	CorrelationID    string          `db:"correlation_id"    json:"correlation_id,omitempty"`
	PaymentMethod    string          `db:"payment_method"    json:"payment_method,omitempty"`
	PaymentID        string          `db:"payment_id"        json:"payment_id,omitempty"`
	Reason           string          `db:"reason"            json:"reason,omitempty"`
	IdempotencyKey   string          `db:"idempotency_key"   json:"-"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
}

// Delta returns the signed balance change this record represents.
func (t Transaction) Delta() int64 {
	switch t.Kind {
	case KindUsage, KindExpiration:
		return -t.Amount
	default:
		return t.Amount
	}
}
