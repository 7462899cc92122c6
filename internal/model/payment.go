package model

import "github.com/shopspring/decimal"

// PaymentConfirmation is delivered (at least once) by the payment provider,
// either to the HTTP callback or on the payments Kafka topic.
// Either Service+Quantity (priced per unit) or Bundle (priced as a whole by
// TotalPrice) is set.
type PaymentConfirmation struct {
	UserID         int64                 `json:"user_id"`
	Service        ServiceType           `json:"service,omitempty"`
	Quantity       int64                 `json:"quantity,omitempty"`
	Bundle         map[ServiceType]int64 `json:"bundle,omitempty"`
	UnitPrice      decimal.Decimal       `json:"unit_price"`
	TotalPrice     decimal.Decimal       `json:"total_price"`
	PaymentMethod  string                `json:"payment_method"`
	PaymentID      string                `json:"payment_id"`
	ExpirationDays int                   `json:"expiration_days,omitempty"`
}

func (p PaymentConfirmation) IsBundle() bool { return len(p.Bundle) > 0 }
