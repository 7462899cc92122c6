package payments

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/model"
)

func TestApply_SingleServiceIsIdempotent(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), zap.NewNop())
	p := NewProcessor(l, zap.NewNop())
	pc := model.PaymentConfirmation{
		UserID:        7,
		Service:       model.ServiceEmailVerification,
		Quantity:      100,
		UnitPrice:     decimal.RequireFromString("0.01"),
		PaymentMethod: "card",
		PaymentID:     "pi_1",
	}

	res, err := p.Apply(context.Background(), pc)
	require.NoError(t, err)
	assert.False(t, res.Replay)
	require.Len(t, res.Transactions, 1)
	assert.True(t, decimal.NewFromInt(1).Equal(res.Transactions[0].Cost))

	res, err = p.Apply(context.Background(), pc)
	require.NoError(t, err)
	assert.True(t, res.Replay)

	bal, err := l.Balance(context.Background(), 7, model.ServiceEmailVerification)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestApply_Bundle(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), zap.NewNop())
	p := NewProcessor(l, nil)

	res, err := p.Apply(context.Background(), model.PaymentConfirmation{
		UserID: 7,
		Bundle: map[model.ServiceType]int64{
			model.ServiceLeadLookup: 10,
			model.ServiceCRMWrite:   30,
		},
		TotalPrice: decimal.RequireFromString("20"),
		PaymentID:  "pi_2",
	})
	require.NoError(t, err)
	assert.Len(t, res.Transactions, 2)

	bal, _ := l.Balance(context.Background(), 7, model.ServiceCRMWrite)
	assert.Equal(t, int64(30), bal)
}

func TestApply_Invalid(t *testing.T) {
	p := NewProcessor(ledger.New(ledger.NewMemoryStore(), nil), nil)
	ctx := context.Background()

	cases := map[string]model.PaymentConfirmation{
		"no user":      {Service: model.ServiceLeadLookup, Quantity: 1, PaymentID: "x"},
		"no payment":   {UserID: 1, Service: model.ServiceLeadLookup, Quantity: 1},
		"bad service":  {UserID: 1, Service: "fax", Quantity: 1, PaymentID: "x"},
		"zero qty":     {UserID: 1, Service: model.ServiceLeadLookup, PaymentID: "x"},
		"both shapes":  {UserID: 1, Service: model.ServiceLeadLookup, Bundle: map[model.ServiceType]int64{model.ServiceCRMWrite: 1}, PaymentID: "x"},
		"neg price":    {UserID: 1, Service: model.ServiceLeadLookup, Quantity: 1, UnitPrice: decimal.NewFromInt(-1), PaymentID: "x"},
		"neg duration": {UserID: 1, Service: model.ServiceLeadLookup, Quantity: 1, ExpirationDays: -1, PaymentID: "x"},
	}
	for name, pc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Apply(ctx, pc)
			assert.ErrorIs(t, err, ErrInvalidPayment)
		})
	}
}
