package http

import (
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/repository"
	"github.com/jmehdipour/credits-gateway/internal/service/payments"
	"github.com/jmehdipour/credits-gateway/internal/service/usage"
)

type handlers struct {
	ledger   *ledger.Ledger
	usage    *usage.Service
	payments *payments.Processor
	reports  repository.CHTransactionsRepository
	log      *zap.Logger

	topUpURL string
	secret   string
}
