package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/config"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/provider"
)

func TestOpenStores_Memory(t *testing.T) {
	s, err := OpenStores(config.Config{Ledger: config.LedgerConfig{Driver: config.DriverMemory}})
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.Outbox)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpenStores_UnknownDriver(t *testing.T) {
	_, err := OpenStores(config.Config{Ledger: config.LedgerConfig{Driver: "sqlite"}})
	assert.ErrorContains(t, err, "sqlite")
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry([]config.ProviderConfig{
		{Name: "leads", Kind: "mock", Service: "lead_lookup", Enabled: true, Batch: true},
		{Name: "crm", Kind: "http", Service: "crm_write", Enabled: true, BaseURL: "http://crm.local"},
		{Name: "off", Kind: "mock", Service: "tech_stack_lookup", Enabled: false},
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []model.ServiceType{model.ServiceLeadLookup, model.ServiceCRMWrite}, reg.Services())

	c, err := reg.Pick(model.ServiceLeadLookup)
	require.NoError(t, err)
	assert.Equal(t, "leads", c.Name())
	assert.True(t, c.Batch())

	c, err = reg.Pick(model.ServiceCRMWrite)
	require.NoError(t, err)
	assert.IsType(t, &provider.HTTPJobClient{}, c)

	_, err = reg.Pick(model.ServiceTechStackLookup)
	assert.ErrorIs(t, err, provider.ErrNoProvider)
}

func TestNewRegistry_UnsupportedKind(t *testing.T) {
	_, err := NewRegistry([]config.ProviderConfig{
		{Name: "grpc", Kind: "grpc", Service: "lead_lookup", Enabled: true},
	}, zap.NewNop())
	assert.ErrorContains(t, err, "unsupported kind")
}

func TestNewLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{
		Redis: config.RedisConfig{Addr: mr.Addr()},
		RateLimit: config.RateLimitConfig{
			Prefix:  "rl:",
			Default: config.RuleConfig{MaxRequests: 2, Window: time.Minute},
			Routes:  map[string]config.RuleConfig{"read": {MaxRequests: 1, Window: time.Minute}},
		},
	}

	lim, closeFn, err := NewLimiter(cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	ctx := context.Background()
	assert.True(t, lim.Admit(ctx, "u1", "read").Allowed)
	assert.False(t, lim.Admit(ctx, "u1", "read").Allowed)
	assert.True(t, lim.Admit(ctx, "u1", "lead_lookup").Allowed)
	assert.NotEmpty(t, mr.Keys())
}

func TestNewLimiter_MemoryWithoutRedis(t *testing.T) {
	lim, closeFn, err := NewLimiter(config.Config{
		RateLimit: config.RateLimitConfig{Default: config.RuleConfig{MaxRequests: 1, Window: time.Minute}},
	}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	assert.True(t, lim.Admit(context.Background(), "u1", "x").Allowed)
	assert.False(t, lim.Admit(context.Background(), "u1", "x").Allowed)
}

func TestSeedDemo_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, err := OpenStores(config.Config{Ledger: config.LedgerConfig{Driver: config.DriverMemory}})
	require.NoError(t, err)
	l := NewLedger(config.Config{}, s.Ledger, zap.NewNop())

	first, err := SeedDemo(ctx, s.Users, l, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, first, len(DemoUsers))
	assert.Equal(t, len(model.ServiceTypes), first[0].Credited)
	assert.Zero(t, first[3].Credited, "suspended users get no credits")

	second, err := SeedDemo(ctx, s.Users, l, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, first[0].User.ID, second[0].User.ID)
	assert.Zero(t, second[0].Credited)

	bal, err := l.Balance(ctx, first[0].User.ID, model.ServiceWhatsAppMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(StarterCredits), bal)

	u, err := s.Users.GetByAPIKey(ctx, DemoUsers[0].APIKey)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, 120, *u.RateLimitMax)
}
