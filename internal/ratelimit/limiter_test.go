package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newRedisLimiter(t *testing.T, cfg Config, c *clock) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(NewRedisStore(rdb), cfg, zap.NewNop(), WithClock(c.now)), mr
}

func TestAdmit_FivePerMinute(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 10, 0, 5, 0, time.UTC)}
	l, mr := newRedisLimiter(t, Config{Default: Rule{MaxRequests: 5, Window: time.Minute}}, c)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d := l.Admit(ctx, "user-1", "lookup")
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, int64(i), d.Count)
		assert.Equal(t, 5, d.Limit)
	}

	c.t = c.t.Add(10 * time.Second)
	d := l.Admit(ctx, "user-1", "lookup")
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(6), d.Count)
	assert.Equal(t, 45*time.Second, d.RetryAfter)
	assert.Equal(t, 45, RetryAfterSeconds(d.RetryAfter))

	key := "rl:user-1:lookup:" + "1740823200"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 2*time.Minute, mr.TTL(key))

	c.t = c.t.Add(45 * time.Second)
	d = l.Admit(ctx, "user-1", "lookup")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestAdmit_KeysAreIsolated(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	l, _ := newRedisLimiter(t, Config{Default: Rule{MaxRequests: 1, Window: time.Minute}}, c)
	ctx := context.Background()

	assert.True(t, l.Admit(ctx, "a", "lookup").Allowed)
	assert.False(t, l.Admit(ctx, "a", "lookup").Allowed)
	assert.True(t, l.Admit(ctx, "b", "lookup").Allowed)
	assert.True(t, l.Admit(ctx, "a", "verify").Allowed)
}

func TestAdmit_RouteRulesAndOverride(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := New(NewMemoryStore(), Config{
		Default: Rule{MaxRequests: 1, Window: time.Minute},
		Routes: map[string]Rule{
			"balance": {MaxRequests: 3},
			"open":    {MaxRequests: 0},
		},
	}, nil, WithClock(c.now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Admit(ctx, "u", "balance").Allowed)
	}
	assert.False(t, l.Admit(ctx, "u", "balance").Allowed)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Admit(ctx, "u", "open").Allowed)
	}

	assert.True(t, l.AdmitMax(ctx, "u", "lookup", 2).Allowed)
	assert.True(t, l.AdmitMax(ctx, "u", "lookup", 2).Allowed)
	d := l.AdmitMax(ctx, "u", "lookup", 2)
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.Limit)
}

func TestAdmit_FailsOpenWhenStoreIsDown(t *testing.T) {
	c := &clock{t: time.Now()}
	l, mr := newRedisLimiter(t, Config{Default: Rule{MaxRequests: 1, Window: time.Minute}}, c)
	mr.Close()

	for i := 0; i < 3; i++ {
		d := l.Admit(context.Background(), "u", "lookup")
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(0), d.Count)
	}
}

func TestMemoryStore_ExpiresEntries(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	n, _ := s.Incr(ctx, "k", time.Second)
	assert.Equal(t, int64(1), n)
	n, _ = s.Incr(ctx, "k", time.Second)
	assert.Equal(t, int64(2), n)

	now = now.Add(2 * time.Second)
	n, _ = s.Incr(ctx, "k", time.Second)
	assert.Equal(t, int64(1), n)
}
