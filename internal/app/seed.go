package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/repository"
)

// StarterCredits is what every active demo user gets per service type.
const StarterCredits = 100

// DemoUsers are deterministic so repeated seeding finds the same rows.
var DemoUsers = []model.User{
	{Name: "Acme Corp", APIKey: "11111111111111111111111111111111", Status: "active", RateLimitMax: intptr(120)},
	{Name: "Foobar LLC", APIKey: "22222222222222222222222222222222", Status: "active", RateLimitMax: intptr(30)},
	{Name: "Beta Testers", APIKey: "33333333333333333333333333333333", Status: "active"},
	{Name: "Suspended Inc", APIKey: "44444444444444444444444444444444", Status: "suspended"},
}

type Seeded struct {
	User     model.User
	Credited int
}

// SeedDemo creates the demo users and grants starter credits. It is safe to
// run repeatedly: users are upserted by API key and credits are keyed by a
// per-user payment id, so replays credit nothing.
func SeedDemo(ctx context.Context, users repository.UsersRepository, l *ledger.Ledger, log *zap.Logger) ([]Seeded, error) {
	out := make([]Seeded, 0, len(DemoUsers))
	for _, u := range DemoUsers {
		id, err := users.Create(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("create user %q: %w", u.Name, err)
		}
		u.ID = id
		s := Seeded{User: u}

		if u.Status == "active" {
			for _, svc := range model.ServiceTypes {
				_, replay, err := l.Credit(ctx, ledger.Purchase{
					UserID:        id,
					Service:       svc,
					Quantity:      StarterCredits,
					UnitPrice:     decimal.Zero,
					PaymentMethod: "seed",
					PaymentID:     fmt.Sprintf("seed-user-%d", id),
				})
				if err != nil {
					return nil, fmt.Errorf("credit %s for %q: %w", svc, u.Name, err)
				}
				if !replay {
					s.Credited++
				}
			}
		}

		log.Info("demo user seeded",
			zap.Int64("user_id", id), zap.String("name", u.Name), zap.Int("services_credited", s.Credited))
		out = append(out, s)
	}
	return out, nil
}

func intptr(i int) *int { return &i }
