package ledger

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jmehdipour/credits-gateway/internal/model"
)

type balanceKey struct {
	userID  int64
	service model.ServiceType
}

// MemoryStore keeps ledger state in process memory. One mutex serializes
// every transaction and a failed transaction is undone step by step.
// It is meant for tests and single-instance deployments only.
type MemoryStore struct {
	mu sync.Mutex

	balances     map[balanceKey]*model.Balance
	reservations map[string]*model.Reservation
	cohorts      map[string]*model.Cohort
	txns         []model.Transaction
	txnByID      map[string]int
	txnByKey     map[string]int
	outbox       []model.OutboxEvent
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:     map[balanceKey]*model.Balance{},
		reservations: map[string]*model.Reservation{},
		cohorts:      map[string]*model.Cohort{},
		txnByID:      map[string]int{},
		txnByKey:     map[string]int{},
		now:          time.Now,
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) Balance(ctx context.Context, userID int64, svc model.ServiceType) (model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[balanceKey{userID, svc}]; ok {
		return *b, nil
	}
	return model.Balance{UserID: userID, Service: svc}, nil
}

func (s *MemoryStore) Balances(ctx context.Context, userID int64) ([]model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Balance
	for k, b := range s.balances {
		if k.userID == userID {
			out = append(out, *b)
		}
	}
	slices.SortFunc(out, func(a, b model.Balance) int { return cmp.Compare(string(a.Service), string(b.Service)) })
	return out, nil
}

// Transactions returns newest first.
func (s *MemoryStore) Transactions(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transaction
	skipped := 0
	for i := len(s.txns) - 1; i >= 0 && len(out) < limit; i-- {
		t := s.txns[i]
		if t.UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *MemoryStore) Cohorts(ctx context.Context, userID int64, svc model.ServiceType) ([]model.Cohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filterCohorts(func(c *model.Cohort) bool { return c.UserID == userID && c.Service == svc })
	sortByExpiry(out, false)
	return out, nil
}

func (s *MemoryStore) ExpiredCohorts(ctx context.Context, now time.Time, limit int) ([]model.Cohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filterCohorts(func(c *model.Cohort) bool { return c.Remaining > 0 && c.Expired(now) })
	sortByExpiry(out, false)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) StaleReservations(ctx context.Context, before time.Time, limit int) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Reservation
	for _, r := range s.reservations {
		if r.Status == model.ReservationHeld && r.CreatedAt.Before(before) {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b model.Reservation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Outbox returns a copy of every outbox event written so far.
func (s *MemoryStore) Outbox() []model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outbox)
}

func (s *MemoryStore) filterCohorts(keep func(c *model.Cohort) bool) []model.Cohort {
	var out []model.Cohort
	for _, c := range s.cohorts {
		if keep(c) {
			out = append(out, *c)
		}
	}
	return out
}

func sortByExpiry(cs []model.Cohort, desc bool) {
	slices.SortFunc(cs, func(a, b model.Cohort) int {
		c := a.ExpiresAt.Compare(b.ExpiresAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if desc {
			return -c
		}
		return c
	})
}

// memTx runs with the store mutex held.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) LockBalance(ctx context.Context, userID int64, svc model.ServiceType) (model.Balance, error) {
	k := balanceKey{userID, svc}
	b, ok := t.s.balances[k]
	if !ok {
		b = &model.Balance{UserID: userID, Service: svc, UpdatedAt: t.s.now()}
		t.s.balances[k] = b
		t.undo = append(t.undo, func() { delete(t.s.balances, k) })
	}
	return *b, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, userID int64, svc model.ServiceType, dAvailable, dReserved int64) error {
	if dAvailable == 0 && dReserved == 0 {
		return nil
	}
	b, ok := t.s.balances[balanceKey{userID, svc}]
	if !ok {
		b = &model.Balance{}
	}
	if b.Available+dAvailable < 0 || b.Reserved+dReserved < 0 {
		return ErrNegativeBalance
	}
	if !ok {
		if _, err := t.LockBalance(ctx, userID, svc); err != nil {
			return err
		}
		b = t.s.balances[balanceKey{userID, svc}]
	}
	prev := *b
	b.Available += dAvailable
	b.Reserved += dReserved
	b.UpdatedAt = t.s.now()
	t.undo = append(t.undo, func() { *b = prev })
	return nil
}

func (t *memTx) InsertReservation(ctx context.Context, r model.Reservation) error {
	if _, ok := t.s.reservations[r.ID]; ok {
		return ErrDuplicate
	}
	cp := r
	t.s.reservations[r.ID] = &cp
	t.undo = append(t.undo, func() { delete(t.s.reservations, r.ID) })
	return nil
}

func (t *memTx) LockReservation(ctx context.Context, id string) (model.Reservation, error) {
	r, ok := t.s.reservations[id]
	if !ok {
		return model.Reservation{}, ErrReservationNotFound
	}
	return *r, nil
}

func (t *memTx) UpdateReservationStatus(ctx context.Context, id string, status model.ReservationStatus, at time.Time) error {
	r, ok := t.s.reservations[id]
	if !ok {
		return ErrReservationNotFound
	}
	prev := *r
	r.Status = status
	r.UpdatedAt = at
	t.undo = append(t.undo, func() { *r = prev })
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr model.Transaction) error {
	if _, ok := t.s.txnByID[tr.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := t.s.txnByKey[tr.IdempotencyKey]; ok {
		return ErrDuplicate
	}
	idx := len(t.s.txns)
	t.s.txns = append(t.s.txns, tr)
	t.s.txnByID[tr.ID] = idx
	t.s.txnByKey[tr.IdempotencyKey] = idx
	t.undo = append(t.undo, func() {
		t.s.txns = t.s.txns[:idx]
		delete(t.s.txnByID, tr.ID)
		delete(t.s.txnByKey, tr.IdempotencyKey)
	})
	return nil
}

func (t *memTx) TransactionByIdempotencyKey(ctx context.Context, key string) (model.Transaction, bool, error) {
	idx, ok := t.s.txnByKey[key]
	if !ok {
		return model.Transaction{}, false, nil
	}
	return t.s.txns[idx], true, nil
}

func (t *memTx) CorrelationTotals(ctx context.Context, userID int64, svc model.ServiceType, correlationID string) (int64, int64, error) {
	var debited, refunded int64
	for _, tr := range t.s.txns {
		if tr.UserID != userID || tr.Service != svc || tr.CorrelationID != correlationID {
			continue
		}
		switch tr.Kind {
		case model.KindUsage:
			debited += tr.Amount
		case model.KindRefund:
			refunded += tr.Amount
		}
	}
	return debited, refunded, nil
}

func (t *memTx) InsertCohort(ctx context.Context, c model.Cohort) error {
	if _, ok := t.s.cohorts[c.ID]; ok {
		return ErrDuplicate
	}
	cp := c
	t.s.cohorts[c.ID] = &cp
	t.undo = append(t.undo, func() { delete(t.s.cohorts, c.ID) })
	return nil
}

func (t *memTx) LockCohort(ctx context.Context, id string) (model.Cohort, error) {
	c, ok := t.s.cohorts[id]
	if !ok {
		return model.Cohort{}, ErrCohortNotFound
	}
	return *c, nil
}

func (t *memTx) LockOpenCohorts(ctx context.Context, userID int64, svc model.ServiceType) ([]model.Cohort, error) {
	out := t.s.filterCohorts(func(c *model.Cohort) bool {
		return c.UserID == userID && c.Service == svc && c.Remaining > 0
	})
	sortByExpiry(out, false)
	return out, nil
}

func (t *memTx) LockRefillableCohorts(ctx context.Context, userID int64, svc model.ServiceType, now time.Time) ([]model.Cohort, error) {
	out := t.s.filterCohorts(func(c *model.Cohort) bool {
		return c.UserID == userID && c.Service == svc && c.Remaining < c.Amount && !c.Expired(now)
	})
	sortByExpiry(out, true)
	return out, nil
}

func (t *memTx) SetCohortRemaining(ctx context.Context, id string, remaining int64) error {
	c, ok := t.s.cohorts[id]
	if !ok {
		return ErrCohortNotFound
	}
	if remaining < 0 || remaining > c.Amount {
		return ErrNegativeBalance
	}
	prev := c.Remaining
	c.Remaining = remaining
	t.undo = append(t.undo, func() { c.Remaining = prev })
	return nil
}

func (t *memTx) InsertOutbox(ctx context.Context, aggregate, aggregateID, topic string, payload []byte) error {
	now := t.s.now()
	idx := len(t.s.outbox)
	t.s.outbox = append(t.s.outbox, model.OutboxEvent{
		ID:          int64(idx + 1),
		Aggregate:   aggregate,
		AggregateID: aggregateID,
		Topic:       topic,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	t.undo = append(t.undo, func() { t.s.outbox = t.s.outbox[:idx] })
	return nil
}
