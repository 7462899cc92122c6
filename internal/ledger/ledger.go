package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/metrics"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/util"
)

const (
	DefaultOutboxTopic    = "credits.transactions"
	DefaultExpirationDays = 365

	outboxAggregate = "credit_transaction"
	sweepBatch      = 500
)

// Ledger is the only writer of balances, cohorts, reservations and
// transaction records. Every mutating method runs as one store transaction.
//
// Lock order inside a transaction is reservation, balance, cohorts.
type Ledger struct {
	store          Store
	log            *zap.Logger
	now            func() time.Time
	expirationDays int
	outboxTopic    string
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithDefaultExpirationDays(days int) Option {
	return func(l *Ledger) {
		if days > 0 {
			l.expirationDays = days
		}
	}
}

func WithOutboxTopic(topic string) Option {
	return func(l *Ledger) {
		if topic != "" {
			l.outboxTopic = topic
		}
	}
}

func New(store Store, log *zap.Logger, opts ...Option) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		store:          store,
		log:            log,
		now:            time.Now,
		expirationDays: DefaultExpirationDays,
		outboxTopic:    DefaultOutboxTopic,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CommitRequest settles a reservation. Actual is the number of units the
// provider delivered and must not exceed the reserved quantity.
type CommitRequest struct {
	Actual        int64
	UnitCost      decimal.Decimal
	Provider      string
	CorrelationID string
}

type Purchase struct {
	UserID         int64
	Service        model.ServiceType
	Quantity       int64
	UnitPrice      decimal.Decimal
	PaymentMethod  string
	PaymentID      string
	ExpirationDays int
}

// BundlePurchase credits several service types under one payment.
// TotalPrice is split across lines in proportion to their quantities.
type BundlePurchase struct {
	UserID         int64
	Items          map[model.ServiceType]int64
	TotalPrice     decimal.Decimal
	PaymentMethod  string
	PaymentID      string
	ExpirationDays int
}

type RefundRequest struct {
	UserID        int64
	Service       model.ServiceType
	Quantity      int64
	Reason        string
	CorrelationID string
}

func usageKey(reservationID string) string { return "usage:" + reservationID }

func purchaseKey(paymentID string, svc model.ServiceType) string {
	return "purchase:" + paymentID + ":" + string(svc)
}

// expirationKey names one expiry debit of a cohort. A cohort whose credits are
// held by reservations is debited in steps, each from a smaller remainder.
func expirationKey(cohortID string, remaining int64) string {
	return "expire:" + cohortID + ":" + strconv.FormatInt(remaining, 10)
}

func validate(svc model.ServiceType, qty int64) error {
	if !svc.Valid() {
		return ErrUnknownService
	}
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return nil
}

// Balance returns the spendable credits; zero for a user that never held the service.
func (l *Ledger) Balance(ctx context.Context, userID int64, svc model.ServiceType) (int64, error) {
	if !svc.Valid() {
		return 0, ErrUnknownService
	}
	b, err := l.store.Balance(ctx, userID, svc)
	if err != nil {
		return 0, err
	}
	return b.Available, nil
}

// Balances returns one entry per known service type, zero-filled.
func (l *Ledger) Balances(ctx context.Context, userID int64) ([]model.Balance, error) {
	rows, err := l.store.Balances(ctx, userID)
	if err != nil {
		return nil, err
	}
	byService := make(map[model.ServiceType]model.Balance, len(rows))
	for _, b := range rows {
		byService[b.Service] = b
	}
	out := make([]model.Balance, 0, len(model.ServiceTypes))
	for _, svc := range model.ServiceTypes {
		b, ok := byService[svc]
		if !ok {
			b = model.Balance{UserID: userID, Service: svc}
		}
		out = append(out, b)
	}
	return out, nil
}

func (l *Ledger) Transactions(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.Transactions(ctx, userID, limit, offset)
}

func (l *Ledger) Cohorts(ctx context.Context, userID int64, svc model.ServiceType) ([]model.Cohort, error) {
	if !svc.Valid() {
		return nil, ErrUnknownService
	}
	return l.store.Cohorts(ctx, userID, svc)
}

// Reserve atomically checks available >= qty and moves qty into reserved.
// It writes no transaction record.
func (l *Ledger) Reserve(ctx context.Context, userID int64, svc model.ServiceType, qty int64) (model.Reservation, error) {
	if err := validate(svc, qty); err != nil {
		return model.Reservation{}, err
	}

	now := l.now()
	res := model.Reservation{
		ID:        util.NewWithPrefix("rsv"),
		UserID:    userID,
		Service:   svc,
		Quantity:  qty,
		Status:    model.ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := l.store.WithTx(ctx, func(tx Tx) error {
		bal, err := tx.LockBalance(ctx, userID, svc)
		if err != nil {
			return err
		}
		if bal.Available < qty {
			return &InsufficientCreditsError{UserID: userID, Service: svc, Required: qty, Available: bal.Available}
		}
		if err := l.adjust(ctx, tx, "reserve", userID, svc, -qty, qty); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, res)
	})
	l.observe("reserve", err)
	if err != nil {
		return model.Reservation{}, err
	}
	return res, nil
}

// Commit permanently debits req.Actual units of the reservation and returns
// the remainder to available. Committing an already committed reservation
// returns the original usage record without touching balances.
func (l *Ledger) Commit(ctx context.Context, token string, req CommitRequest) (model.Transaction, error) {
	var out model.Transaction
	err := l.store.WithTx(ctx, func(tx Tx) error {
		out = model.Transaction{}

		res, err := tx.LockReservation(ctx, token)
		if err != nil {
			return err
		}
		switch res.Status {
		case model.ReservationCommitted:
			t, ok, err := tx.TransactionByIdempotencyKey(ctx, usageKey(token))
			if err != nil {
				return err
			}
			if ok {
				out = t
			}
			return nil
		case model.ReservationReleased:
			return ErrReservationClosed
		}

		if req.Actual < 0 || req.Actual > res.Quantity {
			return &IntegrityError{
				Op: "commit", UserID: res.UserID, Service: res.Service,
				Reason: fmt.Sprintf("actual %d outside reservation of %d", req.Actual, res.Quantity),
			}
		}

		bal, err := tx.LockBalance(ctx, res.UserID, res.Service)
		if err != nil {
			return err
		}
		if bal.Reserved < res.Quantity {
			return &IntegrityError{
				Op: "commit", UserID: res.UserID, Service: res.Service,
				Reason: fmt.Sprintf("reserved %d below reservation of %d", bal.Reserved, res.Quantity),
			}
		}
		if err := l.adjust(ctx, tx, "commit", res.UserID, res.Service, res.Quantity-req.Actual, -res.Quantity); err != nil {
			return err
		}
		if err := l.consumeCohorts(ctx, tx, res.UserID, res.Service, req.Actual); err != nil {
			return err
		}

		now := l.now()
		if err := tx.UpdateReservationStatus(ctx, token, model.ReservationCommitted, now); err != nil {
			return err
		}
		if req.Actual == 0 {
			return nil
		}

		out = model.Transaction{
			ID:               util.NewWithPrefix("txn"),
			UserID:           res.UserID,
			Kind:             model.KindUsage,
			Service:          res.Service,
			Amount:           req.Actual,
			Cost:             req.UnitCost.Mul(decimal.NewFromInt(req.Actual)),
			RemainingBalance: bal.Available + res.Quantity - req.Actual,
			Provider:         req.Provider,
			CorrelationID:    req.CorrelationID,
			IdempotencyKey:   usageKey(token),
			CreatedAt:        now,
		}
		return l.record(ctx, tx, out)
	})
	l.observe("commit", err)
	if err != nil {
		return model.Transaction{}, err
	}
	l.count(out)
	return out, nil
}

// Release returns every reserved unit to available. Releasing a released
// reservation is a no-op; releasing a committed one fails.
func (l *Ledger) Release(ctx context.Context, token string) error {
	err := l.store.WithTx(ctx, func(tx Tx) error {
		res, err := tx.LockReservation(ctx, token)
		if err != nil {
			return err
		}
		switch res.Status {
		case model.ReservationReleased:
			return nil
		case model.ReservationCommitted:
			return ErrReservationClosed
		}

		if _, err := tx.LockBalance(ctx, res.UserID, res.Service); err != nil {
			return err
		}
		if err := l.adjust(ctx, tx, "release", res.UserID, res.Service, res.Quantity, -res.Quantity); err != nil {
			return err
		}
		return tx.UpdateReservationStatus(ctx, token, model.ReservationReleased, l.now())
	})
	l.observe("release", err)
	return err
}

// Credit adds purchased units, opens an expiration cohort and writes a
// purchase record. Replaying a payment returns the first record and
// replay=true.
func (l *Ledger) Credit(ctx context.Context, p Purchase) (model.Transaction, bool, error) {
	if err := validate(p.Service, p.Quantity); err != nil {
		return model.Transaction{}, false, err
	}
	if p.PaymentID == "" {
		return model.Transaction{}, false, ErrMissingPaymentID
	}

	line := creditLine{
		userID:         p.UserID,
		service:        p.Service,
		quantity:       p.Quantity,
		cost:           p.UnitPrice.Mul(decimal.NewFromInt(p.Quantity)),
		paymentMethod:  p.PaymentMethod,
		paymentID:      p.PaymentID,
		expirationDays: p.ExpirationDays,
	}

	var (
		out    model.Transaction
		replay bool
	)
	run := func() error {
		return l.store.WithTx(ctx, func(tx Tx) error {
			var err error
			out, replay, err = l.credit(ctx, tx, line)
			return err
		})
	}

	err := run()
	if errors.Is(err, ErrDuplicate) {
		// a concurrent delivery of the same payment won the insert
		err = run()
	}
	l.observe("credit", err)
	if err != nil {
		return model.Transaction{}, false, err
	}
	if !replay {
		l.count(out)
	}
	return out, replay, nil
}

// CreditBundle credits every line of the bundle in one store transaction.
// Lines already credited under the payment id are returned as they were;
// replay is true only when every line was.
func (l *Ledger) CreditBundle(ctx context.Context, b BundlePurchase) ([]model.Transaction, bool, error) {
	if len(b.Items) == 0 {
		return nil, false, ErrInvalidQuantity
	}
	if b.PaymentID == "" {
		return nil, false, ErrMissingPaymentID
	}

	services := make([]model.ServiceType, 0, len(b.Items))
	var units int64
	for svc, qty := range b.Items {
		if err := validate(svc, qty); err != nil {
			return nil, false, err
		}
		services = append(services, svc)
		units += qty
	}
	slices.Sort(services)

	lines := make([]creditLine, len(services))
	allocated := decimal.Zero
	for i, svc := range services {
		cost := b.TotalPrice.Sub(allocated)
		if i < len(services)-1 {
			cost = b.TotalPrice.Mul(decimal.NewFromInt(b.Items[svc])).Div(decimal.NewFromInt(units)).Round(2)
		}
		allocated = allocated.Add(cost)
		lines[i] = creditLine{
			userID:         b.UserID,
			service:        svc,
			quantity:       b.Items[svc],
			cost:           cost,
			paymentMethod:  b.PaymentMethod,
			paymentID:      b.PaymentID,
			expirationDays: b.ExpirationDays,
		}
	}

	var (
		out     []model.Transaction
		replays int
	)
	run := func() error {
		return l.store.WithTx(ctx, func(tx Tx) error {
			out, replays = out[:0], 0
			for _, line := range lines {
				t, replay, err := l.credit(ctx, tx, line)
				if err != nil {
					return err
				}
				if replay {
					replays++
				}
				out = append(out, t)
			}
			return nil
		})
	}

	err := run()
	if errors.Is(err, ErrDuplicate) {
		err = run()
	}
	l.observe("credit", err)
	if err != nil {
		return nil, false, err
	}
	if replays < len(out) {
		for _, t := range out {
			l.count(t)
		}
	}
	return out, replays == len(out), nil
}

type creditLine struct {
	userID         int64
	service        model.ServiceType
	quantity       int64
	cost           decimal.Decimal
	paymentMethod  string
	paymentID      string
	expirationDays int
}

func (l *Ledger) credit(ctx context.Context, tx Tx, line creditLine) (model.Transaction, bool, error) {
	bal, err := tx.LockBalance(ctx, line.userID, line.service)
	if err != nil {
		return model.Transaction{}, false, err
	}

	key := purchaseKey(line.paymentID, line.service)
	prev, ok, err := tx.TransactionByIdempotencyKey(ctx, key)
	if err != nil {
		return model.Transaction{}, false, err
	}
	if ok {
		return prev, true, nil
	}

	if err := l.adjust(ctx, tx, "credit", line.userID, line.service, line.quantity, 0); err != nil {
		return model.Transaction{}, false, err
	}

	days := line.expirationDays
	if days <= 0 {
		days = l.expirationDays
	}
	now := l.now()
	cohort := model.Cohort{
		ID:          util.NewWithPrefix("coh"),
		UserID:      line.userID,
		Service:     line.service,
		Amount:      line.quantity,
		Remaining:   line.quantity,
		PurchasedAt: now,
		ExpiresAt:   now.AddDate(0, 0, days),
	}
	if err := tx.InsertCohort(ctx, cohort); err != nil {
		return model.Transaction{}, false, err
	}

	t := model.Transaction{
		ID:               util.NewWithPrefix("txn"),
		UserID:           line.userID,
		Kind:             model.KindPurchase,
		Service:          line.service,
		Amount:           line.quantity,
		Cost:             line.cost,
		RemainingBalance: bal.Available + line.quantity,
		PaymentMethod:    line.paymentMethod,
		PaymentID:        line.paymentID,
		IdempotencyKey:   key,
		CreatedAt:        now,
	}
	if err := l.record(ctx, tx, t); err != nil {
		return model.Transaction{}, false, err
	}
	return t, false, nil
}

// Refund returns units previously debited under req.CorrelationID. The total
// refunded under one correlation id never exceeds what was debited under it.
func (l *Ledger) Refund(ctx context.Context, req RefundRequest) (model.Transaction, error) {
	if err := validate(req.Service, req.Quantity); err != nil {
		return model.Transaction{}, err
	}
	if req.CorrelationID == "" {
		return model.Transaction{}, ErrMissingCorrelation
	}

	var out model.Transaction
	err := l.store.WithTx(ctx, func(tx Tx) error {
		bal, err := tx.LockBalance(ctx, req.UserID, req.Service)
		if err != nil {
			return err
		}
		debited, refunded, err := tx.CorrelationTotals(ctx, req.UserID, req.Service, req.CorrelationID)
		if err != nil {
			return err
		}
		if refundable := debited - refunded; req.Quantity > refundable {
			return &IntegrityError{
				Op: "refund", UserID: req.UserID, Service: req.Service,
				Reason: fmt.Sprintf("refund %d exceeds refundable %d for %s", req.Quantity, refundable, req.CorrelationID),
			}
		}
		if err := l.adjust(ctx, tx, "refund", req.UserID, req.Service, req.Quantity, 0); err != nil {
			return err
		}

		now := l.now()
		cohorts, err := tx.LockRefillableCohorts(ctx, req.UserID, req.Service, now)
		if err != nil {
			return err
		}
		left := req.Quantity
		for _, c := range cohorts {
			if left == 0 {
				break
			}
			add := min(c.Amount-c.Remaining, left)
			if err := tx.SetCohortRemaining(ctx, c.ID, c.Remaining+add); err != nil {
				return err
			}
			left -= add
		}

		out = model.Transaction{
			ID:               util.NewWithPrefix("txn"),
			UserID:           req.UserID,
			Kind:             model.KindRefund,
			Service:          req.Service,
			Amount:           req.Quantity,
			Cost:             decimal.Zero,
			RemainingBalance: bal.Available + req.Quantity,
			CorrelationID:    req.CorrelationID,
			Reason:           req.Reason,
			IdempotencyKey:   "refund:" + util.New(),
			CreatedAt:        now,
		}
		return l.record(ctx, tx, out)
	})
	l.observe("refund", err)
	if err != nil {
		return model.Transaction{}, err
	}
	l.count(out)
	return out, nil
}

// ExpireCohorts zeroes cohorts whose expiry has passed and debits what is
// still spendable of them. Each cohort is settled in its own transaction.
func (l *Ledger) ExpireCohorts(ctx context.Context, now time.Time) (int, error) {
	cohorts, err := l.store.ExpiredCohorts(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, c := range cohorts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var rec model.Transaction
		err := l.store.WithTx(ctx, func(tx Tx) error {
			rec = model.Transaction{}
			bal, err := tx.LockBalance(ctx, c.UserID, c.Service)
			if err != nil {
				return err
			}
			cur, err := tx.LockCohort(ctx, c.ID)
			if err != nil {
				return err
			}
			if cur.Inert() || !cur.Expired(now) {
				return nil
			}
			// held credits stay on the cohort until their reservation settles;
			// a commit consumes them, a release leaves them for the next sweep
			debit := min(cur.Remaining, bal.Available)
			if debit == 0 {
				return nil
			}
			if err := tx.SetCohortRemaining(ctx, cur.ID, cur.Remaining-debit); err != nil {
				return err
			}
			if err := l.adjust(ctx, tx, "expire", cur.UserID, cur.Service, -debit, 0); err != nil {
				return err
			}
			rec = model.Transaction{
				ID:               util.NewWithPrefix("txn"),
				UserID:           cur.UserID,
				Kind:             model.KindExpiration,
				Service:          cur.Service,
				Amount:           debit,
				Cost:             decimal.Zero,
				RemainingBalance: bal.Available - debit,
				Reason:           "cohort " + cur.ID + " expired",
				IdempotencyKey:   expirationKey(cur.ID, cur.Remaining),
				CreatedAt:        l.now(),
			}
			return l.record(ctx, tx, rec)
		})
		l.observe("expire", err)
		if err != nil {
			l.log.Warn("expire cohort failed", zap.String("cohort_id", c.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("cohort %s: %w", c.ID, err))
			continue
		}
		if rec.ID != "" {
			expired++
			l.count(rec)
		}
	}
	return expired, errors.Join(errs...)
}

// ReleaseStale releases reservations still held after olderThan. Reservations
// committed concurrently are skipped.
func (l *Ledger) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := l.store.StaleReservations(ctx, l.now().Add(-olderThan), sweepBatch)
	if err != nil {
		return 0, err
	}

	var (
		released int
		errs     []error
	)
	for _, r := range stale {
		err := l.Release(ctx, r.ID)
		switch {
		case err == nil:
			released++
			l.log.Warn("released stale reservation",
				zap.String("reservation_id", r.ID),
				zap.Int64("user_id", r.UserID),
				zap.String("service", r.Service.String()),
				zap.Int64("quantity", r.Quantity),
				zap.Time("created_at", r.CreatedAt),
			)
		case errors.Is(err, ErrReservationClosed):
		default:
			errs = append(errs, fmt.Errorf("reservation %s: %w", r.ID, err))
		}
	}
	return released, errors.Join(errs...)
}

func (l *Ledger) consumeCohorts(ctx context.Context, tx Tx, userID int64, svc model.ServiceType, n int64) error {
	if n == 0 {
		return nil
	}
	cohorts, err := tx.LockOpenCohorts(ctx, userID, svc)
	if err != nil {
		return err
	}
	left := n
	for _, c := range cohorts {
		if left == 0 {
			break
		}
		take := min(c.Remaining, left)
		if err := tx.SetCohortRemaining(ctx, c.ID, c.Remaining-take); err != nil {
			return err
		}
		left -= take
	}
	if left > 0 {
		l.log.Debug("usage not covered by cohorts",
			zap.Int64("user_id", userID), zap.String("service", svc.String()), zap.Int64("uncovered", left))
	}
	return nil
}

func (l *Ledger) adjust(ctx context.Context, tx Tx, op string, userID int64, svc model.ServiceType, dAvail, dRsv int64) error {
	err := tx.AdjustBalance(ctx, userID, svc, dAvail, dRsv)
	if errors.Is(err, ErrNegativeBalance) {
		return &IntegrityError{
			Op: op, UserID: userID, Service: svc,
			Reason: fmt.Sprintf("adjust available %+d reserved %+d", dAvail, dRsv),
			Err:    err,
		}
	}
	return err
}

// record appends the transaction and its outbox event.
func (l *Ledger) record(ctx context.Context, tx Tx, t model.Transaction) error {
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.InsertOutbox(ctx, outboxAggregate, t.ID, l.outboxTopic, payload)
}

func (l *Ledger) count(t model.Transaction) {
	if t.ID == "" {
		return
	}
	metrics.CreditsMovedTotal.WithLabelValues(t.Kind.String(), t.Service.String()).Add(float64(t.Amount))
}

func (l *Ledger) observe(op string, err error) {
	var ie *IntegrityError
	switch {
	case err == nil:
		metrics.LedgerOpsTotal.WithLabelValues(op, "ok").Inc()
	case IsInsufficientCredits(err):
		metrics.LedgerOpsTotal.WithLabelValues(op, "rejected").Inc()
	case errors.As(err, &ie):
		metrics.LedgerOpsTotal.WithLabelValues(op, "error").Inc()
		metrics.LedgerIntegrityErrors.WithLabelValues(op).Inc()
		l.log.Error("ledger integrity violation",
			zap.String("op", ie.Op),
			zap.Int64("user_id", ie.UserID),
			zap.String("service", ie.Service.String()),
			zap.String("reason", ie.Reason),
			zap.Error(ie.Err),
		)
	default:
		metrics.LedgerOpsTotal.WithLabelValues(op, "error").Inc()
	}
}
