package provider

import (
	"errors"
	"sync"
	"time"
)

var ErrBreakerOpen = errors.New("provider: circuit breaker open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker opens after failThreshold consecutive failures and lets a single
// probe through once openFor has elapsed. A successful probe closes it.
type Breaker struct {
	mu               sync.Mutex
	st               breakerState
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	probeInFlight    bool
	now              func() time.Time
}

func NewBreaker(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openFor <= 0 {
		openFor = 15 * time.Second
	}
	return &Breaker{failThreshold: threshold, openFor: openFor, now: time.Now}
}

// Ready reports whether Acquire would currently succeed, without claiming the probe.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st {
	case stateOpen:
		return !b.now().Before(b.nextTryAt) && !b.probeInFlight
	case stateHalfOpen:
		return !b.probeInFlight
	default:
		return true
	}
}

// Acquire claims permission for one call. In the open state the first caller
// after openFor becomes the half-open probe.
func (b *Breaker) Acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case stateOpen:
		if !b.now().Before(b.nextTryAt) && !b.probeInFlight {
			b.st = stateHalfOpen
			b.probeInFlight = true
			return nil
		}
		return ErrBreakerOpen
	case stateHalfOpen:
		if b.probeInFlight {
			return ErrBreakerOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.consecutiveFails = 0
	b.st = stateClosed
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == stateHalfOpen {
		b.trip()
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.failThreshold {
		b.trip()
	}
}

// Abort gives back a claimed call that ended without a verdict, e.g. on
// caller cancellation. An aborted probe leaves the breaker open with the next
// probe allowed immediately.
func (b *Breaker) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == stateHalfOpen {
		b.st = stateOpen
		b.nextTryAt = b.now()
	}
	b.probeInFlight = false
}

func (b *Breaker) trip() {
	b.st = stateOpen
	b.nextTryAt = b.now().Add(b.openFor)
	b.probeInFlight = false
}

func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.String()
}
