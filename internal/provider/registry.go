package provider

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/orchestrator"
)

var (
	ErrNoProvider = errors.New("provider: no provider configured for service")
	ErrNoHealthy  = errors.New("provider: no healthy providers")
)

// readiness is implemented by clients that can shed load, e.g. behind an open breaker.
type readiness interface {
	Ready() bool
}

// Registry holds the provider clients per service type and spreads jobs
// across the healthy ones round-robin.
type Registry struct {
	mu        sync.RWMutex
	byService map[model.ServiceType][]orchestrator.Client
	counters  map[model.ServiceType]*atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{
		byService: map[model.ServiceType][]orchestrator.Client{},
		counters:  map[model.ServiceType]*atomic.Uint64{},
	}
}

func (r *Registry) Register(svc model.ServiceType, c orchestrator.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byService[svc] = append(r.byService[svc], c)
	if _, ok := r.counters[svc]; !ok {
		r.counters[svc] = &atomic.Uint64{}
	}
}

// Pick returns the next healthy client for svc.
func (r *Registry) Pick(svc model.ServiceType) (orchestrator.Client, error) {
	r.mu.RLock()
	clients := r.byService[svc]
	counter := r.counters[svc]
	r.mu.RUnlock()

	if len(clients) == 0 {
		return nil, ErrNoProvider
	}

	healthy := make([]orchestrator.Client, 0, len(clients))
	for _, c := range clients {
		if rc, ok := c.(readiness); ok && !rc.Ready() {
			continue
		}
		healthy = append(healthy, c)
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := counter.Add(1)
	return healthy[int((x-1)%uint64(len(healthy)))], nil
}

// Services lists the service types with at least one provider.
func (r *Registry) Services() []model.ServiceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ServiceType, 0, len(r.byService))
	for _, svc := range model.ServiceTypes {
		if len(r.byService[svc]) > 0 {
			out = append(out, svc)
		}
	}
	return out
}
