package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/orchestrator"
)

// Mock is an in-process provider. It answers pending for a configurable
// number of polls and then returns one result per submitted item.
// It backs the "mock" provider kind and the tests.
type Mock struct {
	name         string
	service      model.ServiceType
	batch        bool
	pendingPolls int
	pollErrors   int
	neverFinish  bool
	submitErr    error
	jobFailure   string
	failItem     func(item string) bool
	malformed    bool

	mu     sync.Mutex
	seq    int
	jobs   map[string]*mockJob
	submit int
}

type mockJob struct {
	items []string
	polls int
}

type MockOption func(*Mock)

func WithBatch(batch bool) MockOption { return func(m *Mock) { m.batch = batch } }

// WithPendingPolls makes the first n polls of every job report pending.
func WithPendingPolls(n int) MockOption { return func(m *Mock) { m.pendingPolls = n } }

// WithPollErrors makes the first n polls of every job fail at the transport level.
func WithPollErrors(n int) MockOption { return func(m *Mock) { m.pollErrors = n } }

func WithNeverFinish() MockOption { return func(m *Mock) { m.neverFinish = true } }

func WithSubmitError(err error) MockOption { return func(m *Mock) { m.submitErr = err } }

func WithJobFailure(detail string) MockOption { return func(m *Mock) { m.jobFailure = detail } }

func WithItemFailure(fn func(item string) bool) MockOption {
	return func(m *Mock) { m.failItem = fn }
}

// WithMalformedResult makes succeeded jobs carry a payload that cannot be normalized.
func WithMalformedResult() MockOption { return func(m *Mock) { m.malformed = true } }

func NewMock(name string, svc model.ServiceType, opts ...MockOption) *Mock {
	m := &Mock{name: name, service: svc, jobs: map[string]*mockJob{}}
	for _, o := range opts {
		o(m)
	}
	return m
}

var _ orchestrator.Client = (*Mock)(nil)

func (m *Mock) Name() string { return m.name }
func (m *Mock) Batch() bool  { return m.batch }

// Open returns how many accepted jobs have not reached a terminal poll.
func (m *Mock) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Submissions returns how many jobs were accepted.
func (m *Mock) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submit
}

func (m *Mock) Submit(ctx context.Context, in orchestrator.Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.submit++
	id := m.name + "-job-" + strconv.Itoa(m.seq)
	m.jobs[id] = &mockJob{items: append([]string(nil), in.Items...)}
	return id, nil
}

func (m *Mock) Poll(ctx context.Context, jobID string) (orchestrator.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return orchestrator.PollResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return orchestrator.PollResult{}, fmt.Errorf("unknown job %s", jobID)
	}
	job.polls++

	switch {
	case job.polls <= m.pollErrors:
		return orchestrator.PollResult{}, errors.New("connection reset by peer")
	case m.neverFinish || job.polls <= m.pollErrors+m.pendingPolls:
		return orchestrator.PollResult{Status: orchestrator.StatusPending}, nil
	}

	// terminal from here on, the job is forgotten
	delete(m.jobs, jobID)
	switch {
	case m.jobFailure != "":
		return orchestrator.PollResult{Status: orchestrator.StatusFailed, Detail: m.jobFailure}, nil
	case m.malformed:
		return orchestrator.PollResult{Status: orchestrator.StatusSucceeded, Payload: json.RawMessage(`{"oops":`)}, nil
	}

	keyField := KeyField(m.service)
	result := make([]map[string]any, 0, len(job.items))
	for _, item := range job.items {
		if m.failItem != nil && m.failItem(item) {
			result = append(result, map[string]any{keyField: item, "error": "no match"})
			continue
		}
		result = append(result, map[string]any{keyField: item, "source": m.name, "matched": true})
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return orchestrator.PollResult{}, err
	}
	return orchestrator.PollResult{Status: orchestrator.StatusSucceeded, Payload: payload}, nil
}

func (m *Mock) Normalize(payload json.RawMessage) ([]model.Record, error) {
	return NormalizeRecords(m.name, m.service, payload, time.Now())
}
