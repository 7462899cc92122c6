package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/metrics"
	"github.com/jmehdipour/credits-gateway/internal/model"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Input is one unit of work handed to a provider: a single item, or every
// item of the request when the provider takes batches.
type Input struct {
	Service model.ServiceType `json:"service"`
	Items   []string          `json:"items"`
	Params  map[string]string `json:"params,omitempty"`
}

type PollResult struct {
	Status  JobStatus
	Payload json.RawMessage
	Detail  string
}

// Client is a stateless adapter for one external provider. Every call must
// honour ctx so that cancellation aborts requests in flight.
type Client interface {
	Name() string
	// Batch reports whether Submit accepts more than one item per job.
	Batch() bool
	Submit(ctx context.Context, in Input) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (PollResult, error)
	Normalize(payload json.RawMessage) ([]model.Record, error)
}

// Budget bounds a single job. Whichever of MaxPollAttempts and TotalTimeout
// runs out first ends polling; a zero MaxPollAttempts means no attempt cap.
type Budget struct {
	TotalTimeout      time.Duration
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	MaxPollAttempts   int
	BackoffMultiplier float64
}

func DefaultBudget() Budget {
	return Budget{
		TotalTimeout:      40 * time.Second,
		PollInterval:      2 * time.Second,
		MaxPollInterval:   10 * time.Second,
		MaxPollAttempts:   20,
		BackoffMultiplier: 1.5,
	}
}

func (b Budget) normalized() Budget {
	d := DefaultBudget()
	if b.TotalTimeout <= 0 {
		b.TotalTimeout = d.TotalTimeout
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.MaxPollInterval < b.PollInterval {
		b.MaxPollInterval = b.PollInterval
	}
	if b.MaxPollAttempts < 0 {
		b.MaxPollAttempts = 0
	}
	if b.BackoffMultiplier < 1 {
		b.BackoffMultiplier = 1
	}
	return b
}

func (b Budget) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * b.BackoffMultiplier)
	if n > b.MaxPollInterval {
		return b.MaxPollInterval
	}
	return n
}

type OutcomeKind int

const (
	Succeeded OutcomeKind = iota + 1
	Failed
	TimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Outcome is the terminal state of one job. Records is set only for
// Succeeded, Detail only for Failed, Cancelled only for TimedOut.
type Outcome struct {
	Kind      OutcomeKind
	Provider  string
	JobID     string
	Records   []model.Record
	Detail    string
	Attempts  int
	Cancelled bool
	Elapsed   time.Duration
}

func (o Outcome) label() string {
	if o.Kind == TimedOut && o.Cancelled {
		return "cancelled"
	}
	return o.Kind.String()
}

type Orchestrator struct {
	log *zap.Logger
	now func() time.Time
}

func New(log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{log: log, now: time.Now}
}

// Run drives c through submit, poll and collect. The first poll happens right
// after submit; later polls wait PollInterval grown by BackoffMultiplier.
// Transport errors while polling use up an attempt and polling goes on.
func (o *Orchestrator) Run(ctx context.Context, c Client, in Input, budget Budget) (out Outcome) {
	b := budget.normalized()
	start := o.now()
	out.Provider = c.Name()

	defer func() {
		out.Elapsed = o.now().Sub(start)
		metrics.OrchestratorOutcomes.WithLabelValues(out.Provider, out.label()).Inc()
		metrics.OrchestratorDuration.WithLabelValues(out.Provider).Observe(out.Elapsed.Seconds())
		if out.Attempts > 0 {
			metrics.OrchestratorPolls.WithLabelValues(out.Provider).Observe(float64(out.Attempts))
		}
		o.log.Debug("provider job finished",
			zap.String("provider", out.Provider),
			zap.String("job_id", out.JobID),
			zap.String("outcome", out.label()),
			zap.Int("attempts", out.Attempts),
			zap.Duration("elapsed", out.Elapsed),
		)
	}()

	runCtx, cancel := context.WithTimeout(ctx, b.TotalTimeout)
	defer cancel()

	jobID, err := c.Submit(runCtx, in)
	if err != nil {
		if runCtx.Err() != nil {
			return o.expired(ctx, out)
		}
		out.Kind = Failed
		out.Detail = fmt.Sprintf("submit: %v", err)
		return out
	}
	out.JobID = jobID

	interval := b.PollInterval
	for {
		out.Attempts++
		res, err := c.Poll(runCtx, jobID)
		switch {
		case err != nil:
			if runCtx.Err() != nil {
				return o.expired(ctx, out)
			}
			o.log.Warn("poll failed",
				zap.String("provider", out.Provider),
				zap.String("job_id", jobID),
				zap.Int("attempt", out.Attempts),
				zap.Error(err),
			)
		case res.Status == StatusSucceeded:
			records, err := c.Normalize(res.Payload)
			if err != nil {
				out.Kind = Failed
				out.Detail = fmt.Sprintf("unparseable result: %v", err)
				return out
			}
			out.Kind = Succeeded
			out.Records = records
			return out
		case res.Status == StatusFailed:
			out.Kind = Failed
			out.Detail = res.Detail
			if out.Detail == "" {
				out.Detail = "provider reported failure"
			}
			return out
		case res.Status != StatusPending:
			out.Kind = Failed
			out.Detail = fmt.Sprintf("unexpected job status %q", res.Status)
			return out
		}

		if b.MaxPollAttempts > 0 && out.Attempts >= b.MaxPollAttempts {
			out.Kind = TimedOut
			return out
		}

		t := time.NewTimer(interval)
		select {
		case <-runCtx.Done():
			t.Stop()
			return o.expired(ctx, out)
		case <-t.C:
		}
		interval = b.next(interval)
	}
}

// expired reports a timed out job, flagging it cancelled when the caller's
// context was cancelled rather than the budget running out.
func (o *Orchestrator) expired(parent context.Context, out Outcome) Outcome {
	out.Kind = TimedOut
	out.Cancelled = errors.Is(parent.Err(), context.Canceled)
	return out
}
