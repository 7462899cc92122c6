package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/orchestrator"
)

// HTTPConfig describes a generic asynchronous job API:
//
//	POST {BaseURL}{SubmitPath}  {"service","items","params"} -> {"job_id"}
//	GET  {BaseURL}{PollPath}    ({id} replaced by the job id) -> {"status","result","error"}
type HTTPConfig struct {
	Name          string
	Service       model.ServiceType
	BaseURL       string
	SubmitPath    string
	PollPath      string
	APIKey        string
	Batch         bool
	TimeoutMs     int
	FailThreshold int
	OpenForMs     int
}

// HTTPJobClient implements orchestrator.Client over HTTPConfig. Submit is
// guarded by a circuit breaker.
type HTTPJobClient struct {
	cfg    HTTPConfig
	client *http.Client
	br     *Breaker
	now    func() time.Time
}

var _ orchestrator.Client = (*HTTPJobClient)(nil)

func NewHTTPJobClient(cfg HTTPConfig) *HTTPJobClient {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 5000
	}
	if cfg.SubmitPath == "" {
		cfg.SubmitPath = "/jobs"
	}
	if cfg.PollPath == "" {
		cfg.PollPath = "/jobs/{id}"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &HTTPJobClient{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		br:     NewBreaker(cfg.FailThreshold, time.Duration(cfg.OpenForMs)*time.Millisecond),
		now:    time.Now,
	}
}

func (p *HTTPJobClient) Name() string               { return p.cfg.Name }
func (p *HTTPJobClient) Batch() bool                { return p.cfg.Batch }
func (p *HTTPJobClient) Service() model.ServiceType { return p.cfg.Service }
func (p *HTTPJobClient) Ready() bool                { return p.br.Ready() }

type submitResponse struct {
	JobID string `json:"job_id"`
}

type pollResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Path     string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider=%s path=%s status=%d", e.Provider, e.Path, e.Code)
}

func (p *HTTPJobClient) Submit(ctx context.Context, in orchestrator.Input) (string, error) {
	if err := p.br.Acquire(); err != nil {
		return "", err
	}

	var resp submitResponse
	err := p.do(ctx, http.MethodPost, p.cfg.SubmitPath, in, &resp)
	if err == nil && resp.JobID == "" {
		err = fmt.Errorf("provider=%s: submit response without job_id", p.cfg.Name)
	}
	if err != nil {
		// 4xx does not count against the breaker
		var se *StatusError
		switch {
		case errors.As(err, &se) && se.Code/100 == 4:
			p.br.Success()
		case ctx.Err() != nil:
			p.br.Abort()
		default:
			p.br.Failure()
		}
		return "", err
	}

	p.br.Success()
	return resp.JobID, nil
}

func (p *HTTPJobClient) Poll(ctx context.Context, jobID string) (orchestrator.PollResult, error) {
	path := strings.ReplaceAll(p.cfg.PollPath, "{id}", jobID)

	var resp pollResponse
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return orchestrator.PollResult{}, err
	}

	res := orchestrator.PollResult{Payload: resp.Result, Detail: resp.Error}
	switch strings.ToLower(resp.Status) {
	case "succeeded", "success", "completed", "done":
		res.Status = orchestrator.StatusSucceeded
	case "failed", "error":
		res.Status = orchestrator.StatusFailed
	case "pending", "queued", "running", "in_progress":
		res.Status = orchestrator.StatusPending
	default:
		res.Status = orchestrator.JobStatus(resp.Status)
	}
	return res, nil
}

func (p *HTTPJobClient) Normalize(payload json.RawMessage) ([]model.Record, error) {
	return NormalizeRecords(p.cfg.Name, p.cfg.Service, payload, p.now())
}

func (p *HTTPJobClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
		return &StatusError{Provider: p.cfg.Name, Path: path, Code: res.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("provider=%s path=%s: decode: %w", p.cfg.Name, path, err)
	}
	return nil
}
