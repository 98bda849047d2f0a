package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"relaypool/internal/domain"
	"relaypool/internal/transport"
)

const DefaultMaxRetries = 3

var ErrInvalidRequest = errors.New("generation: invalid request")

// ProxySelector is the part of the pool manager the orchestrator drives.
type ProxySelector interface {
	Select(ctx context.Context) *domain.ProxyRecord
	RecordSuccess(ctx context.Context, record *domain.ProxyRecord, elapsedSeconds float64) error
	RecordFailure(ctx context.Context, record *domain.ProxyRecord) error
}

type Remote interface {
	Submit(ctx context.Context, tr transport.Transport, job Job) (string, error)
	AwaitResult(ctx context.Context, tr transport.Transport, eventID string) (string, error)
}

type ArtifactPersister interface {
	Persist(ctx context.Context, locator string, tr transport.Transport) (string, error)
}

type HistorySink interface {
	Add(ctx context.Context, record domain.HistoryRecord) error
}

type Request struct {
	Prompt string `json:"prompt"`
	Height int    `json:"height,omitempty"`
	Width  int    `json:"width,omitempty"`
	Steps  int    `json:"steps,omitempty"`
}

type Outcome struct {
	ID              string  `json:"id"`
	URL             string  `json:"url,omitempty"`
	Success         bool    `json:"success"`
	Attempts        int     `json:"attempts"`
	DurationSeconds float64 `json:"duration_seconds"`
	ProxyUsed       string  `json:"proxy_used"`
}

type Defaults struct {
	Height     int
	Width      int
	Steps      int
	MaxRetries int
}

// Orchestrator runs the bounded retry loop around submit, await and persist.
type Orchestrator struct {
	remote    Remote
	persister ArtifactPersister
	history   HistorySink
	pool      ProxySelector
	poolOn    bool
	defaults  Defaults
	metrics   *Metrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

type OrchestratorOption func(*Orchestrator)

// WithProxyPool routes attempts through pool when enabled is true.
func WithProxyPool(pool ProxySelector, enabled bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.pool = pool
		o.poolOn = enabled
	}
}

func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

func NewOrchestrator(remote Remote, persister ArtifactPersister, history HistorySink, defaults Defaults, opts ...OrchestratorOption) *Orchestrator {
	if defaults.MaxRetries <= 0 {
		defaults.MaxRetries = DefaultMaxRetries
	}
	o := &Orchestrator{
		remote:    remote,
		persister: persister,
		history:   history,
		defaults:  defaults,
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff is the wait after failed attempt n (zero based).
func Backoff(attempt int) time.Duration {
	return time.Duration(3+2*attempt) * time.Second
}

func (o *Orchestrator) job(req Request) (Job, error) {
	job := Job{Prompt: req.Prompt, Height: req.Height, Width: req.Width, Steps: req.Steps}
	if job.Height == 0 {
		job.Height = o.defaults.Height
	}
	if job.Width == 0 {
		job.Width = o.defaults.Width
	}
	if job.Steps == 0 {
		job.Steps = o.defaults.Steps
	}
	switch {
	case job.Prompt == "":
		return Job{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	case job.Height <= 0 || job.Width <= 0:
		return Job{}, fmt.Errorf("%w: dimensions must be positive", ErrInvalidRequest)
	case job.Steps <= 0:
		return Job{}, fmt.Errorf("%w: steps must be positive", ErrInvalidRequest)
	}
	return job, nil
}

// Generate runs up to MaxRetries attempts and records exactly one history
// entry. Exhausted retries are reported through Outcome, not as an error.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (Outcome, error) {
	job, err := o.job(req)
	if err != nil {
		return Outcome{}, err
	}

	start := o.now()
	outcome := Outcome{ID: uuid.NewString(), ProxyUsed: domain.DirectConnection}

	for attempt := 0; attempt < o.defaults.MaxRetries; attempt++ {
		outcome.Attempts = attempt + 1

		tr := o.chooseTransport(ctx)
		if record := tr.Proxy(); record != nil {
			outcome.ProxyUsed = record.Address
		}

		log.Info("Generation attempt",
			"id", outcome.ID,
			"attempt", attempt+1,
			"max", o.defaults.MaxRetries,
			"via", tr.Label(),
		)

		attemptStart := o.now()
		url, err := o.attempt(ctx, tr, job)
		if err == nil {
			o.metrics.observeAttempt("success")
			if record := tr.Proxy(); record != nil {
				elapsed := o.now().Sub(attemptStart).Seconds()
				if err := o.pool.RecordSuccess(ctx, record, elapsed); err != nil {
					log.Warn("Failed to record proxy success", "proxy", record.Address, "error", err)
				}
			}
			outcome.URL = url
			outcome.Success = true
			break
		}

		o.metrics.observeAttempt("failure")
		log.Warn("Generation attempt failed", "id", outcome.ID, "attempt", attempt+1, "via", tr.Label(), "error", err)
		if record := tr.Proxy(); record != nil {
			if err := o.pool.RecordFailure(ctx, record); err != nil {
				log.Warn("Failed to record proxy failure", "proxy", record.Address, "error", err)
			}
		}

		if attempt < o.defaults.MaxRetries-1 {
			wait := Backoff(attempt)
			log.Info("Retrying generation", "id", outcome.ID, "wait", wait)
			if err := o.sleep(ctx, wait); err != nil {
				log.Warn("Generation cancelled during backoff", "id", outcome.ID, "error", err)
				break
			}
		}
	}

	outcome.DurationSeconds = math.Round(o.now().Sub(start).Seconds()*100) / 100
	o.metrics.observeRun(outcome.Success, outcome.DurationSeconds)
	o.record(ctx, job.Prompt, outcome)

	if !outcome.Success {
		log.Error("Generation failed", "id", outcome.ID, "attempts", outcome.Attempts)
	}
	return outcome, nil
}

func (o *Orchestrator) chooseTransport(ctx context.Context) transport.Transport {
	if !o.poolOn || o.pool == nil {
		o.metrics.observeSelection("direct")
		return transport.Direct{}
	}
	record := o.pool.Select(ctx)
	if record == nil {
		log.Info("No proxy available, using direct connection")
		o.metrics.observeSelection("direct")
		return transport.Direct{}
	}
	o.metrics.observeSelection(string(record.Tier))
	return transport.For(record)
}

func (o *Orchestrator) attempt(ctx context.Context, tr transport.Transport, job Job) (string, error) {
	eventID, err := o.remote.Submit(ctx, tr, job)
	if err != nil {
		return "", err
	}
	locator, err := o.remote.AwaitResult(ctx, tr, eventID)
	if err != nil {
		return "", err
	}
	return o.persister.Persist(ctx, locator, tr)
}

func (o *Orchestrator) record(ctx context.Context, prompt string, outcome Outcome) {
	if o.history == nil {
		return
	}
	entry := domain.HistoryRecord{
		ID:              outcome.ID,
		Prompt:          prompt,
		Success:         outcome.Success,
		DurationSeconds: outcome.DurationSeconds,
		ProxyUsed:       outcome.ProxyUsed,
		CreatedAt:       o.now().UTC(),
	}
	if outcome.Success {
		url := outcome.URL
		entry.ArtifactURL = &url
	}
	// Cancellation of the caller must not lose the history entry.
	if err := o.history.Add(context.WithoutCancel(ctx), entry); err != nil {
		log.Error("Failed to record generation history", "id", outcome.ID, "error", err)
	}
}
