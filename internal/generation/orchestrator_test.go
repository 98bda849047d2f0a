package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"relaypool/internal/domain"
	"relaypool/internal/transport"
)

type fakeRemote struct {
	mu         sync.Mutex
	failures   int
	submits    int
	transports []string
}

func (f *fakeRemote) Submit(_ context.Context, tr transport.Transport, _ Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.transports = append(f.transports, tr.Label())
	if f.submits <= f.failures {
		return "", ErrSubmitFailed
	}
	return "evt", nil
}

func (f *fakeRemote) AwaitResult(context.Context, transport.Transport, string) (string, error) {
	return "https://remote/file.png", nil
}

type fakePersister struct{}

func (fakePersister) Persist(context.Context, string, transport.Transport) (string, error) {
	return "http://localhost:8082/images/zimage_x.png", nil
}

type fakeHistory struct {
	records []domain.HistoryRecord
}

func (h *fakeHistory) Add(_ context.Context, record domain.HistoryRecord) error {
	h.records = append(h.records, record)
	return nil
}

type fakePool struct {
	record    *domain.ProxyRecord
	successes []float64
	failures  int
}

func (p *fakePool) Select(context.Context) *domain.ProxyRecord {
	if p.record == nil {
		return nil
	}
	clone := *p.record
	return &clone
}

func (p *fakePool) RecordSuccess(_ context.Context, _ *domain.ProxyRecord, elapsed float64) error {
	p.successes = append(p.successes, elapsed)
	return nil
}

func (p *fakePool) RecordFailure(context.Context, *domain.ProxyRecord) error {
	p.failures++
	return nil
}

type recordedSleep struct {
	waits []time.Duration
}

func (s *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

var defaults = Defaults{Height: 1024, Width: 1024, Steps: 9, MaxRetries: 3}

func TestGenerateExhaustsRetries(t *testing.T) {
	remote := &fakeRemote{failures: 10}
	history := &fakeHistory{}
	sleeper := &recordedSleep{}
	metrics := NewMetrics(prometheus.NewRegistry())

	orchestrator := NewOrchestrator(remote, fakePersister{}, history, defaults,
		WithSleep(sleeper.sleep), WithMetrics(metrics))

	outcome, err := orchestrator.Generate(context.Background(), Request{Prompt: "fox"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if outcome.Success || outcome.Attempts != 3 || remote.submits != 3 {
		t.Fatalf("outcome = %+v, submits = %d", outcome, remote.submits)
	}
	if len(history.records) != 1 || history.records[0].Success || history.records[0].ArtifactURL != nil {
		t.Fatalf("history = %+v", history.records)
	}
	if history.records[0].ProxyUsed != domain.DirectConnection {
		t.Fatalf("proxy used = %q", history.records[0].ProxyUsed)
	}

	want := []time.Duration{3 * time.Second, 5 * time.Second}
	if len(sleeper.waits) != len(want) || sleeper.waits[0] != want[0] || sleeper.waits[1] != want[1] {
		t.Fatalf("waits = %v, want %v", sleeper.waits, want)
	}
	if got := testutil.ToFloat64(metrics.attempts.WithLabelValues("failure")); got != 3 {
		t.Fatalf("failed attempts metric = %v, want 3", got)
	}
}

func TestGenerateSucceedsThroughProxy(t *testing.T) {
	remote := &fakeRemote{failures: 1}
	history := &fakeHistory{}
	pool := &fakePool{record: &domain.ProxyRecord{Address: "10.0.0.1:1080", Tier: domain.TierPriority, IsValid: true}}

	orchestrator := NewOrchestrator(remote, fakePersister{}, history, defaults,
		WithSleep((&recordedSleep{}).sleep), WithProxyPool(pool, true))

	outcome, err := orchestrator.Generate(context.Background(), Request{Prompt: "fox"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if !outcome.Success || outcome.Attempts != 2 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if pool.failures != 1 || len(pool.successes) != 1 {
		t.Fatalf("pool feedback = %d failures, %d successes", pool.failures, len(pool.successes))
	}
	if remote.transports[0] != "10.0.0.1:1080" {
		t.Fatalf("transport label = %q", remote.transports[0])
	}
	if len(history.records) != 1 {
		t.Fatalf("history holds %d records, want 1", len(history.records))
	}
	entry := history.records[0]
	if !entry.Success || entry.ArtifactURL == nil || *entry.ArtifactURL != outcome.URL || entry.ProxyUsed != "10.0.0.1:1080" {
		t.Fatalf("history entry = %+v", entry)
	}
}

func TestGenerateFallsBackToDirect(t *testing.T) {
	remote := &fakeRemote{}
	pool := &fakePool{}
	history := &fakeHistory{}
	orchestrator := NewOrchestrator(remote, fakePersister{}, history, defaults, WithProxyPool(pool, true))

	outcome, _ := orchestrator.Generate(context.Background(), Request{Prompt: "fox"})
	if !outcome.Success || outcome.ProxyUsed != domain.DirectConnection {
		t.Fatalf("outcome = %+v", outcome)
	}
	if remote.transports[0] != "direct" {
		t.Fatalf("transport label = %q, want direct", remote.transports[0])
	}
}

func TestGenerateStopsOnCancelledBackoff(t *testing.T) {
	remote := &fakeRemote{failures: 10}
	history := &fakeHistory{}
	cancelled := func(context.Context, time.Duration) error { return context.Canceled }

	orchestrator := NewOrchestrator(remote, fakePersister{}, history, defaults, WithSleep(cancelled))
	outcome, _ := orchestrator.Generate(context.Background(), Request{Prompt: "fox"})
	if outcome.Success || outcome.Attempts != 1 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(history.records) != 1 {
		t.Fatalf("history holds %d records, want 1", len(history.records))
	}
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	history := &fakeHistory{}
	orchestrator := NewOrchestrator(&fakeRemote{}, fakePersister{}, history, defaults)

	for _, req := range []Request{{}, {Prompt: "x", Height: -1}, {Prompt: "x", Steps: -3}} {
		if _, err := orchestrator.Generate(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("Generate(%+v) error = %v, want ErrInvalidRequest", req, err)
		}
	}
	if len(history.records) != 0 {
		t.Fatalf("invalid requests produced %d history records", len(history.records))
	}
}

func TestBackoff(t *testing.T) {
	for attempt, want := range []time.Duration{3 * time.Second, 5 * time.Second, 7 * time.Second} {
		if got := Backoff(attempt); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}
