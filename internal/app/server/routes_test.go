package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"relaypool/internal/artifact"
	"relaypool/internal/domain"
	"relaypool/internal/generation"
	"relaypool/internal/history"
	"relaypool/internal/proxypool"
	"relaypool/internal/store"
	"relaypool/internal/transport"
)

type stubGenerator struct {
	outcome generation.Outcome
	err     error
	got     generation.Request
}

func (g *stubGenerator) Generate(_ context.Context, req generation.Request) (generation.Outcome, error) {
	g.got = req
	return g.outcome, g.err
}

type stubSource []string

func (s stubSource) FetchAddresses(context.Context) []string { return s }

type recordingListener struct {
	settings []domain.Settings
}

func (l *recordingListener) Reschedule(settings domain.Settings) error {
	l.settings = append(l.settings, settings)
	return nil
}

type fixture struct {
	handler   http.Handler
	generator *stubGenerator
	history   *history.Recorder
	bucket    artifact.LocalBucket
	listener  *recordingListener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := store.NewMemoryKV()
	defaults := domain.Settings{MaxDailyUsesPerProxy: 5, VerifyMaxAttempts: 5, PromoteResponseTimeThresholdSeconds: 5, DemoteFailCountThreshold: 3}
	pool := proxypool.NewManager(store.NewPoolStore(kv, defaults), stubSource{"1.2.3.4:1080", "5.6.7.8:9999"}, proxypool.Options{})

	f := &fixture{
		generator: &stubGenerator{},
		history:   history.NewRecorder(kv, 10),
		bucket:    artifact.LocalBucket{Dir: t.TempDir(), PublicBaseURL: "http://localhost:8082", URLPrefix: "/images"},
		listener:  &recordingListener{},
	}
	f.handler = New(Dependencies{
		Generator: f.generator,
		Pool:      pool,
		History:   f.history,
		Objects:   f.bucket,
		Settings:  f.listener,
	}).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestGenerateHandler(t *testing.T) {
	f := newFixture(t)
	f.generator.outcome = generation.Outcome{ID: "run", Success: true, URL: "http://localhost:8082/images/a.png", Attempts: 1}

	rec := f.do(t, http.MethodPost, "/generate", `{"prompt":"otter","width":512}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if f.generator.got.Prompt != "otter" || f.generator.got.Width != 512 {
		t.Fatalf("request = %+v", f.generator.got)
	}

	f.generator.outcome = generation.Outcome{ID: "run", Attempts: 3}
	if rec := f.do(t, http.MethodPost, "/generate", `{"prompt":"otter"}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("failed run status = %d, want 502", rec.Code)
	}

	f.generator.err = generation.ErrInvalidRequest
	if rec := f.do(t, http.MethodPost, "/generate", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid request status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/generate", `{bad json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestProxyLifecycle(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodPost, "/proxy/add", `{"proxy":"socks5://9.9.9.9:1080","priority":true}`); rec.Code != http.StatusOK {
		t.Fatalf("add status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/proxy/add", `{"proxy":"9.9.9.9:1080"}`); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate add status = %d, want 409", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/proxy/add", `{"proxy":"nonsense"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid add status = %d, want 400", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/proxy/update", "")
	update := decode[map[string]any](t, rec)
	if update["new_count"] != float64(2) {
		t.Fatalf("update response = %v", update)
	}

	stats := decode[domain.PoolStats](t, f.do(t, http.MethodGet, "/proxy/stats", ""))
	if stats.Total != 3 || stats.PriorityCount != 1 || stats.PublicCount != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	page := decode[proxypool.ListPage](t, f.do(t, http.MethodGet, "/proxy/list?pool=public&limit=1", ""))
	if page.Total != 2 || len(page.Proxies) != 1 {
		t.Fatalf("list page = %+v", page)
	}

	removed := decode[map[string]any](t, f.do(t, http.MethodPost, "/proxy/remove", `{"proxy":"1.2.3.4:1080"}`))
	if removed["success"] != true {
		t.Fatalf("remove response = %v", removed)
	}

	if rec := f.do(t, http.MethodPost, "/proxy/clear", `{"pool":"everything"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad scope status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/proxy/clear", `{}`); rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	stats = decode[domain.PoolStats](t, f.do(t, http.MethodGet, "/proxy/stats", ""))
	if stats.Total != 0 {
		t.Fatalf("stats after clear = %+v", stats)
	}
}

func TestHistoryRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	url := "http://localhost:8082/images/a.png"
	f.history.Add(ctx, domain.HistoryRecord{ID: "a", Success: true, ArtifactURL: &url, DurationSeconds: 2})
	f.history.Add(ctx, domain.HistoryRecord{ID: "b", DurationSeconds: 4})

	list := decode[struct {
		Records []domain.HistoryRecord `json:"records"`
		Total   int                    `json:"total"`
	}](t, f.do(t, http.MethodGet, "/history?limit=1", ""))
	if list.Total != 1 || list.Records[0].ID != "b" {
		t.Fatalf("history list = %+v", list)
	}

	stats := decode[domain.HistoryStats](t, f.do(t, http.MethodGet, "/history/stats", ""))
	if stats.Total != 2 || stats.SuccessRate != 50 || stats.AvgDuration != 3 {
		t.Fatalf("history stats = %+v", stats)
	}

	f.do(t, http.MethodPost, "/history/clear", "")
	stats = decode[domain.HistoryStats](t, f.do(t, http.MethodGet, "/history/stats", ""))
	if stats.Total != 0 {
		t.Fatalf("history stats after clear = %+v", stats)
	}
}

func TestSettingsRoutes(t *testing.T) {
	f := newFixture(t)

	settings := decode[domain.Settings](t, f.do(t, http.MethodGet, "/settings", ""))
	if settings.MaxDailyUsesPerProxy != 5 {
		t.Fatalf("default settings = %+v", settings)
	}

	rec := f.do(t, http.MethodPost, "/settings", `{"max_daily_uses_per_proxy": 100, "verify_before_use": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d, body %s", rec.Code, rec.Body.String())
	}
	settings = decode[domain.Settings](t, f.do(t, http.MethodGet, "/settings", ""))
	if settings.MaxDailyUsesPerProxy != 100 || !settings.VerifyBeforeUse || settings.DemoteFailCountThreshold != 3 {
		t.Fatalf("saved settings = %+v", settings)
	}
	if len(f.listener.settings) != 1 {
		t.Fatalf("listener notified %d times, want 1", len(f.listener.settings))
	}
}

func TestServeImage(t *testing.T) {
	f := newFixture(t)
	if _, err := f.bucket.Put(context.Background(), "zimage_a.png", []byte("png-bytes"), "image/png"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/images/zimage_a.png", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "png-bytes" {
		t.Fatalf("image response = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("content type = %q", got)
	}

	if rec := f.do(t, http.MethodGet, "/images/missing.png", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing image status = %d, want 404", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodOptions, "/generate", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

type slowRemote struct {
	delay time.Duration
}

func (r slowRemote) Submit(ctx context.Context, _ transport.Transport, _ generation.Job) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(r.delay):
		return "evt-1", nil
	}
}

func (slowRemote) AwaitResult(context.Context, transport.Transport, string) (string, error) {
	return "https://remote.example/file.png", nil
}

type fixedPersister string

func (p fixedPersister) Persist(context.Context, string, transport.Transport) (string, error) {
	return string(p), nil
}

type countingSelector struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (s *countingSelector) Select(context.Context) *domain.ProxyRecord {
	return &domain.ProxyRecord{Address: "9.9.9.9:1080", Tier: domain.TierPriority, IsValid: true}
}

func (s *countingSelector) RecordSuccess(context.Context, *domain.ProxyRecord, float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	return nil
}

func (s *countingSelector) RecordFailure(context.Context, *domain.ProxyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return nil
}

func TestGenerateSurvivesClientDisconnect(t *testing.T) {
	selector := &countingSelector{}
	orchestrator := generation.NewOrchestrator(
		slowRemote{delay: 200 * time.Millisecond},
		fixedPersister("http://localhost:8082/images/a.png"),
		nil,
		generation.Defaults{Height: 64, Width: 64, Steps: 1, MaxRetries: 3},
		generation.WithProxyPool(selector, true),
		generation.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	handler := New(Dependencies{Generator: orchestrator}).Handler()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"lighthouse"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	outcome := decode[generation.Outcome](t, rec)
	if !outcome.Success || outcome.Attempts != 1 {
		t.Fatalf("outcome = %+v, want success on the first attempt", outcome)
	}
	selector.mu.Lock()
	defer selector.mu.Unlock()
	if selector.failures != 0 || selector.successes != 1 {
		t.Fatalf("failures = %d, successes = %d; want 0 and 1", selector.failures, selector.successes)
	}
}
