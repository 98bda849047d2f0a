package proxypool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaypool/internal/domain"
	"relaypool/internal/store"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testSettings() domain.Settings {
	return domain.Settings{
		MaxDailyUsesPerProxy:                5,
		VerifyMaxAttempts:                   5,
		PromoteResponseTimeThresholdSeconds: 5.0,
		DemoteFailCountThreshold:            3,
	}
}

type staticSource struct {
	addresses []string
	calls     int
	mu        sync.Mutex
}

func (s *staticSource) FetchAddresses(context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.addresses
}

type stubChecker struct {
	mu      sync.Mutex
	healthy map[string]bool
	checked []string
}

func (p *stubChecker) Check(_ context.Context, record domain.ProxyRecord) CheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checked = append(p.checked, record.Address)
	return CheckResult{OK: p.healthy[record.Address], Elapsed: 120 * time.Millisecond}
}

func noShuffle(int, func(i, j int)) {}

func newTestManager(t *testing.T, source AddressSource, opts ...ManagerOption) (*Manager, *store.PoolStore) {
	t.Helper()
	poolStore := store.NewPoolStore(store.NewMemoryKV(), testSettings())
	opts = append([]ManagerOption{
		WithClock(func() time.Time { return testNow }),
		WithShuffle(noShuffle),
	}, opts...)
	return NewManager(poolStore, source, Options{}, opts...), poolStore
}

func seedTier(t *testing.T, poolStore *store.PoolStore, tier domain.Tier, records ...domain.ProxyRecord) {
	t.Helper()
	for i := range records {
		records[i].Tier = tier
	}
	if err := poolStore.SaveTier(context.Background(), tier, records); err != nil {
		t.Fatalf("SaveTier returned error: %v", err)
	}
}

func validRecord(t *testing.T, address string) domain.ProxyRecord {
	t.Helper()
	record, err := domain.NewProxyRecord(address, domain.TierPublic, testNow)
	if err != nil {
		t.Fatalf("NewProxyRecord(%q) returned error: %v", address, err)
	}
	record.IsValid = true
	return record
}

func TestAddRejectsDuplicatesAcrossTiers(t *testing.T) {
	ctx := context.Background()
	manager, poolStore := newTestManager(t, nil)

	added, err := manager.Add(ctx, "socks5://1.2.3.4:1080", true)
	if err != nil || !added {
		t.Fatalf("Add priority = %v, %v; want true, nil", added, err)
	}
	added, err = manager.Add(ctx, "1.2.3.4:1080", false)
	if err != nil {
		t.Fatalf("Add public returned error: %v", err)
	}
	if added {
		t.Fatal("duplicate address was added to the public tier")
	}

	public, _ := poolStore.LoadTier(ctx, domain.TierPublic)
	priority, _ := poolStore.LoadTier(ctx, domain.TierPriority)
	if len(public) != 0 || len(priority) != 1 {
		t.Fatalf("tiers = %d priority, %d public; want 1, 0", len(priority), len(public))
	}
	if priority[0].TransportURL != "socks5://1.2.3.4:1080" {
		t.Fatalf("transport url = %q", priority[0].TransportURL)
	}
}

func TestAddRejectsMalformedAddress(t *testing.T) {
	manager, _ := newTestManager(t, nil)
	_, err := manager.Add(context.Background(), "not-an-address", false)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("Add error = %v, want ErrInvalidAddress", err)
	}
}

func TestSelectPrefersPriorityTier(t *testing.T) {
	manager, poolStore := newTestManager(t, nil)
	seedTier(t, poolStore, domain.TierPriority, validRecord(t, "10.0.0.1:1080"))
	seedTier(t, poolStore, domain.TierPublic, validRecord(t, "10.0.0.2:1080"))

	got := manager.Select(context.Background())
	if got == nil || got.Address != "10.0.0.1:1080" {
		t.Fatalf("Select = %+v, want priority record", got)
	}
}

func TestSelectSkipsExhaustedAndInvalid(t *testing.T) {
	manager, poolStore := newTestManager(t, nil)

	exhausted := validRecord(t, "10.0.0.1:1080")
	exhausted.UsesToday = 5
	invalid := validRecord(t, "10.0.0.2:1080")
	invalid.IsValid = false
	seedTier(t, poolStore, domain.TierPriority, exhausted, invalid)
	seedTier(t, poolStore, domain.TierPublic, validRecord(t, "10.0.0.3:1080"))

	got := manager.Select(context.Background())
	if got == nil || got.Address != "10.0.0.3:1080" {
		t.Fatalf("Select = %+v, want public fallback", got)
	}
}

func TestSelectRollsOverStaleQuota(t *testing.T) {
	manager, poolStore := newTestManager(t, nil)

	stale := validRecord(t, "10.0.0.1:1080")
	stale.UsesToday = 5
	stale.LastUsedDate = "2026-03-13"
	seedTier(t, poolStore, domain.TierPriority, stale)

	got := manager.Select(context.Background())
	if got == nil {
		t.Fatal("Select returned nil for record with stale quota")
	}
	if got.UsesToday != 0 || got.LastUsedDate != "2026-03-14" {
		t.Fatalf("rolled over record = uses %d, date %q", got.UsesToday, got.LastUsedDate)
	}
}

func TestSelectBootstrapsEmptyPool(t *testing.T) {
	ctx := context.Background()
	source := &staticSource{addresses: []string{"1.2.3.4:1080", "5.6.7.8:9999"}}
	manager, poolStore := newTestManager(t, source)

	if got := manager.Select(ctx); got != nil {
		t.Fatalf("Select after bootstrap = %+v, want nil", got)
	}
	if source.calls != 1 {
		t.Fatalf("source fetched %d times, want 1", source.calls)
	}

	public, _ := poolStore.LoadTier(ctx, domain.TierPublic)
	if len(public) != 2 {
		t.Fatalf("public tier holds %d records, want 2", len(public))
	}
	for _, record := range public {
		if record.IsValid {
			t.Fatalf("bootstrapped record %s is valid", record.Address)
		}
	}

	// Populated pool is not bootstrapped again.
	manager.Select(ctx)
	if source.calls != 1 {
		t.Fatalf("source fetched %d times after second select, want 1", source.calls)
	}
}

func TestBootstrapRespectsLimit(t *testing.T) {
	ctx := context.Background()
	source := &staticSource{addresses: []string{"1.1.1.1:1", "2.2.2.2:2", "3.3.3.3:3"}}
	poolStore := store.NewPoolStore(store.NewMemoryKV(), testSettings())
	manager := NewManager(poolStore, source, Options{BootstrapLimit: 2})

	manager.Select(ctx)

	public, _ := poolStore.LoadTier(ctx, domain.TierPublic)
	if len(public) != 2 {
		t.Fatalf("public tier holds %d records, want 2", len(public))
	}
}

func TestRecordSuccessPromotesFastPublicProxy(t *testing.T) {
	ctx := context.Background()
	manager, poolStore := newTestManager(t, nil)

	record := validRecord(t, "10.0.0.9:1080")
	record.SuccessCount = 1
	record.FailCount = 2
	seedTier(t, poolStore, domain.TierPublic, record)

	if err := manager.RecordSuccess(ctx, &record, 2.5); err != nil {
		t.Fatalf("RecordSuccess returned error: %v", err)
	}

	public, _ := poolStore.LoadTier(ctx, domain.TierPublic)
	priority, _ := poolStore.LoadTier(ctx, domain.TierPriority)
	if len(public) != 0 || len(priority) != 1 {
		t.Fatalf("tiers = %d priority, %d public; want 1, 0", len(priority), len(public))
	}
	promoted := priority[0]
	if promoted.FailCount != 0 || promoted.SuccessCount != 2 || promoted.UsesToday != 1 {
		t.Fatalf("promoted record = %+v", promoted)
	}
	if promoted.AvgResponseTimeMs != 2500 {
		t.Fatalf("avg response time = %v, want 2500", promoted.AvgResponseTimeMs)
	}
}

func TestRecordSuccessKeepsSlowProxyInPlace(t *testing.T) {
	ctx := context.Background()
	manager, poolStore := newTestManager(t, nil)

	record := validRecord(t, "10.0.0.9:1080")
	record.SuccessCount = 1
	seedTier(t, poolStore, domain.TierPublic, record)

	if err := manager.RecordSuccess(ctx, &record, 7); err != nil {
		t.Fatalf("RecordSuccess returned error: %v", err)
	}

	public, _ := poolStore.LoadTier(ctx, domain.TierPublic)
	if len(public) != 1 || public[0].SuccessCount != 2 {
		t.Fatalf("public tier = %+v", public)
	}
}

func TestRecordFailureDropsPriorityProxyAtThreshold(t *testing.T) {
	ctx := context.Background()
	manager, poolStore := newTestManager(t, nil)

	record := validRecord(t, "10.0.0.5:1080")
	seedTier(t, poolStore, domain.TierPriority, record)

	for i := 0; i < 2; i++ {
		if err := manager.RecordFailure(ctx, &record); err != nil {
			t.Fatalf("RecordFailure returned error: %v", err)
		}
	}
	priority, _ := poolStore.LoadTier(ctx, domain.TierPriority)
	if len(priority) != 1 || priority[0].FailCount != 2 {
		t.Fatalf("priority tier after two failures = %+v", priority)
	}

	if err := manager.RecordFailure(ctx, &record); err != nil {
		t.Fatalf("RecordFailure returned error: %v", err)
	}
	priority, _ = poolStore.LoadTier(ctx, domain.TierPriority)
	public, _ := poolStore.LoadTier(ctx, domain.TierPublic)
	if len(priority) != 0 || len(public) != 0 {
		t.Fatalf("dropped record still pooled: %d priority, %d public", len(priority), len(public))
	}
}

func TestRecordFailureInvalidatesPublicProxy(t *testing.T) {
	ctx := context.Background()
	manager, poolStore := newTestManager(t, nil)

	record := validRecord(t, "10.0.0.6:1080")
	record.FailCount = 4
	seedTier(t, poolStore, domain.TierPublic, record)

	if err := manager.RecordFailure(ctx, &record); err != nil {
		t.Fatalf("RecordFailure returned error: %v", err)
	}
	public, _ := poolStore.LoadTier(ctx, domain.TierPublic)
	if len(public) != 1 || public[0].IsValid || public[0].FailCount != 5 {
		t.Fatalf("public tier = %+v", public)
	}
}

func TestVerifyAllUpdatesValidity(t *testing.T) {
	ctx := context.Background()
	checker := &stubChecker{healthy: map[string]bool{"10.0.0.1:1080": true, "10.0.0.3:1080": true}}
	manager, poolStore := newTestManager(t, nil, WithChecker(checker))

	bad := validRecord(t, "10.0.0.2:1080")
	bad.FailCount = 1
	seedTier(t, poolStore, domain.TierPriority, validRecord(t, "10.0.0.1:1080"), bad)
	fresh, _ := domain.NewProxyRecord("10.0.0.3:1080", domain.TierPublic, testNow)
	seedTier(t, poolStore, domain.TierPublic, fresh)

	report, err := manager.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll returned error: %v", err)
	}
	want := VerifyReport{Checked: 3, Valid: 2, ValidPriority: 1, ValidPublic: 1}
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}

	priority, _ := poolStore.LoadTier(ctx, domain.TierPriority)
	if priority[1].IsValid || priority[1].FailCount != 1 {
		t.Fatalf("failed check record = %+v", priority[1])
	}
	if priority[0].LastCheckedAt != testNow.UnixMilli() || priority[0].AvgResponseTimeMs != 120 {
		t.Fatalf("healthy record = %+v", priority[0])
	}
	public, _ := poolStore.LoadTier(ctx, domain.TierPublic)
	if !public[0].IsValid {
		t.Fatal("healthy public record not marked valid")
	}
}

func TestSelectVerifiesBeforeUse(t *testing.T) {
	ctx := context.Background()
	checker := &stubChecker{healthy: map[string]bool{"10.0.0.2:1080": true}}
	manager, poolStore := newTestManager(t, nil, WithChecker(checker))

	if _, err := manager.UpdateSettings(ctx, domain.SettingsPatch{VerifyBeforeUse: ptr(true)}); err != nil {
		t.Fatalf("UpdateSettings returned error: %v", err)
	}
	seedTier(t, poolStore, domain.TierPriority, validRecord(t, "10.0.0.1:1080"), validRecord(t, "10.0.0.2:1080"))

	got := manager.Select(ctx)
	if got == nil || got.Address != "10.0.0.2:1080" {
		t.Fatalf("Select = %+v, want second record", got)
	}

	priority, _ := poolStore.LoadTier(ctx, domain.TierPriority)
	if priority[0].IsValid {
		t.Fatal("record failing verification still valid")
	}
}

func TestSelectVerifyBoundedByMaxAttempts(t *testing.T) {
	ctx := context.Background()
	checker := &stubChecker{healthy: map[string]bool{"10.0.0.3:1080": true}}
	manager, poolStore := newTestManager(t, nil, WithChecker(checker))

	patch := domain.SettingsPatch{VerifyBeforeUse: ptr(true), VerifyMaxAttempts: ptr(2)}
	if _, err := manager.UpdateSettings(ctx, patch); err != nil {
		t.Fatalf("UpdateSettings returned error: %v", err)
	}
	seedTier(t, poolStore, domain.TierPublic,
		validRecord(t, "10.0.0.1:1080"),
		validRecord(t, "10.0.0.2:1080"),
		validRecord(t, "10.0.0.3:1080"),
	)

	if got := manager.Select(ctx); got != nil {
		t.Fatalf("Select = %+v, want nil after two failed checks", got)
	}
	if len(checker.checked) != 2 {
		t.Fatalf("checked %d records, want 2", len(checker.checked))
	}
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	manager, poolStore := newTestManager(t, nil)
	seedTier(t, poolStore, domain.TierPriority, validRecord(t, "10.0.0.1:1080"))
	seedTier(t, poolStore, domain.TierPublic, validRecord(t, "10.0.0.2:1080"), validRecord(t, "10.0.0.3:1080"))

	removed, err := manager.Remove(ctx, "socks5://10.0.0.2:1080")
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v; want true, nil", removed, err)
	}
	removed, _ = manager.Remove(ctx, "10.0.0.2:1080")
	if removed {
		t.Fatal("second Remove reported success")
	}

	if err := manager.Clear(ctx, ScopePriority); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	stats, err := manager.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if stats.PriorityCount != 0 || stats.PublicCount != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	if err := manager.Clear(ctx, Scope("bogus")); !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("Clear(bogus) error = %v, want ErrUnknownScope", err)
	}
}

func TestRefreshAddsOnlyNewAddresses(t *testing.T) {
	ctx := context.Background()
	source := &staticSource{addresses: []string{"10.0.0.1:1080", "10.0.0.2:1080"}}
	manager, poolStore := newTestManager(t, source)
	seedTier(t, poolStore, domain.TierPriority, validRecord(t, "10.0.0.1:1080"))

	added, err := manager.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if added != 1 {
		t.Fatalf("Refresh added %d, want 1", added)
	}
}

func TestStatsCountsAvailability(t *testing.T) {
	manager, poolStore := newTestManager(t, nil)
	exhausted := validRecord(t, "10.0.0.1:1080")
	exhausted.UsesToday = 5
	invalid := validRecord(t, "10.0.0.3:1080")
	invalid.IsValid = false
	seedTier(t, poolStore, domain.TierPriority, exhausted)
	seedTier(t, poolStore, domain.TierPublic, validRecord(t, "10.0.0.2:1080"), invalid)

	stats, err := manager.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	want := domain.PoolStats{
		Total:          3,
		Valid:          2,
		ValidPriority:  1,
		ValidPublic:    1,
		AvailableToday: 1,
		PriorityCount:  1,
		PublicCount:    2,
	}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	manager, poolStore := newTestManager(t, nil)
	invalid := validRecord(t, "10.0.0.2:1080")
	invalid.IsValid = false
	seedTier(t, poolStore, domain.TierPriority, validRecord(t, "10.0.0.1:1080"))
	seedTier(t, poolStore, domain.TierPublic, invalid, validRecord(t, "10.0.0.3:1080"))

	page, err := manager.List(context.Background(), ListFilter{ValidOnly: true, Offset: 1, Limit: 5})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if page.Total != 2 || len(page.Proxies) != 1 || page.Proxies[0].Address != "10.0.0.3:1080" {
		t.Fatalf("page = %+v", page)
	}

	page, _ = manager.List(context.Background(), ListFilter{Tier: domain.TierPublic})
	if page.Total != 2 {
		t.Fatalf("public total = %d, want 2", page.Total)
	}
}

type fixedCountry string

func (c fixedCountry) Country(string) string { return string(c) }

func TestAddAnnotatesCountry(t *testing.T) {
	ctx := context.Background()
	manager, poolStore := newTestManager(t, nil, WithCountryResolver(fixedCountry("DE")))

	if _, err := manager.Add(ctx, "10.0.0.1:1080", false); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	public, _ := poolStore.LoadTier(ctx, domain.TierPublic)
	if public[0].Country != "DE" {
		t.Fatalf("country = %q, want DE", public[0].Country)
	}
}

type hostSet map[string]bool

func (h hostSet) Blocked(host string) bool { return h[host] }

func TestAddressFilterAppliesToIngestionOnly(t *testing.T) {
	ctx := context.Background()
	source := &staticSource{addresses: []string{"6.6.6.6:1080", "7.7.7.7:1080"}}
	manager, poolStore := newTestManager(t, source, WithAddressFilter(hostSet{"6.6.6.6": true, "192.168.1.10": true}))

	added, err := manager.Add(ctx, "192.168.1.10:1080", true)
	if err != nil || !added {
		t.Fatalf("Add = %v, %v; want operator-added address accepted", added, err)
	}

	added2, err := manager.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if added2 != 1 {
		t.Fatalf("Refresh added %d, want 1", added2)
	}
	public, _ := poolStore.LoadTier(ctx, domain.TierPublic)
	if len(public) != 1 || public[0].Address != "7.7.7.7:1080" {
		t.Fatalf("public = %+v, want only 7.7.7.7:1080", public)
	}
}

func TestParseScope(t *testing.T) {
	cases := map[string]Scope{"": ScopeAll, "all": ScopeAll, "priority": ScopePriority, "public": ScopePublic}
	for raw, want := range cases {
		got, err := ParseScope(raw)
		if err != nil || got != want {
			t.Fatalf("ParseScope(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
