package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"relaypool/internal/domain"
	"relaypool/internal/store"
)

const (
	defaultBootstrapLimit = 100
	invalidateFailCount   = 5
)

var (
	ErrInvalidAddress = errors.New("proxypool: invalid proxy address")
	ErrUnknownScope   = errors.New("proxypool: unknown scope")
)

// AddressFilter rejects hosts that automated ingestion must skip. Addresses
// added by an operator are never filtered.
type AddressFilter interface {
	Blocked(host string) bool
}

// CountryResolver maps a proxy host to an ISO country code.
type CountryResolver interface {
	Country(host string) string
}

type Options struct {
	// BootstrapLimit caps how many addresses are ingested when both tiers are empty.
	BootstrapLimit int
	// VerifyConcurrency bounds parallel checks in VerifyAll; 0 means one goroutine per record.
	VerifyConcurrency int
}

// Manager owns selection, quota accounting, promotion and demotion of pooled
// proxies. Every read-modify-write of the tiers is serialised in-process;
// concurrent processes sharing a store race with last-write-wins semantics.
type Manager struct {
	store     *store.PoolStore
	source    AddressSource
	checker   Checker
	countries CountryResolver
	filter    AddressFilter
	now       func() time.Time
	shuffle   func(n int, swap func(i, j int))
	opts      Options

	mu        sync.Mutex
	bootstrap singleflight.Group
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithShuffle replaces the candidate shuffle, mainly for deterministic tests.
func WithShuffle(shuffle func(n int, swap func(i, j int))) ManagerOption {
	return func(m *Manager) {
		m.shuffle = shuffle
	}
}

func WithChecker(p Checker) ManagerOption {
	return func(m *Manager) {
		m.checker = p
	}
}

func WithCountryResolver(r CountryResolver) ManagerOption {
	return func(m *Manager) {
		m.countries = r
	}
}

func WithAddressFilter(f AddressFilter) ManagerOption {
	return func(m *Manager) {
		m.filter = f
	}
}

func NewManager(poolStore *store.PoolStore, source AddressSource, opts Options, options ...ManagerOption) *Manager {
	if opts.BootstrapLimit <= 0 {
		opts.BootstrapLimit = defaultBootstrapLimit
	}
	m := &Manager{
		store:   poolStore,
		source:  source,
		checker: HTTPChecker{URL: "https://www.google.com", Timeout: defaultCheckTimeout},
		now:     time.Now,
		shuffle: rand.Shuffle,
		opts:    opts,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *Manager) today() string {
	return m.now().UTC().Format(domain.DateLayout)
}

// Settings returns the current pool settings.
func (m *Manager) Settings(ctx context.Context) (domain.Settings, error) {
	return m.store.LoadSettings(ctx)
}

func (m *Manager) UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.UpdateSettings(ctx, patch)
}

// Select returns a copy of a usable proxy, or nil when none is available. Valid
// priority records with remaining quota are preferred over public ones.
func (m *Manager) Select(ctx context.Context) *domain.ProxyRecord {
	candidates, settings, empty, err := m.candidates(ctx)
	if err != nil {
		log.Error("Proxy selection failed to read pool", "error", err)
		return nil
	}

	if empty {
		added, err := m.bootstrapOnce(ctx)
		if err != nil {
			log.Warn("Proxy pool bootstrap failed", "error", err)
			return nil
		}
		log.Info("Bootstrapped empty proxy pool", "added", added)

		candidates, settings, _, err = m.candidates(ctx)
		if err != nil {
			log.Error("Proxy selection failed to read pool", "error", err)
			return nil
		}
	}

	if len(candidates) == 0 {
		return nil
	}
	if !settings.VerifyBeforeUse {
		chosen := candidates[0]
		return &chosen
	}
	return m.verifyCandidates(ctx, candidates, settings.VerifyMaxAttempts)
}

// candidates lists eligible records: shuffled valid priority records with
// quota, followed by shuffled valid public records with quota.
func (m *Manager) candidates(ctx context.Context) ([]domain.ProxyRecord, domain.Settings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	settings, err := m.store.LoadSettings(ctx)
	if err != nil {
		return nil, settings, false, err
	}
	priority, err := m.store.LoadTier(ctx, domain.TierPriority)
	if err != nil {
		return nil, settings, false, err
	}
	public, err := m.store.LoadTier(ctx, domain.TierPublic)
	if err != nil {
		return nil, settings, false, err
	}
	if len(priority) == 0 && len(public) == 0 {
		return nil, settings, true, nil
	}

	today := m.today()
	eligible := func(records []domain.ProxyRecord) []domain.ProxyRecord {
		var out []domain.ProxyRecord
		for _, record := range records {
			if !record.IsValid || !record.HasQuota(today, settings.MaxDailyUsesPerProxy) {
				continue
			}
			record.RollOver(today)
			out = append(out, record)
		}
		m.shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}

	return append(eligible(priority), eligible(public)...), settings, false, nil
}

func (m *Manager) verifyCandidates(ctx context.Context, candidates []domain.ProxyRecord, maxAttempts int) *domain.ProxyRecord {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for i, candidate := range candidates {
		if i >= maxAttempts {
			break
		}
		result := m.checker.Check(ctx, candidate)
		if result.OK {
			candidate.ObserveResponseTime(float64(result.Elapsed.Milliseconds()))
			return &candidate
		}
		log.Debug("Proxy failed pre-use verification", "proxy", candidate.Address)
		if err := m.markInvalid(ctx, candidate.Address); err != nil {
			log.Warn("Failed to invalidate proxy", "proxy", candidate.Address, "error", err)
		}
	}
	return nil
}

func (m *Manager) markInvalid(ctx context.Context, address string) error {
	return m.withPools(ctx, func(_ domain.Settings, p *pools) error {
		tier, idx := p.find(address)
		if idx < 0 {
			return nil
		}
		records := p.tier(tier)
		(*records)[idx].IsValid = false
		(*records)[idx].LastCheckedAt = m.now().UnixMilli()
		p.touch(tier)
		return nil
	})
}

func (m *Manager) bootstrapOnce(ctx context.Context) (int, error) {
	v, err, _ := m.bootstrap.Do("bootstrap", func() (any, error) {
		if m.source == nil {
			return 0, nil
		}
		addresses := m.source.FetchAddresses(ctx)
		return m.ingest(ctx, addresses, m.opts.BootstrapLimit, true)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// ingest adds unseen addresses to the public tier. With onlyIfEmpty set the
// call is a no-op when another caller populated the pool meanwhile.
func (m *Manager) ingest(ctx context.Context, addresses []string, limit int, onlyIfEmpty bool) (int, error) {
	added := 0
	err := m.withPools(ctx, func(_ domain.Settings, p *pools) error {
		if onlyIfEmpty && (len(p.priority) > 0 || len(p.public) > 0) {
			return nil
		}
		now := m.now()
		for _, raw := range addresses {
			if limit > 0 && added >= limit {
				break
			}
			record, err := domain.NewProxyRecord(raw, domain.TierPublic, now)
			if err != nil {
				continue
			}
			if m.blocked(record) {
				continue
			}
			if _, idx := p.find(record.Address); idx >= 0 {
				continue
			}
			m.annotate(&record)
			p.public = append(p.public, record)
			added++
		}
		if added > 0 {
			p.touch(domain.TierPublic)
		}
		return nil
	})
	return added, err
}

func (m *Manager) blocked(record domain.ProxyRecord) bool {
	return m.filter != nil && m.filter.Blocked(record.Host())
}

func (m *Manager) annotate(record *domain.ProxyRecord) {
	if m.countries == nil {
		return
	}
	record.Country = m.countries.Country(record.Host())
}

// RecordSuccess books a successful use. A public record that answered faster
// than the promotion threshold on at least its second success moves to the
// priority tier with its fail count reset.
func (m *Manager) RecordSuccess(ctx context.Context, record *domain.ProxyRecord, elapsedSeconds float64) error {
	if record == nil {
		return nil
	}
	return m.withPools(ctx, func(settings domain.Settings, p *pools) error {
		tier, idx := p.find(record.Address)
		if idx < 0 {
			log.Debug("Ignoring success for unknown proxy", "proxy", record.Address)
			return nil
		}
		records := p.tier(tier)
		updated := (*records)[idx]

		today := m.today()
		updated.RollOver(today)
		updated.SuccessCount++
		updated.UsesToday++
		updated.LastUsedDate = today
		updated.ObserveResponseTime(elapsedSeconds * 1000)

		if tier == domain.TierPublic &&
			elapsedSeconds < settings.PromoteResponseTimeThresholdSeconds &&
			updated.SuccessCount >= 2 {
			updated.FailCount = 0
			updated.Tier = domain.TierPriority
			p.public = append(p.public[:idx], p.public[idx+1:]...)
			p.priority = append(p.priority, updated)
			p.touch(domain.TierPublic)
			p.touch(domain.TierPriority)
			log.Info("Promoted proxy to priority tier", "proxy", updated.Address, "elapsed", elapsedSeconds)
		} else {
			(*records)[idx] = updated
			p.touch(tier)
		}

		*record = updated
		return nil
	})
}

// RecordFailure books a failed use. Priority records reaching the demotion
// threshold are dropped from the pool entirely.
func (m *Manager) RecordFailure(ctx context.Context, record *domain.ProxyRecord) error {
	if record == nil {
		return nil
	}
	return m.withPools(ctx, func(settings domain.Settings, p *pools) error {
		tier, idx := p.find(record.Address)
		if idx < 0 {
			log.Debug("Ignoring failure for unknown proxy", "proxy", record.Address)
			return nil
		}
		records := p.tier(tier)
		updated := (*records)[idx]
		updated.FailCount++

		if tier == domain.TierPriority && updated.FailCount >= settings.DemoteFailCountThreshold {
			p.priority = append(p.priority[:idx], p.priority[idx+1:]...)
			p.touch(domain.TierPriority)
			log.Info("Dropped failing priority proxy", "proxy", updated.Address, "fail_count", updated.FailCount)
			*record = updated
			return nil
		}

		if updated.FailCount >= invalidateFailCount {
			updated.IsValid = false
		}
		(*records)[idx] = updated
		p.touch(tier)
		*record = updated
		return nil
	})
}

type VerifyReport struct {
	Checked       int `json:"checked"`
	Valid         int `json:"valid"`
	ValidPriority int `json:"valid_priority"`
	ValidPublic   int `json:"valid_public"`
}

// VerifyAll checks every pooled proxy concurrently and persists the outcome.
// Records removed while checks run stay removed; records added meanwhile are left
// untouched.
func (m *Manager) VerifyAll(ctx context.Context) (VerifyReport, error) {
	m.mu.Lock()
	priority, err := m.store.LoadTier(ctx, domain.TierPriority)
	if err != nil {
		m.mu.Unlock()
		return VerifyReport{}, err
	}
	public, err := m.store.LoadTier(ctx, domain.TierPublic)
	m.mu.Unlock()
	if err != nil {
		return VerifyReport{}, err
	}

	snapshot := append(append([]domain.ProxyRecord{}, priority...), public...)
	results := make([]CheckResult, len(snapshot))

	g, gctx := errgroup.WithContext(ctx)
	if m.opts.VerifyConcurrency > 0 {
		g.SetLimit(m.opts.VerifyConcurrency)
	}
	for i := range snapshot {
		g.Go(func() error {
			results[i] = m.checker.Check(gctx, snapshot[i])
			return nil
		})
	}
	_ = g.Wait()

	byAddress := make(map[string]CheckResult, len(snapshot))
	for i, record := range snapshot {
		byAddress[record.Address] = results[i]
	}

	var report VerifyReport
	checkedAt := m.now().UnixMilli()
	err = m.withPools(ctx, func(_ domain.Settings, p *pools) error {
		apply := func(tier domain.Tier) {
			records := p.tier(tier)
			for i := range *records {
				result, ok := byAddress[(*records)[i].Address]
				if !ok {
					continue
				}
				(*records)[i].IsValid = result.OK
				(*records)[i].LastCheckedAt = checkedAt
				if result.OK {
					(*records)[i].AvgResponseTimeMs = float64(result.Elapsed.Milliseconds())
					report.Valid++
					if tier == domain.TierPriority {
						report.ValidPriority++
					} else {
						report.ValidPublic++
					}
				}
				report.Checked++
			}
			p.touch(tier)
		}
		apply(domain.TierPriority)
		apply(domain.TierPublic)
		return nil
	})
	if err != nil {
		return VerifyReport{}, err
	}

	log.Info("Proxy health check finished",
		"checked", report.Checked,
		"valid", report.Valid,
		"valid_priority", report.ValidPriority,
		"valid_public", report.ValidPublic,
	)
	return report, nil
}

// Add registers a new unverified proxy. It reports false when the address is
// already pooled in either tier.
func (m *Manager) Add(ctx context.Context, raw string, toPriority bool) (bool, error) {
	tier := domain.TierPublic
	if toPriority {
		tier = domain.TierPriority
	}
	record, err := domain.NewProxyRecord(raw, tier, m.now())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	m.annotate(&record)

	added := false
	err = m.withPools(ctx, func(_ domain.Settings, p *pools) error {
		if _, idx := p.find(record.Address); idx >= 0 {
			return nil
		}
		records := p.tier(tier)
		*records = append(*records, record)
		p.touch(tier)
		added = true
		return nil
	})
	return added, err
}

// Remove deletes address from whichever tier holds it.
func (m *Manager) Remove(ctx context.Context, raw string) (bool, error) {
	address, err := domain.NormalizeAddress(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	removed := false
	err = m.withPools(ctx, func(_ domain.Settings, p *pools) error {
		tier, idx := p.find(address)
		if idx < 0 {
			return nil
		}
		records := p.tier(tier)
		*records = append((*records)[:idx], (*records)[idx+1:]...)
		p.touch(tier)
		removed = true
		return nil
	})
	return removed, err
}

type Scope string

const (
	ScopePriority Scope = "priority"
	ScopePublic   Scope = "public"
	ScopeAll      Scope = "all"
)

func ParseScope(raw string) (Scope, error) {
	switch Scope(raw) {
	case ScopePriority, ScopePublic, ScopeAll:
		return Scope(raw), nil
	case "":
		return ScopeAll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, raw)
	}
}

func (m *Manager) Clear(ctx context.Context, scope Scope) error {
	scope, err := ParseScope(string(scope))
	if err != nil {
		return err
	}
	return m.withPools(ctx, func(_ domain.Settings, p *pools) error {
		if scope == ScopePriority || scope == ScopeAll {
			p.priority = nil
			p.touch(domain.TierPriority)
		}
		if scope == ScopePublic || scope == ScopeAll {
			p.public = nil
			p.touch(domain.TierPublic)
		}
		return nil
	})
}

// Refresh pulls every configured source and adds unseen addresses to the
// public tier.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	if m.source == nil {
		return 0, nil
	}
	addresses := m.source.FetchAddresses(ctx)
	added, err := m.ingest(ctx, addresses, 0, false)
	if err != nil {
		return 0, err
	}
	log.Info("Proxy pool refreshed", "fetched", len(addresses), "added", added)
	return added, nil
}

func (m *Manager) Stats(ctx context.Context) (domain.PoolStats, error) {
	var stats domain.PoolStats
	err := m.withPools(ctx, func(settings domain.Settings, p *pools) error {
		today := m.today()
		stats.PriorityCount = len(p.priority)
		stats.PublicCount = len(p.public)
		stats.Total = stats.PriorityCount + stats.PublicCount
		for _, record := range p.priority {
			if record.IsValid {
				stats.Valid++
				stats.ValidPriority++
				if record.HasQuota(today, settings.MaxDailyUsesPerProxy) {
					stats.AvailableToday++
				}
			}
		}
		for _, record := range p.public {
			if record.IsValid {
				stats.Valid++
				stats.ValidPublic++
				if record.HasQuota(today, settings.MaxDailyUsesPerProxy) {
					stats.AvailableToday++
				}
			}
		}
		return nil
	})
	return stats, err
}

type ListFilter struct {
	Tier      domain.Tier
	ValidOnly bool
	Offset    int
	Limit     int
}

type ListPage struct {
	Proxies []domain.ProxyRecord `json:"proxies"`
	Total   int                  `json:"total"`
}

// List returns priority records before public ones, filtered and paginated.
func (m *Manager) List(ctx context.Context, filter ListFilter) (ListPage, error) {
	var all []domain.ProxyRecord
	err := m.withPools(ctx, func(_ domain.Settings, p *pools) error {
		if filter.Tier == "" || filter.Tier == domain.TierPriority {
			all = append(all, p.priority...)
		}
		if filter.Tier == "" || filter.Tier == domain.TierPublic {
			all = append(all, p.public...)
		}
		return nil
	})
	if err != nil {
		return ListPage{}, err
	}

	filtered := all[:0]
	for _, record := range all {
		if filter.ValidOnly && !record.IsValid {
			continue
		}
		filtered = append(filtered, record)
	}

	page := ListPage{Total: len(filtered), Proxies: []domain.ProxyRecord{}}
	start := max(filter.Offset, 0)
	if start >= len(filtered) {
		return page, nil
	}
	end := len(filtered)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	page.Proxies = append(page.Proxies, filtered[start:end]...)
	return page, nil
}

type pools struct {
	priority      []domain.ProxyRecord
	public        []domain.ProxyRecord
	dirtyPriority bool
	dirtyPublic   bool
}

func (p *pools) tier(tier domain.Tier) *[]domain.ProxyRecord {
	if tier == domain.TierPriority {
		return &p.priority
	}
	return &p.public
}

func (p *pools) touch(tier domain.Tier) {
	if tier == domain.TierPriority {
		p.dirtyPriority = true
		return
	}
	p.dirtyPublic = true
}

// find returns the tier and index of address, or index -1.
func (p *pools) find(address string) (domain.Tier, int) {
	for i := range p.priority {
		if p.priority[i].Address == address {
			return domain.TierPriority, i
		}
	}
	for i := range p.public {
		if p.public[i].Address == address {
			return domain.TierPublic, i
		}
	}
	return domain.TierPublic, -1
}

// withPools loads settings and both tiers under the manager lock, runs fn and
// persists the tiers fn marked as touched.
func (m *Manager) withPools(ctx context.Context, fn func(domain.Settings, *pools) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	settings, err := m.store.LoadSettings(ctx)
	if err != nil {
		return err
	}
	priority, err := m.store.LoadTier(ctx, domain.TierPriority)
	if err != nil {
		return err
	}
	public, err := m.store.LoadTier(ctx, domain.TierPublic)
	if err != nil {
		return err
	}

	p := &pools{priority: priority, public: public}
	if err := fn(settings, p); err != nil {
		return err
	}

	if p.dirtyPriority {
		if err := m.store.SaveTier(ctx, domain.TierPriority, p.priority); err != nil {
			return err
		}
	}
	if p.dirtyPublic {
		if err := m.store.SaveTier(ctx, domain.TierPublic, p.public); err != nil {
			return err
		}
	}
	return nil
}
