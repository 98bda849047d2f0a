package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"relaypool/internal/blacklist"
	"relaypool/internal/config"
	"relaypool/internal/domain"
	"relaypool/internal/proxypool"
	"relaypool/internal/support"
)

const (
	LeaderLockKey = "relaypool:leader:maintenance"

	jobPoolRefresh   = "pool_refresh"
	jobHealthCheck   = "health_check"
	jobGeoLiteUpdate = "geolite_update"
	jobBlocklist     = "blocklist_refresh"
)

type scheduledJob struct {
	name string
	spec string
	run  func(context.Context)
}

// PoolMaintainer is the part of the pool manager the scheduled jobs drive.
type PoolMaintainer interface {
	Refresh(ctx context.Context) (int, error)
	VerifyAll(ctx context.Context) (proxypool.VerifyReport, error)
}

// Scheduler runs pool maintenance on @every schedules derived from the pool
// settings. With a leader lock configured only the lock holder runs the pool
// jobs; jobs that refresh per-process state run on every instance.
type Scheduler struct {
	pool   PoolMaintainer
	leader *support.Leader
	fixed  []scheduledJob

	mu       sync.Mutex
	cron     *cron.Cron
	ctx      context.Context
	entries  map[string]cron.EntryID
	settings domain.Settings
	running  bool

	local        *cron.Cron
	localEntries map[string]cron.EntryID
}

type SchedulerOption func(*Scheduler)

func WithLeader(leader *support.Leader) SchedulerOption {
	return func(s *Scheduler) {
		s.leader = leader
	}
}

// WithGeoLiteUpdater adds a GeoLite refresh job on spec, e.g. "@every 24h".
func WithGeoLiteUpdater(updater *GeoLiteUpdater, spec string) SchedulerOption {
	return func(s *Scheduler) {
		s.fixed = append(s.fixed, scheduledJob{jobGeoLiteUpdate, spec, updater.Run})
	}
}

// WithBlocklistRefresh reloads the ingestion blocklist sources on spec.
func WithBlocklistRefresh(blocklist *blacklist.Blocklist, spec string) SchedulerOption {
	return func(s *Scheduler) {
		s.fixed = append(s.fixed, scheduledJob{jobBlocklist, spec, blocklist.Run})
	}
}

func NewScheduler(pool PoolMaintainer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		pool:         pool,
		entries:      make(map[string]cron.EntryID),
		localEntries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newCron() *cron.Cron {
	return cron.New(cron.WithChain(
		cron.Recover(cronLogger{}),
		cron.SkipIfStillRunning(cronLogger{}),
	))
}

// Start schedules the jobs. It returns immediately; jobs stop when ctx ends.
func (s *Scheduler) Start(ctx context.Context, settings domain.Settings) error {
	if err := s.startLocal(ctx); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if s.leader == nil {
		return s.startCron(ctx, settings)
	}

	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	go func() {
		err := s.leader.Run(ctx, func(leaderCtx context.Context) {
			s.mu.Lock()
			current := s.settings
			s.mu.Unlock()

			if err := s.startCron(leaderCtx, current); err != nil {
				log.Error("Maintenance scheduler failed to start", "error", err)
				return
			}
			<-leaderCtx.Done()
			s.stopPool()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Maintenance leadership loop stopped", "error", err)
		}
	}()
	return nil
}

// startLocal runs the per-process jobs outside the leader lock.
func (s *Scheduler) startLocal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fixed) == 0 {
		return nil
	}
	s.local = newCron()
	s.localEntries = make(map[string]cron.EntryID)
	if err := addJobs(ctx, s.local, s.localEntries, s.fixed); err != nil {
		return err
	}
	s.local.Start()
	return nil
}

func (s *Scheduler) startCron(ctx context.Context, settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx
	s.settings = settings
	s.cron = newCron()
	s.entries = make(map[string]cron.EntryID)
	if err := s.scheduleLocked(); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	log.Info("Maintenance scheduler started",
		"pool_update_interval", settings.PoolUpdateIntervalSeconds,
		"health_check_interval", settings.HealthCheckIntervalSeconds,
	)
	return nil
}

func (s *Scheduler) scheduleLocked() error {
	jobs := []scheduledJob{
		{jobPoolRefresh, config.EverySpec(s.settings.PoolUpdateIntervalSeconds), s.runRefresh},
		{jobHealthCheck, config.EverySpec(s.settings.HealthCheckIntervalSeconds), s.runHealthCheck},
	}
	return addJobs(s.ctx, s.cron, s.entries, jobs)
}

func addJobs(ctx context.Context, c *cron.Cron, entries map[string]cron.EntryID, jobs []scheduledJob) error {
	for _, job := range jobs {
		if job.spec == "" {
			log.Debug("Maintenance job disabled", "job", job.name)
			continue
		}
		run := job.run
		id, err := c.AddFunc(job.spec, func() { run(ctx) })
		if err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.spec, err)
		}
		entries[job.name] = id
	}
	return nil
}

// Reschedule replaces the pool job schedules after a settings change. On an
// instance that is not running pool jobs it only remembers the settings for
// when it takes over.
func (s *Scheduler) Reschedule(settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = settings
	if !s.running {
		return nil
	}
	for name, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	return s.scheduleLocked()
}

// Stop halts every job and waits for running ones to finish.
func (s *Scheduler) Stop() {
	s.stopPool()

	s.mu.Lock()
	local := s.local
	s.local = nil
	s.mu.Unlock()

	if local != nil {
		<-local.Stop().Done()
	}
}

func (s *Scheduler) stopPool() {
	s.mu.Lock()
	c := s.cron
	running := s.running
	s.running = false
	s.mu.Unlock()

	if c != nil && running {
		<-c.Stop().Done()
		log.Info("Maintenance scheduler stopped")
	}
}

// IsRunning reports whether this instance is running the pool jobs.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRuns reports the next activation time of each scheduled job.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.entries)+len(s.localEntries))
	if s.cron != nil && s.running {
		for name, id := range s.entries {
			out[name] = s.cron.Entry(id).Next
		}
	}
	if s.local != nil {
		for name, id := range s.localEntries {
			out[name] = s.local.Entry(id).Next
		}
	}
	return out
}

func (s *Scheduler) runRefresh(ctx context.Context) {
	added, err := s.pool.Refresh(ctx)
	if err != nil {
		log.Error("Scheduled proxy refresh failed", "error", err)
		return
	}
	log.Debug("Scheduled proxy refresh completed", "added", added)
}

func (s *Scheduler) runHealthCheck(ctx context.Context) {
	report, err := s.pool.VerifyAll(ctx)
	if err != nil {
		log.Error("Scheduled proxy health check failed", "error", err)
		return
	}
	log.Debug("Scheduled proxy health check completed", "checked", report.Checked, "valid", report.Valid)
}

// cronLogger adapts cron's logr-style logger to charmbracelet/log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
