package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"relaypool/internal/app/server"
	"relaypool/internal/artifact"
	"relaypool/internal/blacklist"
	"relaypool/internal/config"
	"relaypool/internal/database"
	"relaypool/internal/generation"
	"relaypool/internal/geolite"
	"relaypool/internal/history"
	"relaypool/internal/jobs/runtime"
	"relaypool/internal/proxypool"
	"relaypool/internal/store"
	"relaypool/internal/support"
	"relaypool/internal/transport"
)

const defaultBackendPort = 8082

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	backendPortFlag := flag.Int("backend-port", defaultBackendPort, "Port for API server")
	configFlag := flag.String("config", "", "Path to a YAML configuration file")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugFlag || os.Getenv("DEBUG") == "true" {
		log.SetLevel(log.DebugLevel)
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("CONFIG_FILE")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Server.Port = resolvePort("BACKEND_PORT", "PORT", *backendPortFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := wire(ctx, cfg)
	if err != nil {
		return err
	}
	defer components.Close()

	if err := components.Start(ctx); err != nil {
		return err
	}

	return server.Serve(ctx, cfg.Server.Port, components.Handler)
}

// Components is the fully wired application.
type Components struct {
	Config    config.Config
	KV        store.KV
	Pool      *proxypool.Manager
	History   *history.Recorder
	Generator *generation.Orchestrator
	Scheduler *runtime.Scheduler
	Blocklist *blacklist.Blocklist
	Handler   http.Handler

	redis        *redis.Client
	db           *gorm.DB
	country      *geolite.CountryReader
	settingsSync *runtime.SettingsSync
}

func wire(ctx context.Context, cfg config.Config) (*Components, error) {
	c := &Components{Config: cfg}

	kv, err := c.openStore(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.KV = kv

	objects, err := c.openObjectStorage()
	if err != nil {
		c.Close()
		return nil, err
	}

	geoUpdater := c.openGeoLite(ctx)

	headers := transport.Strategy(cfg.Generation.SpoofHeaders)

	fetcherOpts := []proxypool.FetcherOption{proxypool.WithSourceHeaders(headers)}
	if cfg.ProxyPool.BrowserControlURL != "" {
		fetcherOpts = append(fetcherOpts, proxypool.WithRenderer(proxypool.NewBrowserRenderer(cfg.ProxyPool.BrowserControlURL)))
	}
	fetcher := proxypool.NewFetcher(cfg.ProxyPool.Sources, cfg.ProxyPool.SourceTimeout(), fetcherOpts...)

	managerOpts := []proxypool.ManagerOption{
		proxypool.WithChecker(proxypool.HTTPChecker{
			URL:     cfg.ProxyPool.CheckURL,
			Timeout: cfg.ProxyPool.CheckTimeout(),
			Headers: headers,
		}),
	}
	if c.country != nil {
		managerOpts = append(managerOpts, proxypool.WithCountryResolver(c.country))
	}
	if c.Blocklist = newBlocklist(cfg.ProxyPool); c.Blocklist != nil {
		managerOpts = append(managerOpts, proxypool.WithAddressFilter(c.Blocklist))
	}
	c.Pool = proxypool.NewManager(
		store.NewPoolStore(kv, config.DefaultSettings(cfg)),
		fetcher,
		proxypool.Options{
			BootstrapLimit:    cfg.ProxyPool.BootstrapLimit,
			VerifyConcurrency: cfg.ProxyPool.VerifyConcurrency,
		},
		managerOpts...,
	)

	c.History = history.NewRecorder(kv, cfg.History.MaxSize)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client := generation.NewClient(cfg.Generation.APIURL,
		generation.WithHeaderStrategy(headers),
		generation.WithTimeouts(cfg.SubmitTimeout(), cfg.ResultTimeout()),
	)
	persister := artifact.NewPersister(objects,
		artifact.WithHeaders(headers),
		artifact.WithDownloadTimeout(cfg.DownloadTimeout()),
	)
	c.Generator = generation.NewOrchestrator(client, persister, c.History,
		generation.Defaults{
			Height:     cfg.Generation.DefaultHeight,
			Width:      cfg.Generation.DefaultWidth,
			Steps:      cfg.Generation.DefaultSteps,
			MaxRetries: cfg.Generation.MaxRetries,
		},
		generation.WithProxyPool(c.Pool, cfg.ProxyPool.Enabled),
		generation.WithMetrics(generation.NewMetrics(registry)),
	)

	schedulerOpts := []runtime.SchedulerOption{}
	if c.redis != nil {
		leader, err := support.NewLeader(c.redis, runtime.LeaderLockKey, support.DefaultLeadershipTTL)
		if err != nil {
			c.Close()
			return nil, err
		}
		schedulerOpts = append(schedulerOpts, runtime.WithLeader(leader))
	}
	if geoUpdater != nil {
		schedulerOpts = append(schedulerOpts, runtime.WithGeoLiteUpdater(geoUpdater, runtime.GeoLiteUpdateSpec))
	}
	if c.Blocklist != nil && c.Blocklist.HasSources() {
		schedulerOpts = append(schedulerOpts, runtime.WithBlocklistRefresh(c.Blocklist, blacklist.DefaultRefreshSpec))
	}
	c.Scheduler = runtime.NewScheduler(c.Pool, schedulerOpts...)

	deps := server.Dependencies{
		Generator:   c.Generator,
		Pool:        c.Pool,
		History:     c.History,
		Objects:     objects,
		ImagePrefix: cfg.Storage.URLPrefix,
		Settings:    c.Scheduler,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if c.redis != nil {
		deps.Instances = runtime.InstanceCounter{Client: c.redis}
		c.settingsSync = &runtime.SettingsSync{Client: c.redis, Scheduler: c.Scheduler}
		deps.Settings = c.settingsSync
	}
	c.Handler = server.New(deps).Handler()

	return c, nil
}

func (c *Components) openStore(ctx context.Context) (store.KV, error) {
	switch c.Config.Storage.Driver {
	case "redis":
		client, err := support.NewRedisClient(ctx, c.Config.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get redis client: %w", err)
		}
		c.redis = client
		log.Info("Using redis store", "url", c.Config.Storage.RedisURL)
		return store.NewRedisKV(client), nil
	case "postgres", "sqlite":
		db, err := c.openDB(c.Config.Storage.Driver)
		if err != nil {
			return nil, err
		}
		log.Info("Using SQL store", "driver", c.Config.Storage.Driver)
		return store.NewGormKV(db), nil
	case "memory":
		log.Warn("Using in-memory store; pool state is lost on restart")
		return store.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", c.Config.Storage.Driver)
	}
}

// openDB lazily opens the SQL database shared by the KV store and the
// database artifact bucket.
func (c *Components) openDB(driver string) (*gorm.DB, error) {
	if c.db != nil {
		return c.db, nil
	}
	dialector, err := database.Dialector(driver, c.Config.Storage.DSN)
	if err != nil {
		return nil, err
	}
	db, err := database.SetupDB(
		database.WithDialector(dialector),
		database.WithMigrations(&store.KVEntry{}, &artifact.StoredArtifact{}),
	)
	if err != nil {
		return nil, err
	}
	c.db = db
	return db, nil
}

func (c *Components) openObjectStorage() (artifact.ObjectStorage, error) {
	storage := c.Config.Storage
	switch storage.ArtifactBackend {
	case "database":
		driver := storage.Driver
		if driver != "postgres" && driver != "sqlite" {
			driver = "sqlite"
		}
		db, err := c.openDB(driver)
		if err != nil {
			return nil, err
		}
		return artifact.DatabaseBucket{DB: db, PublicBaseURL: storage.PublicBaseURL, URLPrefix: storage.URLPrefix}, nil
	default:
		return artifact.LocalBucket{Dir: storage.ArtifactDir, PublicBaseURL: storage.PublicBaseURL, URLPrefix: storage.URLPrefix}, nil
	}
}

// openGeoLite loads the country database when configured, downloading it
// first if a license key is present. Failures only disable annotation.
func (c *Components) openGeoLite(ctx context.Context) *runtime.GeoLiteUpdater {
	path := c.Config.GeoLite.CountryDB
	if path == "" {
		return nil
	}

	var downloader *geolite.Downloader
	if c.Config.GeoLite.LicenseKey != "" {
		downloader = &geolite.Downloader{LicenseKey: c.Config.GeoLite.LicenseKey, Path: path}
		if _, err := downloader.EnsureCountryDB(ctx); err != nil {
			log.Warn("GeoLite download failed", "error", err)
		}
	}

	reader, err := geolite.OpenCountry(path)
	if err != nil {
		log.Warn("GeoLite country database unavailable, proxies will not be annotated", "error", err)
		return nil
	}
	c.country = reader

	if downloader == nil {
		return nil
	}
	return &runtime.GeoLiteUpdater{Downloader: downloader, Reader: reader}
}

func newBlocklist(cfg config.ProxyPoolConfig) *blacklist.Blocklist {
	if !cfg.BlockReservedRanges && len(cfg.BlocklistSources) == 0 {
		return nil
	}
	var opts []blacklist.Option
	if cfg.BlockReservedRanges {
		opts = append(opts, blacklist.WithReservedRanges())
	}
	return blacklist.New(cfg.BlocklistSources, opts...)
}

// Start launches the background maintenance and, with a redis store, the
// instance heartbeat.
func (c *Components) Start(ctx context.Context) error {
	settings, err := c.Pool.Settings(ctx)
	if err != nil {
		log.Warn("Failed to load stored settings, using defaults", "error", err)
	}
	if err := c.Scheduler.Start(ctx, settings); err != nil {
		return fmt.Errorf("start maintenance scheduler: %w", err)
	}
	if c.Blocklist != nil && c.Blocklist.HasSources() {
		go c.Blocklist.Run(ctx)
	}
	if c.settingsSync != nil {
		go c.settingsSync.Run(ctx)
	}
	if c.redis != nil {
		go runtime.StartInstanceHeartbeat(ctx, c.redis, runtime.InstanceHeartbeatKeyPrefix, runtime.DefaultHeartbeatInterval, runtime.DefaultHeartbeatTTL)
	}
	return nil
}

func (c *Components) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.country != nil {
		c.country.Close()
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			log.Warn("error closing redis client", "error", err)
		}
	}
	if c.db != nil {
		if sqlDB, err := c.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
