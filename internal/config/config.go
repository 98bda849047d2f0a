package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// DefaultProxySources point at plaintext ip:port lists of public SOCKS5 proxies.
var DefaultProxySources = []string{
	"https://cdn.jsdelivr.net/gh/proxifly/free-proxy-list@main/proxies/protocols/socks5/data.txt",
	"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks5.txt",
	"https://raw.githubusercontent.com/TheSpeedX/SOCKS-List/master/socks5.txt",
	"https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/socks5.txt",
	"https://sockslist.us/Raw",
	"https://raw.githubusercontent.com/jetkai/proxy-list/main/online-proxies/txt/proxies-socks5.txt",
	"https://vakhov.github.io/fresh-proxy-list/socks5.txt",
}

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Generation struct {
		APIURL               string `yaml:"api_url"`
		DefaultHeight        int    `yaml:"default_height"`
		DefaultWidth         int    `yaml:"default_width"`
		DefaultSteps         int    `yaml:"default_steps"`
		MaxRetries           int    `yaml:"max_retries"`
		SubmitTimeoutSeconds int    `yaml:"submit_timeout_seconds"`
		ResultTimeoutSeconds int    `yaml:"result_timeout_seconds"`
		SpoofHeaders         bool   `yaml:"spoof_headers"`
	} `yaml:"generation"`

	ProxyPool ProxyPoolConfig `yaml:"proxy_pool"`

	Storage struct {
		Driver          string `yaml:"driver"` // redis, postgres, sqlite or memory
		RedisURL        string `yaml:"redis_url"`
		DSN             string `yaml:"dsn"`
		ArtifactBackend string `yaml:"artifact_backend"` // disk or database
		ArtifactDir     string `yaml:"artifact_dir"`
		PublicBaseURL   string `yaml:"public_base_url"`
		URLPrefix       string `yaml:"url_prefix"`
		DownloadTimeout int    `yaml:"download_timeout_seconds"`
	} `yaml:"storage"`

	History struct {
		MaxSize int `yaml:"max_size"`
	} `yaml:"history"`

	GeoLite struct {
		CountryDB  string `yaml:"country_db"`
		LicenseKey string `yaml:"license_key"`
	} `yaml:"geolite"`
}

type ProxyPoolConfig struct {
	Enabled                    bool     `yaml:"enabled"`
	MaxDailyUses               uint32   `yaml:"max_daily_uses"`
	UpdateIntervalSeconds      int      `yaml:"update_interval_seconds"`
	HealthCheckIntervalSeconds int      `yaml:"health_check_interval_seconds"`
	PromoteThresholdSeconds    float64  `yaml:"promote_threshold_seconds"`
	DemoteFailCount            uint32   `yaml:"demote_fail_count"`
	VerifyBeforeUse            bool     `yaml:"verify_before_use"`
	VerifyMaxAttempts          int      `yaml:"verify_max_attempts"`
	Sources                    []string `yaml:"sources"`
	SourceTimeoutSeconds       int      `yaml:"source_timeout_seconds"`
	BootstrapLimit             int      `yaml:"bootstrap_limit"`
	CheckURL                   string   `yaml:"check_url"`
	CheckTimeoutSeconds        int      `yaml:"check_timeout_seconds"`
	VerifyConcurrency          int      `yaml:"verify_concurrency"`
	BrowserControlURL          string   `yaml:"browser_control_url"`
	BlockReservedRanges        bool     `yaml:"block_reserved_ranges"`
	BlocklistSources           []string `yaml:"blocklist_sources"`
}

// Default returns the production configuration.
func Default() Config {
	var cfg Config
	cfg.Server.Port = 8082

	cfg.Generation.APIURL = "https://mrfakename-z-image-turbo.hf.space"
	cfg.Generation.DefaultHeight = 1024
	cfg.Generation.DefaultWidth = 1024
	cfg.Generation.DefaultSteps = 9
	cfg.Generation.MaxRetries = 3
	cfg.Generation.SubmitTimeoutSeconds = 60
	cfg.Generation.ResultTimeoutSeconds = 180
	cfg.Generation.SpoofHeaders = true

	cfg.ProxyPool = ProxyPoolConfig{
		MaxDailyUses:               5,
		UpdateIntervalSeconds:      300,
		HealthCheckIntervalSeconds: 120,
		PromoteThresholdSeconds:    5.0,
		DemoteFailCount:            3,
		VerifyMaxAttempts:          5,
		Sources:                    append([]string(nil), DefaultProxySources...),
		SourceTimeoutSeconds:       15,
		BootstrapLimit:             100,
		CheckURL:                   "https://www.google.com",
		CheckTimeoutSeconds:        5,
		BlockReservedRanges:        true,
	}

	cfg.Storage.Driver = "redis"
	cfg.Storage.RedisURL = "redis://localhost:6379"
	cfg.Storage.ArtifactBackend = "disk"
	cfg.Storage.ArtifactDir = "data/images"
	cfg.Storage.PublicBaseURL = "http://localhost:8082"
	cfg.Storage.URLPrefix = "/images"
	cfg.Storage.DownloadTimeout = 60

	cfg.History.MaxSize = 500
	return cfg
}

// Load builds the configuration from defaults, the optional YAML file at path
// and finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse configuration file %q: %w", path, err)
		}
		log.Debug("Configuration file loaded", "path", path)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	if cfg.Generation.APIURL == "" {
		return fmt.Errorf("config: generation api url is required")
	}
	if cfg.Generation.MaxRetries < 1 {
		return fmt.Errorf("config: max retries must be at least 1, got %d", cfg.Generation.MaxRetries)
	}
	if cfg.History.MaxSize < 1 {
		return fmt.Errorf("config: history max size must be positive, got %d", cfg.History.MaxSize)
	}
	switch cfg.Storage.Driver {
	case "redis", "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown storage driver %q", cfg.Storage.Driver)
	}
	switch cfg.Storage.ArtifactBackend {
	case "disk", "database":
	default:
		return fmt.Errorf("config: unknown artifact backend %q", cfg.Storage.ArtifactBackend)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Generation.APIURL, "ZIMAGE_API_URL")
	setInt(&cfg.Generation.MaxRetries, "GENERATION_MAX_RETRIES")
	setBool(&cfg.Generation.SpoofHeaders, "GENERATION_SPOOF_HEADERS")

	setBool(&cfg.ProxyPool.Enabled, "PROXY_POOL_ENABLED")
	setUint32(&cfg.ProxyPool.MaxDailyUses, "PROXY_POOL_MAX_DAILY")
	setInt(&cfg.ProxyPool.UpdateIntervalSeconds, "PROXY_POOL_UPDATE_INTERVAL")
	setInt(&cfg.ProxyPool.HealthCheckIntervalSeconds, "PROXY_HEALTH_CHECK_INTERVAL")
	setFloat(&cfg.ProxyPool.PromoteThresholdSeconds, "PROXY_PROMOTE_THRESHOLD")
	setUint32(&cfg.ProxyPool.DemoteFailCount, "PROXY_DEMOTE_FAIL_COUNT")
	setBool(&cfg.ProxyPool.VerifyBeforeUse, "PROXY_VERIFY_BEFORE_USE")
	setInt(&cfg.ProxyPool.VerifyMaxAttempts, "PROXY_VERIFY_MAX_ATTEMPTS")
	setString(&cfg.ProxyPool.CheckURL, "PROXY_CHECK_URL")
	setString(&cfg.ProxyPool.BrowserControlURL, "BROWSER_CONTROL_URL")
	if raw, ok := os.LookupEnv("PROXY_SOURCES"); ok {
		if sources := splitSources(raw); len(sources) > 0 {
			cfg.ProxyPool.Sources = sources
		}
	}

	setBool(&cfg.ProxyPool.BlockReservedRanges, "PROXY_BLOCK_RESERVED")
	if raw, ok := os.LookupEnv("BLOCKLIST_SOURCES"); ok {
		cfg.ProxyPool.BlocklistSources = splitSources(raw)
	}

	setString(&cfg.Storage.Driver, "STORE_DRIVER")
	setString(&cfg.Storage.RedisURL, "REDIS_URL")
	setString(&cfg.Storage.DSN, "DATABASE_DSN")
	setString(&cfg.Storage.ArtifactBackend, "ARTIFACT_BACKEND")
	setString(&cfg.Storage.ArtifactDir, "ARTIFACT_DIR")
	setString(&cfg.Storage.PublicBaseURL, "PUBLIC_BASE_URL")

	setInt(&cfg.History.MaxSize, "HISTORY_MAX_SIZE")
	setString(&cfg.GeoLite.CountryDB, "GEOLITE_COUNTRY_DB")
	setString(&cfg.GeoLite.LicenseKey, "GEOLITE_LICENSE_KEY")
}

// splitSources accepts comma or newline separated URLs.
func splitSources(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' })
	sources := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			sources = append(sources, trimmed)
		}
	}
	return sources
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.EqualFold(strings.TrimSpace(v), "true")
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn("invalid integer override", "env", key, "value", v)
		return
	}
	*dst = parsed
}

func setUint32(dst *uint32, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		log.Warn("invalid integer override", "env", key, "value", v)
		return
	}
	*dst = uint32(parsed)
}

func setFloat(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Warn("invalid float override", "env", key, "value", v)
		return
	}
	*dst = parsed
}

func (cfg Config) SubmitTimeout() time.Duration {
	return Seconds(cfg.Generation.SubmitTimeoutSeconds)
}

func (cfg Config) ResultTimeout() time.Duration {
	return Seconds(cfg.Generation.ResultTimeoutSeconds)
}

func (cfg Config) DownloadTimeout() time.Duration {
	return Seconds(cfg.Storage.DownloadTimeout)
}

func (p ProxyPoolConfig) CheckTimeout() time.Duration {
	return Seconds(p.CheckTimeoutSeconds)
}

func (p ProxyPoolConfig) SourceTimeout() time.Duration {
	return Seconds(p.SourceTimeoutSeconds)
}
