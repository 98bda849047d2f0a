package config

import "relaypool/internal/domain"

// DefaultSettings derives the pool settings used when nothing is persisted.
func DefaultSettings(cfg Config) domain.Settings {
	return domain.Settings{
		BaseURL:                             cfg.Storage.PublicBaseURL,
		MaxDailyUsesPerProxy:                cfg.ProxyPool.MaxDailyUses,
		PoolUpdateIntervalSeconds:           cfg.ProxyPool.UpdateIntervalSeconds,
		HealthCheckIntervalSeconds:          cfg.ProxyPool.HealthCheckIntervalSeconds,
		VerifyBeforeUse:                     cfg.ProxyPool.VerifyBeforeUse,
		VerifyMaxAttempts:                   cfg.ProxyPool.VerifyMaxAttempts,
		PromoteResponseTimeThresholdSeconds: cfg.ProxyPool.PromoteThresholdSeconds,
		DemoteFailCountThreshold:            cfg.ProxyPool.DemoteFailCount,
	}
}

// ConsoleDefaultSettings are the values the management console pre-fills.
// They intentionally differ from the production defaults for daily uses,
// update interval and verify attempts.
func ConsoleDefaultSettings() domain.Settings {
	defaults := DefaultSettings(Default())
	defaults.MaxDailyUsesPerProxy = 100
	defaults.PoolUpdateIntervalSeconds = 3600
	defaults.VerifyMaxAttempts = 3
	return defaults
}
