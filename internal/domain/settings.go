package domain

// Settings are the operator-tunable pool parameters.
type Settings struct {
	BaseURL                             string  `json:"base_url,omitempty"`
	MaxDailyUsesPerProxy                uint32  `json:"max_daily_uses_per_proxy"`
	PoolUpdateIntervalSeconds           int     `json:"pool_update_interval_seconds"`
	HealthCheckIntervalSeconds          int     `json:"health_check_interval_seconds"`
	VerifyBeforeUse                     bool    `json:"verify_before_use"`
	VerifyMaxAttempts                   int     `json:"verify_max_attempts"`
	PromoteResponseTimeThresholdSeconds float64 `json:"promote_response_time_threshold_seconds"`
	DemoteFailCountThreshold            uint32  `json:"demote_fail_count_threshold"`
}

// SettingsPatch is a partial settings update; nil fields are left unchanged.
type SettingsPatch struct {
	BaseURL                             *string  `json:"base_url,omitempty"`
	MaxDailyUsesPerProxy                *uint32  `json:"max_daily_uses_per_proxy,omitempty"`
	PoolUpdateIntervalSeconds           *int     `json:"pool_update_interval_seconds,omitempty"`
	HealthCheckIntervalSeconds          *int     `json:"health_check_interval_seconds,omitempty"`
	VerifyBeforeUse                     *bool    `json:"verify_before_use,omitempty"`
	VerifyMaxAttempts                   *int     `json:"verify_max_attempts,omitempty"`
	PromoteResponseTimeThresholdSeconds *float64 `json:"promote_response_time_threshold_seconds,omitempty"`
	DemoteFailCountThreshold            *uint32  `json:"demote_fail_count_threshold,omitempty"`
}

// Apply merges the patch over s and returns the result.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.BaseURL != nil {
		s.BaseURL = *p.BaseURL
	}
	if p.MaxDailyUsesPerProxy != nil {
		s.MaxDailyUsesPerProxy = *p.MaxDailyUsesPerProxy
	}
	if p.PoolUpdateIntervalSeconds != nil {
		s.PoolUpdateIntervalSeconds = *p.PoolUpdateIntervalSeconds
	}
	if p.HealthCheckIntervalSeconds != nil {
		s.HealthCheckIntervalSeconds = *p.HealthCheckIntervalSeconds
	}
	if p.VerifyBeforeUse != nil {
		s.VerifyBeforeUse = *p.VerifyBeforeUse
	}
	if p.VerifyMaxAttempts != nil {
		s.VerifyMaxAttempts = *p.VerifyMaxAttempts
	}
	if p.PromoteResponseTimeThresholdSeconds != nil {
		s.PromoteResponseTimeThresholdSeconds = *p.PromoteResponseTimeThresholdSeconds
	}
	if p.DemoteFailCountThreshold != nil {
		s.DemoteFailCountThreshold = *p.DemoteFailCountThreshold
	}
	return s
}

type PoolStats struct {
	Total          int `json:"total"`
	Valid          int `json:"valid"`
	ValidPriority  int `json:"valid_priority"`
	ValidPublic    int `json:"valid_public"`
	AvailableToday int `json:"available_today"`
	PriorityCount  int `json:"priority_count"`
	PublicCount    int `json:"public_count"`
}
