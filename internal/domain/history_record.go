package domain

import "time"

// DirectConnection is recorded as ProxyUsed when no proxy served the request.
const DirectConnection = "direct"

type HistoryRecord struct {
	ID              string    `json:"id"`
	Prompt          string    `json:"prompt"`
	ArtifactURL     *string   `json:"artifact_url"`
	Success         bool      `json:"success"`
	DurationSeconds float64   `json:"duration_seconds"`
	ProxyUsed       string    `json:"proxy_used"`
	CreatedAt       time.Time `json:"created_at"`
}

type HistoryStats struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	AvgDuration float64 `json:"avg_duration"`
}
