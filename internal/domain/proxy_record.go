package domain

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type Tier string

const (
	TierPriority Tier = "priority"
	TierPublic   Tier = "public"
)

const socks5Scheme = "socks5://"

// DateLayout is the format of ProxyRecord.LastUsedDate.
const DateLayout = "2006-01-02"

// ProxyRecord is one tracked outbound proxy endpoint. Address is the unique key
// across both tiers.
type ProxyRecord struct {
	Address           string  `json:"address"`
	TransportURL      string  `json:"transport_url"`
	Tier              Tier    `json:"tier"`
	IsValid           bool    `json:"is_valid"`
	LastCheckedAt     int64   `json:"last_checked_at"`
	SuccessCount      uint32  `json:"success_count"`
	FailCount         uint32  `json:"fail_count"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	UsesToday         uint32  `json:"uses_today"`
	LastUsedDate      string  `json:"last_used_date"`

	Country   string    `json:"country,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewProxyRecord builds an unverified record for raw, which may carry a
// socks5:// prefix.
func NewProxyRecord(raw string, tier Tier, now time.Time) (ProxyRecord, error) {
	address, err := NormalizeAddress(raw)
	if err != nil {
		return ProxyRecord{}, err
	}

	return ProxyRecord{
		Address:      address,
		TransportURL: socks5Scheme + address,
		Tier:         tier,
		LastUsedDate: now.UTC().Format(DateLayout),
		CreatedAt:    now.UTC(),
	}, nil
}

// NormalizeAddress strips an optional scheme and returns host:port.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
	}
	trimmed = strings.TrimSuffix(trimmed, "/")

	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse proxy address %q: %w", raw, err)
	}
	if host == "" {
		return "", errors.New("proxy address has no host")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid proxy port %q", portStr)
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Host returns the host part of the address.
func (r *ProxyRecord) Host() string {
	host, _, err := net.SplitHostPort(r.Address)
	if err != nil {
		return r.Address
	}
	return host
}

// RollOver resets the daily usage counter when the last use was not today.
func (r *ProxyRecord) RollOver(today string) {
	if r.LastUsedDate != today {
		r.UsesToday = 0
		r.LastUsedDate = today
	}
}

// HasQuota reports whether the record can be used again today.
func (r *ProxyRecord) HasQuota(today string, maxDaily uint32) bool {
	if r.LastUsedDate != today {
		return true
	}
	return r.UsesToday < maxDaily
}

// ObserveResponseTime folds a sample into AvgResponseTimeMs.
func (r *ProxyRecord) ObserveResponseTime(sampleMs float64) {
	if r.AvgResponseTimeMs == 0 {
		r.AvgResponseTimeMs = sampleMs
		return
	}
	r.AvgResponseTimeMs = (r.AvgResponseTimeMs + sampleMs) / 2
}

func (t Tier) Valid() bool {
	return t == TierPriority || t == TierPublic
}
