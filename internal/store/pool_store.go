package store

import (
	"context"
	"fmt"

	"relaypool/internal/domain"
)

// PoolStore persists the two proxy tiers and the pool settings.
type PoolStore struct {
	kv       KV
	defaults domain.Settings
}

func NewPoolStore(kv KV, defaults domain.Settings) *PoolStore {
	return &PoolStore{kv: kv, defaults: defaults}
}

func tierKey(tier domain.Tier) (string, error) {
	switch tier {
	case domain.TierPriority:
		return KeyPriorityProxies, nil
	case domain.TierPublic:
		return KeyPublicProxies, nil
	default:
		return "", fmt.Errorf("store: unknown tier %q", tier)
	}
}

// LoadTier returns the records of tier in stored order; a missing key is an
// empty tier.
func (s *PoolStore) LoadTier(ctx context.Context, tier domain.Tier) ([]domain.ProxyRecord, error) {
	key, err := tierKey(tier)
	if err != nil {
		return nil, err
	}

	var records []domain.ProxyRecord
	if _, err := GetJSON(ctx, s.kv, key, &records); err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Tier = tier
	}
	return records, nil
}

func (s *PoolStore) SaveTier(ctx context.Context, tier domain.Tier, records []domain.ProxyRecord) error {
	key, err := tierKey(tier)
	if err != nil {
		return err
	}
	if records == nil {
		records = []domain.ProxyRecord{}
	}
	return SetJSON(ctx, s.kv, key, records)
}

// LoadSettings overlays the stored settings document on the defaults so that
// fields missing from the document keep their default value.
func (s *PoolStore) LoadSettings(ctx context.Context) (domain.Settings, error) {
	var patch domain.SettingsPatch
	if _, err := GetJSON(ctx, s.kv, KeySettings, &patch); err != nil {
		return s.defaults, err
	}
	return patch.Apply(s.defaults), nil
}

func (s *PoolStore) SaveSettings(ctx context.Context, settings domain.Settings) error {
	return SetJSON(ctx, s.kv, KeySettings, settings)
}

// UpdateSettings merges patch over the current settings and persists the result.
func (s *PoolStore) UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	current, err := s.LoadSettings(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	updated := patch.Apply(current)
	if err := s.SaveSettings(ctx, updated); err != nil {
		return domain.Settings{}, err
	}
	return updated, nil
}
