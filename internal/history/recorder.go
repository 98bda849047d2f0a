package history

import (
	"context"
	"math"
	"sync"

	"github.com/charmbracelet/log"

	"relaypool/internal/domain"
	"relaypool/internal/store"
)

const DefaultMaxSize = 500

// Recorder keeps a capped, newest-first log of generation runs in the KV store.
type Recorder struct {
	kv      store.KV
	maxSize int
	mu      sync.Mutex
}

func NewRecorder(kv store.KV, maxSize int) *Recorder {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Recorder{kv: kv, maxSize: maxSize}
}

func (r *Recorder) load(ctx context.Context) ([]domain.HistoryRecord, error) {
	var records []domain.HistoryRecord
	if _, err := store.GetJSON(ctx, r.kv, store.KeyHistory, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Add prepends record and drops the oldest entries beyond the cap.
func (r *Recorder) Add(ctx context.Context, record domain.HistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load(ctx)
	if err != nil {
		log.Error("Failed to load history", "error", err)
		return err
	}

	records = append([]domain.HistoryRecord{record}, records...)
	if len(records) > r.maxSize {
		records = records[:r.maxSize]
	}

	if err := store.SetJSON(ctx, r.kv, store.KeyHistory, records); err != nil {
		log.Error("Failed to save history record", "id", record.ID, "error", err)
		return err
	}
	return nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (r *Recorder) List(ctx context.Context, limit int) ([]domain.HistoryRecord, error) {
	records, err := r.load(ctx)
	if err != nil {
		log.Error("Failed to load history", "error", err)
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	if records == nil {
		records = []domain.HistoryRecord{}
	}
	return records, nil
}

func (r *Recorder) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := store.SetJSON(ctx, r.kv, store.KeyHistory, []domain.HistoryRecord{}); err != nil {
		log.Error("Failed to clear history", "error", err)
		return err
	}
	return nil
}

// Stats summarises the retained records. SuccessRate is a percentage with one
// decimal; AvgDuration is in seconds with two decimals.
func (r *Recorder) Stats(ctx context.Context) (domain.HistoryStats, error) {
	records, err := r.List(ctx, 0)
	if err != nil {
		return domain.HistoryStats{}, err
	}

	stats := domain.HistoryStats{Total: len(records)}
	if stats.Total == 0 {
		return stats, nil
	}

	var totalDuration float64
	for _, record := range records {
		if record.Success {
			stats.Success++
		}
		totalDuration += record.DurationSeconds
	}
	stats.Failed = stats.Total - stats.Success
	stats.SuccessRate = roundTo(float64(stats.Success)/float64(stats.Total)*100, 1)
	stats.AvgDuration = roundTo(totalDuration/float64(stats.Total), 2)
	return stats, nil
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
