package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"relaypool/internal/domain"
)

const (
	SettingsChannel = "relaypool:settings:updates"
	redisOpTimeout  = 5 * time.Second
)

// Rescheduler applies new pool settings to a local schedule.
type Rescheduler interface {
	Reschedule(settings domain.Settings) error
}

// SettingsSync fans settings changes out to every instance over Redis pub/sub
// so whichever instance holds the maintenance lock picks them up.
type SettingsSync struct {
	Client    *redis.Client
	Scheduler Rescheduler
}

// Reschedule publishes settings to all instances. The local schedule is
// updated immediately as well, so a publish failure only affects peers.
func (s SettingsSync) Reschedule(settings domain.Settings) error {
	localErr := s.Scheduler.Reschedule(settings)

	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings update: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.Client.Publish(ctx, SettingsChannel, payload).Err(); err != nil {
		return errors.Join(localErr, fmt.Errorf("publish settings update: %w", err))
	}
	return localErr
}

// Run applies updates published by any instance until ctx ends.
func (s SettingsSync) Run(ctx context.Context) {
	pubsub := s.Client.Subscribe(ctx, SettingsChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Settings sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}
		s.apply(msg.Payload)
	}
}

func (s SettingsSync) apply(payload string) {
	var settings domain.Settings
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		log.Error("Settings sync: invalid payload", "error", err)
		return
	}
	if err := s.Scheduler.Reschedule(settings); err != nil {
		log.Error("Settings sync: failed to apply update", "error", err)
		return
	}
	log.Debug("Settings sync: schedule updated",
		"pool_update_interval", settings.PoolUpdateIntervalSeconds,
		"health_check_interval", settings.HealthCheckIntervalSeconds,
	)
}
