package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leadershipRetryDelay = time.Second
	leaderOpTimeout      = 5 * time.Second
	minRenewalInterval   = time.Second
)

var (
	leaderCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// Leader is a Redis SET NX lock that lets exactly one instance run a job loop.
type Leader struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	retry  time.Duration
}

func NewLeader(client *redis.Client, key string, ttl time.Duration) (*Leader, error) {
	if client == nil {
		return nil, errors.New("support: leader lock requires a redis client")
	}
	if key == "" {
		return nil, errors.New("support: leader lock key cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	return &Leader{client: client, key: key, ttl: ttl, retry: leadershipRetryDelay}, nil
}

// Run blocks until ctx is done. Whenever the lock is held, run is invoked with
// a context that is cancelled once leadership is lost.
func (l *Leader) Run(ctx context.Context, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		session, err := l.acquire(ctx)
		if err != nil {
			return err
		}

		log.Debug("leader lock: acquired", "key", l.key)
		run(session.ctx)
		session.close()
		log.Debug("leader lock: released", "key", l.key)

		if err := l.wait(ctx); err != nil {
			return err
		}
	}
}

func (l *Leader) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.retry):
		return nil
	}
}

func (l *Leader) acquire(ctx context.Context) (*leaderSession, error) {
	value := leaderID()

	for {
		ok, err := l.client.SetNX(ctx, l.key, value, l.ttl).Result()
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn("leader lock: setnx failed", "key", l.key, "error", err)
		case ok:
			sessionCtx, cancel := context.WithCancel(ctx)
			session := &leaderSession{
				leader: l,
				value:  value,
				ctx:    sessionCtx,
				cancel: cancel,
				stop:   make(chan struct{}),
			}
			go session.renewLoop()
			return session, nil
		}

		if err := l.wait(ctx); err != nil {
			return nil, err
		}
	}
}

type leaderSession struct {
	leader    *Leader
	value     string
	ctx       context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	closeOnce sync.Once
}

func (s *leaderSession) close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), leaderOpTimeout)
		defer cancel()
		_, err := releaseScript.Run(ctx, s.leader.client, []string{s.leader.key}, s.value).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("leader lock: release failed", "key", s.leader.key, "error", err)
		}
	})
}

func (s *leaderSession) renewLoop() {
	interval := s.leader.ttl / 3
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.renew(); err != nil {
				log.Warn("leader lock: renewal failed", "key", s.leader.key, "error", err)
				s.cancel()
				return
			}
		}
	}
}

func (s *leaderSession) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderOpTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, s.leader.client, []string{s.leader.key}, s.value, s.leader.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}
	return nil
}

func leaderID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), leaderCounter.Add(1))
}
