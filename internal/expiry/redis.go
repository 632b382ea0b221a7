// Package expiry uses Redis key expiry as an early trigger for hold and
// transfer deadlines, and a Redis lease to keep sweeper replicas from
// duplicating work. The database stays the source of truth: a missed or early
// trigger is harmless because the expiring call re-checks the deadline.
package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/logger"
)

const (
	HoldPrefix     = "hold_expiry:"
	TransferPrefix = "transfer_expiry:"
	LeaseKey       = "sweeper:lease"
)

// grace keeps Redis from firing before the database considers a row due.
const grace = time.Second

type Scheduler struct {
	client *redis.Client
	clock  clock.Clock
	logger *logger.Logger
}

func NewScheduler(client *redis.Client, c clock.Clock, log *logger.Logger) *Scheduler {
	if c == nil {
		c = clock.NewSystem()
	}
	return &Scheduler{client: client, clock: c, logger: log}
}

func (s *Scheduler) ScheduleHold(ctx context.Context, holdID string, at time.Time) error {
	return s.schedule(ctx, HoldPrefix+holdID, holdID, at)
}

func (s *Scheduler) CancelHold(ctx context.Context, holdID string) error {
	return s.client.Del(ctx, HoldPrefix+holdID).Err()
}

func (s *Scheduler) ScheduleTransfer(ctx context.Context, transferID string, at time.Time) error {
	return s.schedule(ctx, TransferPrefix+transferID, transferID, at)
}

func (s *Scheduler) CancelTransfer(ctx context.Context, transferID string) error {
	return s.client.Del(ctx, TransferPrefix+transferID).Err()
}

func (s *Scheduler) schedule(ctx context.Context, key, id string, at time.Time) error {
	ttl := at.Sub(s.clock.Now()) + grace
	if ttl < grace {
		ttl = grace
	}
	if err := s.client.Set(ctx, key, id, ttl).Err(); err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	s.logger.Debug("REDIS", fmt.Sprintf("Scheduled %s in %s", key, ttl))
	return nil
}

// releaseScript deletes the lease only if this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 25 * time.Second
	}
	return &Lease{client: client, key: key, owner: uuid.NewString(), ttl: ttl}
}

func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
