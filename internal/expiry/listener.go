package expiry

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"ms-ticket-inventory/internal/logger"
)

const expiredPattern = "__keyevent@*__:expired"

type HoldExpirer interface {
	ExpireHold(ctx context.Context, holdID string) (bool, error)
}

type TransferExpirer interface {
	ExpireTransfer(ctx context.Context, transferID string) (bool, error)
}

// Listener reacts to expired hold_expiry:/transfer_expiry: keys.
type Listener struct {
	client    *redis.Client
	holds     HoldExpirer
	transfers TransferExpirer
	logger    *logger.Logger
}

func NewListener(client *redis.Client, holds HoldExpirer, transfers TransferExpirer, log *logger.Logger) *Listener {
	return &Listener{client: client, holds: holds, transfers: transfers, logger: log}
}

// Listen blocks until ctx is cancelled or the subscription breaks.
func (l *Listener) Listen(ctx context.Context) error {
	if err := l.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		// Managed Redis often forbids CONFIG; the operator must enable it.
		l.logger.Warn("REDIS", fmt.Sprintf("Could not enable keyspace notifications: %v", err))
	}

	pubsub := l.client.PSubscribe(ctx, expiredPattern)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", expiredPattern, err)
	}
	l.logger.Info("REDIS", fmt.Sprintf("Subscribed to expired key events (DB %d)", l.client.Options().DB))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("expired key subscription closed")
			}
			l.handle(ctx, msg.Payload)
		}
	}
}

// handle reports whether key belonged to this service.
func (l *Listener) handle(ctx context.Context, key string) bool {
	switch {
	case strings.HasPrefix(key, HoldPrefix):
		id := strings.TrimPrefix(key, HoldPrefix)
		claimed, err := l.holds.ExpireHold(ctx, id)
		if err != nil {
			l.logger.Error("REDIS", fmt.Sprintf("Failed to expire hold %s: %v", id, err))
		} else if claimed {
			l.logger.Info("REDIS", fmt.Sprintf("Hold %s expired on key event", id))
		}
		return true

	case strings.HasPrefix(key, TransferPrefix) && l.transfers != nil:
		id := strings.TrimPrefix(key, TransferPrefix)
		claimed, err := l.transfers.ExpireTransfer(ctx, id)
		if err != nil {
			l.logger.Error("REDIS", fmt.Sprintf("Failed to expire transfer %s: %v", id, err))
		} else if claimed {
			l.logger.Info("REDIS", fmt.Sprintf("Transfer %s expired on key event", id))
		}
		return true
	}
	return false
}
