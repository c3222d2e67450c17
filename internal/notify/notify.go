// Package notify publishes reservation lifecycle events so the party that
// did not act can be alerted. Delivery is best-effort, at-most-once: a
// publish failure is the caller's to log, never to propagate into the
// already-committed state transition.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const ChannelStatusChanged = "reservation.status_changed"

type StatusChangedEvent struct {
	ReservationID string `json:"reservation_id"`
	OldStatus     string `json:"old_status"`
	NewStatus     string `json:"new_status"`
	ActorRole     string `json:"actor_role"`
}

type Dispatcher interface {
	StatusChanged(ctx context.Context, ev StatusChangedEvent) error
}

// RedisDispatcher publishes events on a Redis pub/sub channel.
type RedisDispatcher struct {
	client *redis.Client
}

func NewRedisDispatcher(client *redis.Client) *RedisDispatcher {
	return &RedisDispatcher{client: client}
}

func (d *RedisDispatcher) StatusChanged(ctx context.Context, ev StatusChangedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status change event: %w", err)
	}

	if err := d.client.Publish(ctx, ChannelStatusChanged, data).Err(); err != nil {
		return fmt.Errorf("publish status change event: %w", err)
	}

	return nil
}

// NopDispatcher drops all events. Used when no broker is configured.
type NopDispatcher struct{}

func (NopDispatcher) StatusChanged(context.Context, StatusChangedEvent) error {
	return nil
}
