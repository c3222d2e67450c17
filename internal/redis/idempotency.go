package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IdempotencyGuard records that a transition was applied for a given
// (reservation, transition, actor) so a retried client call can be told apart
// from a genuinely new one.
type IdempotencyGuard interface {
	// FirstAttempt returns true the first time a key is seen within the TTL
	// window, false on a repeat.
	FirstAttempt(ctx context.Context, reservationID uuid.UUID, transition string, actorID uuid.UUID) (bool, error)
}

type redisIdempotencyGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIdempotencyGuard(client *redis.Client, ttl time.Duration) IdempotencyGuard {
	return &redisIdempotencyGuard{
		client: client,
		ttl:    ttl,
	}
}

func (g *redisIdempotencyGuard) FirstAttempt(ctx context.Context, reservationID uuid.UUID, transition string, actorID uuid.UUID) (bool, error) {
	key := fmt.Sprintf("idem:reservation:%s:%s:%s", reservationID, transition, actorID)

	ok, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record idempotency key: %w", err)
	}
	return ok, nil
}

// NopIdempotencyGuard treats every call as a first attempt. Used when no
// Redis is configured; duplicate transitions then surface as conflicts.
type NopIdempotencyGuard struct{}

func (NopIdempotencyGuard) FirstAttempt(context.Context, uuid.UUID, string, uuid.UUID) (bool, error) {
	return true, nil
}
