package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper remembers processed provider events.
type EventDeduper interface {
	// Claim reserves eventID; false means another delivery already holds it.
	Claim(ctx context.Context, eventID string) (bool, error)
	// Release forgets eventID so a redelivery is processed again.
	Release(ctx context.Context, eventID string) error
}

type redisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper holding claims for ttl.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) EventDeduper {
	return &redisDeduper{client: client, ttl: ttl}
}

func (d *redisDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	return d.client.SetNX(ctx, "billing:event:"+eventID, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

func (d *redisDeduper) Release(ctx context.Context, eventID string) error {
	return d.client.Del(ctx, "billing:event:"+eventID).Err()
}
