// Package redisdedup provides an optional Redis-backed message-id dedup
// set ahead of the telemetry handler's Postgres batch insert, using
// SETNX with a TTL as the seen-before marker. It is purely an
// optimization: the repository's own unique index on message_id
// remains the source of truth for idempotency.
package redisdedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers recently-seen telemetry message ids so the handler
// can skip a duplicate before it reaches the batch queue.
type Dedup struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies reachability.
func New(addr, password string, db int, ttl time.Duration) (*Dedup, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Dedup{client: client, ttl: ttl}, nil
}

// SeenBefore atomically marks messageID as seen and reports whether it
// had already been recorded. A Redis error is treated as "not seen" so
// the handler falls through to the repository's authoritative check
// rather than dropping a message because the cache was unavailable.
func (d *Dedup) SeenBefore(ctx context.Context, messageID string) bool {
	ok, err := d.client.SetNX(ctx, "derms:telemetry:seen:"+messageID, "1", d.ttl).Result()
	if err != nil {
		return false
	}
	return !ok
}

// Close releases the client.
func (d *Dedup) Close() error {
	return d.client.Close()
}
