// Package dedup lets consumers skip envelopes they have already handled.
// Redelivery and duplicate publishes both carry the same envelope id.
package dedup

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cache records envelopes that were handled to completion. Nothing is
// written while a handler is still running, so a crash or an ack timeout
// leaves the envelope free for the redelivery.
type Cache interface {
	// Seen reports whether id was already marked done.
	Seen(ctx context.Context, id string) (bool, error)
	// MarkDone records id as handled until the cache TTL runs out.
	MarkDone(ctx context.Context, id string) error
}

// Nop never remembers anything. Used when no Redis is configured.
type Nop struct{}

func (Nop) Seen(context.Context, string) (bool, error) { return false, nil }
func (Nop) MarkDone(context.Context, string) error { return nil }

type Redis struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{rdb: rdb, ttl: ttl, prefix: "hookflow:done:"}, nil
}

func (r *Redis) Seen(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) MarkDone(ctx context.Context, id string) error {
	if err := r.rdb.Set(ctx, r.prefix+id, 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
