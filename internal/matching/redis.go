package matching

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carelink-ng/referral/internal/shared/types"
)

const loadKeyTTL = 48 * time.Hour

// RedisLoadTracker shares same-day counters between engine instances.
// Counters are keyed by day and expire on their own.
type RedisLoadTracker struct {
	client *redis.Client
	prefix string
}

// NewRedisLoadTracker creates a Redis-backed tracker
func NewRedisLoadTracker(client *redis.Client) *RedisLoadTracker {
	return &RedisLoadTracker{client: client, prefix: "referral:load"}
}

func (t *RedisLoadTracker) key(provider types.ProviderID, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", t.prefix, dayKey(at), provider)
}

func (t *RedisLoadTracker) Load(ctx context.Context, providers []types.ProviderID, at time.Time) (map[types.ProviderID]int, error) {
	out := make(map[types.ProviderID]int, len(providers))
	if len(providers) == 0 {
		return out, nil
	}

	keys := make([]string, len(providers))
	for i, p := range providers {
		keys[i] = t.key(p, at)
	}

	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read load counters: %w", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			out[providers[i]] = 0
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt load counter %s: %w", keys[i], err)
		}
		out[providers[i]] = n
	}
	return out, nil
}

func (t *RedisLoadTracker) Increment(ctx context.Context, provider types.ProviderID, at time.Time) error {
	key := t.key(provider, at)
	pipe := t.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, loadKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment load counter: %w", err)
	}
	return nil
}
