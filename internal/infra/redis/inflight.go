package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/triage/internal/core/domain"
)

// releaseScript deletes the lock only if it is still held by the same attempt.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func inflightKey(prefix string, key domain.RunKey) string {
	return fmt.Sprintf("%s:inflight:%s:%s", prefix, key.PipelineID, key.RunID)
}

// Acquire takes the cross-instance in-flight lock of a run for an attempt.
func (c *Client) Acquire(ctx context.Context, key domain.RunKey, attemptID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, inflightKey(c.prefix, key), attemptID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// Release drops the lock if attemptID still owns it.
func (c *Client) Release(ctx context.Context, key domain.RunKey, attemptID string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{inflightKey(c.prefix, key)}, attemptID).Err(); err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	return nil
}

// Holder returns the attempt holding the lock of a run, or "" if none.
func (c *Client) Holder(ctx context.Context, key domain.RunKey) (string, error) {
	val, err := c.rdb.Get(ctx, inflightKey(c.prefix, key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get failed: %w", err)
	}
	return val, nil
}
