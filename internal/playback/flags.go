package playback

import (
	"context"
	"fmt"

	"storyweave/internal/redis"
)

// Flags is the durable per-message streamed marker: once set, the message
// renders instantly on later loads instead of re-animating.
type Flags interface {
	Streamed(ctx context.Context, messageID int64) (bool, error)
	MarkStreamed(ctx context.Context, messageID int64) error
}

// RedisFlags stores streamed markers as plain keys with no expiry.
type RedisFlags struct {
	client *redis.Client
}

// NewRedisFlags wraps the shared redis client.
func NewRedisFlags(client *redis.Client) *RedisFlags {
	return &RedisFlags{client: client}
}

func flagKey(messageID int64) string {
	return fmt.Sprintf("streamed:%d", messageID)
}

func (f *RedisFlags) Streamed(ctx context.Context, messageID int64) (bool, error) {
	return f.client.Exists(ctx, flagKey(messageID))
}

func (f *RedisFlags) MarkStreamed(ctx context.Context, messageID int64) error {
	return f.client.Set(ctx, flagKey(messageID), "1", 0)
}
