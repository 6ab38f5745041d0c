package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Blacklist = (*RedisBlacklist)(nil)

// RedisBlacklist implements Blacklist on top of Redis key expiry. The
// store's native TTL handles cleanup, so Cleanup is a no-op and lazy
// expiry comes for free.
type RedisBlacklist struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisBlacklist wraps an existing client. The caller owns the client's
// lifecycle; Shutdown does not close it.
func NewRedisBlacklist(client *redis.Client, prefix string) *RedisBlacklist {
	if prefix == "" {
		prefix = "auth:blacklist"
	}
	return &RedisBlacklist{client: client, prefix: prefix, now: time.Now}
}

func (b *RedisBlacklist) key(jti string) string {
	return fmt.Sprintf("%s:%s", b.prefix, jti)
}

func (b *RedisBlacklist) Add(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return ErrInvalidInput
	}
	ttl := expiresAt.Sub(b.now())
	if ttl <= 0 {
		return nil
	}
	if err := b.client.Set(ctx, b.key(jti), 1, ttl).Err(); err != nil {
		return fmt.Errorf("blacklist add: %w", err)
	}
	return nil
}

func (b *RedisBlacklist) Has(ctx context.Context, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("blacklist check: %w", err)
	}
	return n > 0, nil
}

func (b *RedisBlacklist) Remove(ctx context.Context, jti string) error {
	if err := b.client.Del(ctx, b.key(jti)).Err(); err != nil {
		return fmt.Errorf("blacklist remove: %w", err)
	}
	return nil
}

// Cleanup is handled by Redis key expiry.
func (b *RedisBlacklist) Cleanup(ctx context.Context) error { return nil }

func (b *RedisBlacklist) Shutdown() {}
