package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// 【Redis lock】
//
// Acquire: SET key token NX PX ttl
//   - NX: only set when the key does not exist (mutual exclusion)
//   - PX: expiry, so a crashed holder frees the key by itself
//   - token: a fresh UUID, checked on release/renew
//
// Release and renew are Lua scripts so "is it still mine?" and the DEL/PEXPIRE
// run as one atomic step inside Redis.

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisManager is a Manager shared by every process talking to the same Redis.
type RedisManager struct {
	client *redis.Client
}

func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{client: client}
}

func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validate(key, ttl); err != nil {
		return "", err
	}

	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis lock acquire %s: %w", key, err)
	}
	if !ok {
		return "", ErrContended
	}
	return token, nil
}

func (m *RedisManager) Release(ctx context.Context, key, token string) error {
	if key == "" {
		return ErrEmptyKey
	}

	n, err := releaseScript.Run(ctx, m.client, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redis lock release %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHolder
	}
	return nil
}

func (m *RedisManager) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	if err := validate(key, ttl); err != nil {
		return err
	}

	n, err := renewScript.Run(ctx, m.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis lock renew %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHolder
	}
	return nil
}

var _ Manager = (*RedisManager)(nil)
