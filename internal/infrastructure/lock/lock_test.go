package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness runs the same contract against every Manager. expire moves the
// backend's notion of time forward.
type harness struct {
	name   string
	m      Manager
	expire func(d time.Duration)
}

func harnesses(t *testing.T) []harness {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mem := NewMemoryManager(WithClock(clock.Now))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return []harness{
		{name: "memory", m: mem, expire: clock.Advance},
		{name: "redis", m: NewRedisManager(client), expire: mr.FastForward},
	}
}

func TestManager_AcquireIsExclusive(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()

			token, err := h.m.Acquire(ctx, "transfer:lock:account:S", time.Second)
			require.NoError(t, err)
			assert.NotEmpty(t, token)

			_, err = h.m.Acquire(ctx, "transfer:lock:account:S", time.Second)
			assert.ErrorIs(t, err, ErrContended)

			// different keys never contend
			_, err = h.m.Acquire(ctx, "transfer:lock:account:R", time.Second)
			assert.NoError(t, err)

			require.NoError(t, h.m.Release(ctx, "transfer:lock:account:S", token))

			again, err := h.m.Acquire(ctx, "transfer:lock:account:S", time.Second)
			require.NoError(t, err)
			assert.NotEqual(t, token, again, "every acquisition gets a fresh token")
		})
	}
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()

			token, err := h.m.Acquire(ctx, "k", time.Second)
			require.NoError(t, err)

			require.NoError(t, h.m.Release(ctx, "k", token))
			assert.ErrorIs(t, h.m.Release(ctx, "k", token), ErrNotHolder)
			assert.ErrorIs(t, h.m.Release(ctx, "never-locked", "whatever"), ErrNotHolder)
		})
	}
}

func TestManager_StaleHolderCannotTouchNewHolder(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()

			stale, err := h.m.Acquire(ctx, "k", time.Second)
			require.NoError(t, err)

			// holder stalls past its TTL, the key is reclaimed
			h.expire(2 * time.Second)

			fresh, err := h.m.Acquire(ctx, "k", time.Second)
			require.NoError(t, err)

			assert.ErrorIs(t, h.m.Release(ctx, "k", stale), ErrNotHolder)
			assert.ErrorIs(t, h.m.Renew(ctx, "k", stale, time.Second), ErrNotHolder)

			// the new holder is untouched
			_, err = h.m.Acquire(ctx, "k", time.Second)
			assert.ErrorIs(t, err, ErrContended)
			assert.NoError(t, h.m.Release(ctx, "k", fresh))
		})
	}
}

func TestManager_ExpiredLockWithoutNewHolder(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()

			token, err := h.m.Acquire(ctx, "k", time.Second)
			require.NoError(t, err)

			h.expire(2 * time.Second)

			assert.ErrorIs(t, h.m.Release(ctx, "k", token), ErrNotHolder)
			_, err = h.m.Acquire(ctx, "k", time.Second)
			assert.NoError(t, err)
		})
	}
}

func TestManager_RenewExtendsExpiry(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()

			token, err := h.m.Acquire(ctx, "k", 2*time.Second)
			require.NoError(t, err)

			h.expire(1500 * time.Millisecond)
			require.NoError(t, h.m.Renew(ctx, "k", token, 2*time.Second))
			h.expire(1500 * time.Millisecond)

			// 3s after acquire, only alive because of the renew
			_, err = h.m.Acquire(ctx, "k", time.Second)
			assert.ErrorIs(t, err, ErrContended)

			assert.ErrorIs(t, h.m.Renew(ctx, "k", "not-the-token", time.Second), ErrNotHolder)
			assert.NoError(t, h.m.Release(ctx, "k", token))
		})
	}
}

func TestManager_RejectsBadArguments(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := h.m.Acquire(ctx, "", time.Second)
			assert.ErrorIs(t, err, ErrEmptyKey)
			_, err = h.m.Acquire(ctx, "k", 0)
			assert.ErrorIs(t, err, ErrInvalidTTL)
			assert.ErrorIs(t, h.m.Release(ctx, "", "t"), ErrEmptyKey)
			assert.ErrorIs(t, h.m.Renew(ctx, "k", "t", -time.Second), ErrInvalidTTL)
		})
	}
}

func TestManager_ConcurrentAcquireHasOneWinner(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()

			var winners int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if _, err := h.m.Acquire(ctx, "hot", time.Minute); err == nil {
						atomic.AddInt32(&winners, 1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), winners)
		})
	}
}

func TestRedisManager_BackendDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	m := NewRedisManager(client)

	mr.Close()

	_, err := m.Acquire(context.Background(), "k", time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrContended)
}
