package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// MemoryManager is a process-local Manager. The single mutex makes the
// check-and-set in Acquire atomic, which is all the engine needs when only
// one process dispatches.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

type MemoryOption func(*MemoryManager)

// WithClock replaces time.Now, so tests can expire locks without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryManager) {
		m.now = now
	}
}

func NewMemoryManager(opts ...MemoryOption) *MemoryManager {
	m := &MemoryManager{
		locks: make(map[string]memoryLock),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	if err := validate(key, ttl); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.locks[key]; ok && now.Before(held.expiresAt) {
		return "", ErrContended
	}

	token := uuid.NewString()
	m.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (m *MemoryManager) Release(_ context.Context, key, token string) error {
	if key == "" {
		return ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.locks[key]
	if !ok || held.token != token {
		return ErrNotHolder
	}
	delete(m.locks, key)
	if !m.now().Before(held.expiresAt) {
		// it was already reclaimable; the caller lost it even if nobody took it
		return ErrNotHolder
	}
	return nil
}

func (m *MemoryManager) Renew(_ context.Context, key, token string, ttl time.Duration) error {
	if err := validate(key, ttl); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	held, ok := m.locks[key]
	if !ok || held.token != token || !now.Before(held.expiresAt) {
		return ErrNotHolder
	}
	held.expiresAt = now.Add(ttl)
	m.locks[key] = held
	return nil
}

var _ Manager = (*MemoryManager)(nil)
