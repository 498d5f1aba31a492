package lock

import (
	"context"
	"errors"
	"time"
)

// ============================================================================
// Account lock
// ============================================================================
//
// 【Why a lock per account?】
//
// Without one, two transfers from the same sender race:
//   job1: balance=5000 -> debit 5000 -> balance=0
//   job2: balance=5000 -> debit 5000 -> balance=-5000   double spend
//
// With the sender locked for the whole check-and-write:
//   job1: acquire -> balance=5000 -> debit 5000 -> release
//   job2: acquire refused -> back off -> acquire -> balance=0 -> insufficient funds
//
// 【Contract】
//   Acquire never blocks. A held key answers ErrContended at once; waiting is
//   the dispatcher's job, not the lock's.
//   Every lock carries a TTL so a crashed holder cannot starve the key.
//   Release and Renew check the holder token. A caller whose lock expired
//   and was taken by someone else gets ErrNotHolder and must treat it as a
//   no-op; it must never delete the new holder's lock.
//
// ============================================================================

var (
	ErrContended  = errors.New("lock is held by another holder")
	ErrNotHolder  = errors.New("token does not hold the lock")
	ErrEmptyKey   = errors.New("lock key cannot be empty")
	ErrInvalidTTL = errors.New("lock ttl must be greater than 0")
)

// Manager hands out exclusive, TTL-bounded locks keyed by string.
type Manager interface {
	// Acquire returns a fresh holder token, or ErrContended if a live lock exists.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release drops the lock only if token is the current holder.
	Release(ctx context.Context, key, token string) error
	// Renew pushes the expiry to now+ttl only if token is the current holder.
	Renew(ctx context.Context, key, token string, ttl time.Duration) error
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
