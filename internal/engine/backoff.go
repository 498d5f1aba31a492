package engine

import (
	"context"
	"math/rand"
	"time"
)

// contentionDelay returns the wait before the next lock attempt.
//
// The exponential part is min(base*2^(attempt-1), limit). Half of it is kept and
// the other half is jittered, so retries from many jobs spread out but a job
// never retries faster than half the schedule. That lower bound is what lets
// MaxAttempts be sized against the lock TTL.
func contentionDelay(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := limit
	if shift := attempt - 1; shift < 32 {
		if d := base << uint(shift); d > 0 && d < limit {
			delay = d
		}
	}

	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// sleepContext waits d, or less if ctx is done or wake fires. A nil wake
// never fires. Only a done ctx is reported as an error.
func sleepContext(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
