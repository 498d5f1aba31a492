package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContentionDelay_Bounds(t *testing.T) {
	base, limit := 10*time.Millisecond, 200*time.Millisecond

	tests := []struct {
		attempt  int
		schedule time.Duration
	}{
		{attempt: 0, schedule: 10 * time.Millisecond},
		{attempt: 1, schedule: 10 * time.Millisecond},
		{attempt: 2, schedule: 20 * time.Millisecond},
		{attempt: 4, schedule: 80 * time.Millisecond},
		{attempt: 6, schedule: 200 * time.Millisecond},
		{attempt: 100, schedule: 200 * time.Millisecond},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := contentionDelay(base, limit, tt.attempt)
			assert.GreaterOrEqual(t, d, tt.schedule/2, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, tt.schedule, "attempt %d", tt.attempt)
		}
	}

	assert.Zero(t, contentionDelay(0, limit, 3))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour, nil), context.Canceled)
	assert.ErrorIs(t, sleepContext(ctx, 0, nil), context.Canceled)
}

func TestSleepContext_WakeCutsSleepShort(t *testing.T) {
	wake := make(chan struct{}, 1)
	wake <- struct{}{}

	start := time.Now()
	assert.NoError(t, sleepContext(context.Background(), time.Hour, wake))
	assert.Less(t, time.Since(start), time.Second)
}
