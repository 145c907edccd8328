/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSlidingWindowForTest(t *testing.T, cfg PolicyConfig, now func() time.Time) *slidingWindowLimiter {
	t.Helper()
	cfg.Kind = KindSlidingWindow
	require.NoError(t, cfg.Validate())
	l, err := newSlidingWindowLimiter("test-policy", &cfg, now)
	require.NoError(t, err)
	return l
}

func acquireN(t *testing.T, l limiter, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		lease, err := l.acquire(context.Background(), key)
		require.NoError(t, err)
		require.True(t, lease.Granted())
	}
}

func TestSlidingWindowLimiter(t *testing.T) {
	t.Run("counts decay only at segment boundaries", func(t *testing.T) {
		clock := newTestClock()
		cfg := PolicyConfig{PermitLimit: 4, Window: TimeDuration(4 * time.Second), SegmentsPerWindow: 4}
		l := newSlidingWindowForTest(t, cfg, clock.Now)

		acquireN(t, l, GlobalPartitionKey, 4)

		// Inside the current segment nothing has expired yet.
		clock.Advance(500 * time.Millisecond)
		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.False(t, lease.Granted())
		require.Equal(t, ReasonLimitExceeded, lease.Reason())

		// One segment later the ring advances and the new active segment is
		// zeroed, but the 4 grants live in the previous segment and still count.
		clock.Advance(500 * time.Millisecond)
		lease, err = l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.False(t, lease.Granted())

		// A full window after the burst, all of it has decayed.
		clock.Advance(3 * time.Second)
		acquireN(t, l, GlobalPartitionKey, 4)
	})

	t.Run("grants spread over segments decay one segment at a time", func(t *testing.T) {
		clock := newTestClock()
		cfg := PolicyConfig{PermitLimit: 2, Window: TimeDuration(4 * time.Second), SegmentsPerWindow: 4}
		l := newSlidingWindowForTest(t, cfg, clock.Now)

		acquireN(t, l, GlobalPartitionKey, 1)
		clock.Advance(time.Second)
		acquireN(t, l, GlobalPartitionKey, 1)

		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.False(t, lease.Granted())

		// After 3 more segments the first grant's segment expires, freeing one slot.
		clock.Advance(3 * time.Second)
		acquireN(t, l, GlobalPartitionKey, 1)
		lease, err = l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.False(t, lease.Granted())
	})

	t.Run("retry-after points at the next segment expiry", func(t *testing.T) {
		clock := newTestClock()
		cfg := PolicyConfig{PermitLimit: 1, Window: TimeDuration(4 * time.Second), SegmentsPerWindow: 4}
		l := newSlidingWindowForTest(t, cfg, clock.Now)

		acquireN(t, l, GlobalPartitionKey, 1)
		clock.Advance(300 * time.Millisecond)

		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.False(t, lease.Granted())
		// The grant sits in the active segment, which leaves the window a full
		// window length after the segment it was counted in began.
		require.Equal(t, 4*time.Second-300*time.Millisecond, lease.RetryAfter())
	})

	t.Run("queued request resumes when a segment expires", func(t *testing.T) {
		cfg := PolicyConfig{
			PermitLimit:       1,
			Window:            TimeDuration(60 * time.Millisecond),
			SegmentsPerWindow: 3,
			QueueLimit:        1,
		}
		l := newSlidingWindowForTest(t, cfg, time.Now)

		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())

		start := time.Now()
		lease, err = l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())
		require.True(t, lease.Queued())
		// The freed slot appears a window after the first grant's segment began.
		require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})

	t.Run("cancellation while queued yields a cancelled outcome", func(t *testing.T) {
		cfg := PolicyConfig{
			PermitLimit:       1,
			Window:            TimeDuration(time.Minute),
			SegmentsPerWindow: 2,
			QueueLimit:        1,
		}
		l := newSlidingWindowForTest(t, cfg, time.Now)

		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan *Lease, 1)
		go func() {
			queuedLease, _ := l.acquire(ctx, GlobalPartitionKey)
			done <- queuedLease
		}()
		time.Sleep(20 * time.Millisecond)
		cancel()

		queuedLease := <-done
		require.False(t, queuedLease.Granted())
		require.True(t, queuedLease.Queued())
		require.Equal(t, ReasonCancelled, queuedLease.Reason())
	})
}
