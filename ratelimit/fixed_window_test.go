/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newFixedWindowForTest(t *testing.T, cfg PolicyConfig, now func() time.Time) *fixedWindowLimiter {
	t.Helper()
	cfg.Kind = KindFixedWindow
	require.NoError(t, cfg.Validate())
	l, err := newFixedWindowLimiter("test-policy", &cfg, now)
	require.NoError(t, err)
	return l
}

func TestFixedWindowLimiter(t *testing.T) {
	t.Run("grants up to the limit, then rejects with retry-after", func(t *testing.T) {
		clock := newTestClock()
		l := newFixedWindowForTest(t, PolicyConfig{PermitLimit: 5, Window: TimeDuration(10 * time.Second)}, clock.Now)

		for i := 0; i < 5; i++ {
			lease, err := l.acquire(context.Background(), GlobalPartitionKey)
			require.NoError(t, err)
			require.True(t, lease.Granted())
			require.False(t, lease.Queued())
		}

		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.False(t, lease.Granted())
		require.Equal(t, ReasonLimitExceeded, lease.Reason())
		require.Equal(t, 10*time.Second, lease.RetryAfter())
	})

	t.Run("window realigns on the first request after it elapses", func(t *testing.T) {
		clock := newTestClock()
		l := newFixedWindowForTest(t, PolicyConfig{PermitLimit: 2, Window: TimeDuration(10 * time.Second)}, clock.Now)

		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())
		lease, err = l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())

		// 11s after the window opened, the next request starts a fresh window
		// anchored at its own arrival time, not at the 10s boundary.
		clock.Advance(11 * time.Second)
		lease, err = l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())
		lease, err = l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())

		clock.Advance(9 * time.Second)
		lease, err = l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.False(t, lease.Granted())
		require.Equal(t, time.Second, lease.RetryAfter())
	})

	t.Run("partitions are counted independently", func(t *testing.T) {
		clock := newTestClock()
		cfg := PolicyConfig{PermitLimit: 1, Window: TimeDuration(10 * time.Second), PartitionStrategy: PartitionPerIdentity}
		l := newFixedWindowForTest(t, cfg, clock.Now)

		lease, err := l.acquire(context.Background(), "alice")
		require.NoError(t, err)
		require.True(t, lease.Granted())

		lease, err = l.acquire(context.Background(), "alice")
		require.NoError(t, err)
		require.False(t, lease.Granted())

		lease, err = l.acquire(context.Background(), "bob")
		require.NoError(t, err)
		require.True(t, lease.Granted())
	})

	t.Run("queued requests resume FIFO when the window resets", func(t *testing.T) {
		cfg := PolicyConfig{PermitLimit: 1, Window: TimeDuration(50 * time.Millisecond), QueueLimit: 3}
		l := newFixedWindowForTest(t, cfg, time.Now)

		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())

		const waitersNum = 3
		order := make([]int, 0, waitersNum)
		var orderMu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < waitersNum; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				queuedLease, acquireErr := l.acquire(context.Background(), GlobalPartitionKey)
				require.NoError(t, acquireErr)
				require.True(t, queuedLease.Granted())
				require.True(t, queuedLease.Queued())
				orderMu.Lock()
				order = append(order, i)
				orderMu.Unlock()
			}()
			time.Sleep(10 * time.Millisecond) // enqueue in a deterministic order
		}
		wg.Wait()
		require.Equal(t, []int{0, 1, 2}, order)
	})

	t.Run("rejects when the queue is full", func(t *testing.T) {
		cfg := PolicyConfig{PermitLimit: 1, Window: TimeDuration(time.Minute), QueueLimit: 1}
		l := newFixedWindowForTest(t, cfg, time.Now)

		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())

		ctx, cancel := context.WithCancel(context.Background())
		queuedDone := make(chan *Lease, 1)
		go func() {
			queuedLease, _ := l.acquire(ctx, GlobalPartitionKey)
			queuedDone <- queuedLease
		}()
		time.Sleep(20 * time.Millisecond)

		lease, err = l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.False(t, lease.Granted())
		require.Equal(t, ReasonLimitExceeded, lease.Reason())

		cancel()
		queuedLease := <-queuedDone
		require.False(t, queuedLease.Granted())
		require.True(t, queuedLease.Queued())
		require.Equal(t, ReasonCancelled, queuedLease.Reason())
	})

	t.Run("queue wait timeout expires as a limit rejection", func(t *testing.T) {
		cfg := PolicyConfig{
			PermitLimit:      1,
			Window:           TimeDuration(time.Minute),
			QueueLimit:       1,
			QueueWaitTimeout: TimeDuration(30 * time.Millisecond),
		}
		l := newFixedWindowForTest(t, cfg, time.Now)

		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())

		start := time.Now()
		lease, err = l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.False(t, lease.Granted())
		require.True(t, lease.Queued())
		require.Equal(t, ReasonLimitExceeded, lease.Reason())
		require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("dry run marks rejections instead of refusing", func(t *testing.T) {
		clock := newTestClock()
		cfg := PolicyConfig{PermitLimit: 1, Window: TimeDuration(10 * time.Second), DryRun: true}
		l := newFixedWindowForTest(t, cfg, clock.Now)

		lease, err := l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.True(t, lease.Granted())
		require.False(t, lease.DryRun())

		lease, err = l.acquire(context.Background(), GlobalPartitionKey)
		require.NoError(t, err)
		require.False(t, lease.Granted())
		require.True(t, lease.DryRun())
	})
}
