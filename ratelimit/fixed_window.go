/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// fixedWindowLimiter bounds the number of grants within a window of fixed length.
// The window is not calendar-aligned: it realigns relative to the first request
// observed after the previous window elapsed.
type fixedWindowLimiter struct {
	policy       string
	permitLimit  int
	window       time.Duration
	queueLimit   int
	queueTimeout time.Duration
	dryRun       bool
	now          func() time.Time
	parts        *partitionStore[*fixedWindowPartition]
}

type fixedWindowPartition struct {
	mu          sync.Mutex
	started     bool
	count       int
	windowStart time.Time
	waiters     []*waiter
	timerSet    bool
}

func newFixedWindowLimiter(policy string, cfg *PolicyConfig, now func() time.Time) (*fixedWindowLimiter, error) {
	parts, err := newPartitionStore(cfg.MaxPartitions, func() *fixedWindowPartition {
		return &fixedWindowPartition{}
	})
	if err != nil {
		return nil, err
	}
	return &fixedWindowLimiter{
		policy:       policy,
		permitLimit:  cfg.PermitLimit,
		window:       time.Duration(cfg.Window),
		queueLimit:   cfg.QueueLimit,
		queueTimeout: time.Duration(cfg.QueueWaitTimeout),
		dryRun:       cfg.DryRun,
		now:          now,
		parts:        parts,
	}, nil
}

func (l *fixedWindowLimiter) acquire(ctx context.Context, key string) (*Lease, error) {
	p := l.parts.get(key)

	p.mu.Lock()
	t := l.now()
	l.realignLocked(p, t)

	// Queued requests have priority over new arrivals, otherwise the queue would starve.
	if len(p.waiters) == 0 && p.count < l.permitLimit {
		p.count++
		p.mu.Unlock()
		return grantedLease(l.policy, key, false, nil), nil
	}

	retryAfter := p.windowStart.Add(l.window).Sub(t)
	if l.queueLimit <= 0 || len(p.waiters) >= l.queueLimit {
		p.mu.Unlock()
		return rejectedLease(l.policy, key, false, ReasonLimitExceeded, retryAfter, l.dryRun), nil
	}

	w := newWaiter()
	p.waiters = append(p.waiters, w)
	l.scheduleResetLocked(p, retryAfter)
	p.mu.Unlock()

	return l.waitQueued(ctx, p, w, key), nil
}

// realignLocked resets the window relative to the current time once the
// previous one has fully elapsed.
func (l *fixedWindowLimiter) realignLocked(p *fixedWindowPartition, t time.Time) {
	if !p.started || t.Sub(p.windowStart) >= l.window {
		p.started = true
		p.count = 0
		p.windowStart = t
	}
}

func (l *fixedWindowLimiter) scheduleResetLocked(p *fixedWindowPartition, d time.Duration) {
	if p.timerSet {
		return
	}
	p.timerSet = true
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() { l.onReset(p) })
}

// onReset fires at the window boundary and hands free slots of the new window
// to queued waiters in FIFO order.
func (l *fixedWindowLimiter) onReset(p *fixedWindowPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timerSet = false

	t := l.now()
	l.realignLocked(p, t)
	for len(p.waiters) > 0 && p.count < l.permitLimit {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.count++
		w.grant()
	}
	if len(p.waiters) > 0 {
		l.scheduleResetLocked(p, p.windowStart.Add(l.window).Sub(t))
	}
}

func (l *fixedWindowLimiter) waitQueued(ctx context.Context, p *fixedWindowPartition, w *waiter, key string) *Lease {
	var timeoutC <-chan time.Time
	if l.queueTimeout > 0 {
		timer := time.NewTimer(l.queueTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-w.ready:
		return grantedLease(l.policy, key, true, nil)
	case <-timeoutC:
		if l.abandon(p, w) {
			// The grant raced with the timeout, use it.
			return grantedLease(l.policy, key, true, nil)
		}
		return rejectedLease(l.policy, key, true, ReasonLimitExceeded, l.estimateRetryAfter(p), l.dryRun)
	case <-ctx.Done():
		if l.abandon(p, w) {
			l.refund(p)
		}
		return rejectedLease(l.policy, key, true, ReasonCancelled, 0, false)
	}
}

// abandon removes w from the queue and reports whether w had already been granted.
func (l *fixedWindowLimiter) abandon(p *fixedWindowPartition, w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.granted {
		return true
	}
	p.waiters = removeWaiter(p.waiters, w)
	return false
}

// refund returns a permit that was granted to a waiter which never used it
// and hands it over to the next waiter if there is one.
func (l *fixedWindowLimiter) refund(p *fixedWindowPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count--
	if p.count < 0 {
		panic("ratelimit: fixed window permit count went negative")
	}
	if len(p.waiters) > 0 && p.count < l.permitLimit {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.count++
		w.grant()
	}
}

func (l *fixedWindowLimiter) estimateRetryAfter(p *fixedWindowPartition) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	retryAfter := p.windowStart.Add(l.window).Sub(l.now())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter
}
