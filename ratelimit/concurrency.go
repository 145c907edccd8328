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

// concurrencyLimiter bounds the number of simultaneously held leases per
// partition. A granted lease must be released on all completion paths; the
// freed permit is handed to the oldest queued waiter, so resumption is strictly
// FIFO and the number of held leases never exceeds the permit limit.
type concurrencyLimiter struct {
	policy       string
	permitLimit  int
	queueLimit   int
	queueTimeout time.Duration
	dryRun       bool
	parts        *partitionStore[*concurrencyPartition]
}

type concurrencyPartition struct {
	mu      sync.Mutex
	held    int
	waiters []*waiter
}

func newConcurrencyLimiter(policy string, cfg *PolicyConfig) (*concurrencyLimiter, error) {
	parts, err := newPartitionStore(cfg.MaxPartitions, func() *concurrencyPartition {
		return &concurrencyPartition{}
	})
	if err != nil {
		return nil, err
	}
	return &concurrencyLimiter{
		policy:       policy,
		permitLimit:  cfg.PermitLimit,
		queueLimit:   cfg.QueueLimit,
		queueTimeout: time.Duration(cfg.QueueWaitTimeout),
		dryRun:       cfg.DryRun,
		parts:        parts,
	}, nil
}

func (l *concurrencyLimiter) acquire(ctx context.Context, key string) (*Lease, error) {
	p := l.parts.get(key)

	p.mu.Lock()
	if len(p.waiters) == 0 && p.held < l.permitLimit {
		p.held++
		p.mu.Unlock()
		return grantedLease(l.policy, key, false, func() { l.release(p) }), nil
	}

	if l.queueLimit <= 0 || len(p.waiters) >= l.queueLimit {
		p.mu.Unlock()
		return rejectedLease(l.policy, key, false, ReasonLimitExceeded, 0, l.dryRun), nil
	}

	w := newWaiter()
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	var timeoutC <-chan time.Time
	if l.queueTimeout > 0 {
		timer := time.NewTimer(l.queueTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-w.ready:
		return grantedLease(l.policy, key, true, func() { l.release(p) }), nil
	case <-timeoutC:
		if l.abandon(p, w) {
			// The handoff raced with the timeout, keep the permit.
			return grantedLease(l.policy, key, true, func() { l.release(p) }), nil
		}
		return rejectedLease(l.policy, key, true, ReasonLimitExceeded, 0, l.dryRun), nil
	case <-ctx.Done():
		if l.abandon(p, w) {
			// A permit was handed to us after cancellation; pass it on.
			l.release(p)
		}
		return rejectedLease(l.policy, key, true, ReasonCancelled, 0, false), nil
	}
}

// release returns a permit. If a waiter is queued, the permit is handed off to
// the oldest one without touching the held count; otherwise the count drops.
func (l *concurrencyLimiter) release(p *concurrencyPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.grant()
		return
	}
	p.held--
	if p.held < 0 {
		panic("ratelimit: concurrency held count went negative")
	}
}

// abandon removes w from the queue and reports whether w had already received a permit.
func (l *concurrencyLimiter) abandon(p *concurrencyPartition, w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.granted {
		return true
	}
	p.waiters = removeWaiter(p.waiters, w)
	return false
}
