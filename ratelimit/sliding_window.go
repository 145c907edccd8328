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

// slidingWindowLimiter bounds the number of grants within a trailing window
// divided into equal segments. Counts decay only by segment: whenever a full
// segment duration elapses the ring advances and the segment it passes over is
// zeroed, dropping its contribution from the effective count.
type slidingWindowLimiter struct {
	policy       string
	permitLimit  int
	window       time.Duration
	segments     int
	segDur       time.Duration
	queueLimit   int
	queueTimeout time.Duration
	dryRun       bool
	now          func() time.Time
	parts        *partitionStore[*slidingWindowPartition]
}

type slidingWindowPartition struct {
	mu          sync.Mutex
	started     bool
	counts      []int
	active      int
	lastAdvance time.Time
	waiters     []*waiter
	timerSet    bool
}

func newSlidingWindowLimiter(policy string, cfg *PolicyConfig, now func() time.Time) (*slidingWindowLimiter, error) {
	segments := cfg.SegmentsPerWindow
	parts, err := newPartitionStore(cfg.MaxPartitions, func() *slidingWindowPartition {
		return &slidingWindowPartition{counts: make([]int, segments)}
	})
	if err != nil {
		return nil, err
	}
	return &slidingWindowLimiter{
		policy:       policy,
		permitLimit:  cfg.PermitLimit,
		window:       time.Duration(cfg.Window),
		segments:     segments,
		segDur:       time.Duration(cfg.Window) / time.Duration(segments),
		queueLimit:   cfg.QueueLimit,
		queueTimeout: time.Duration(cfg.QueueWaitTimeout),
		dryRun:       cfg.DryRun,
		now:          now,
		parts:        parts,
	}, nil
}

func (l *slidingWindowLimiter) acquire(ctx context.Context, key string) (*Lease, error) {
	p := l.parts.get(key)

	p.mu.Lock()
	t := l.now()
	l.advanceLocked(p, t)

	if len(p.waiters) == 0 && l.totalLocked(p) < l.permitLimit {
		p.counts[p.active]++
		p.mu.Unlock()
		return grantedLease(l.policy, key, false, nil), nil
	}

	retryAfter := l.retryAfterLocked(p, t)
	if l.queueLimit <= 0 || len(p.waiters) >= l.queueLimit {
		p.mu.Unlock()
		return rejectedLease(l.policy, key, false, ReasonLimitExceeded, retryAfter, l.dryRun), nil
	}

	w := newWaiter()
	p.waiters = append(p.waiters, w)
	l.scheduleDecayLocked(p, retryAfter)
	p.mu.Unlock()

	return l.waitQueued(ctx, p, w, key), nil
}

// advanceLocked moves the active segment pointer forward for every full
// segment duration elapsed since the last advance, zeroing each segment it
// passes over. This is the only way counts decay.
func (l *slidingWindowLimiter) advanceLocked(p *slidingWindowPartition, t time.Time) {
	if !p.started {
		p.started = true
		p.lastAdvance = t
		return
	}
	steps := int(t.Sub(p.lastAdvance) / l.segDur)
	if steps <= 0 {
		return
	}
	if steps >= l.segments {
		for i := range p.counts {
			p.counts[i] = 0
		}
		p.active = (p.active + steps) % l.segments
	} else {
		for i := 0; i < steps; i++ {
			p.active = (p.active + 1) % l.segments
			p.counts[p.active] = 0
		}
	}
	p.lastAdvance = p.lastAdvance.Add(time.Duration(steps) * l.segDur)
}

func (l *slidingWindowLimiter) totalLocked(p *slidingWindowPartition) int {
	total := 0
	for _, c := range p.counts {
		total += c
	}
	return total
}

// retryAfterLocked estimates the time until the oldest active segment expires,
// i.e. until the effective count decays next.
func (l *slidingWindowLimiter) retryAfterLocked(p *slidingWindowPartition, t time.Time) time.Duration {
	for j := 1; j <= l.segments; j++ {
		if p.counts[(p.active+j)%l.segments] > 0 {
			retryAfter := p.lastAdvance.Add(time.Duration(j) * l.segDur).Sub(t)
			if retryAfter < 0 {
				retryAfter = 0
			}
			return retryAfter
		}
	}
	return l.segDur
}

func (l *slidingWindowLimiter) scheduleDecayLocked(p *slidingWindowPartition, d time.Duration) {
	if p.timerSet {
		return
	}
	p.timerSet = true
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() { l.onDecay(p) })
}

// onDecay fires when the oldest active segment is due to expire and hands the
// freed capacity to queued waiters in FIFO order.
func (l *slidingWindowLimiter) onDecay(p *slidingWindowPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timerSet = false

	t := l.now()
	l.advanceLocked(p, t)
	for len(p.waiters) > 0 && l.totalLocked(p) < l.permitLimit {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.counts[p.active]++
		w.grant()
	}
	if len(p.waiters) > 0 {
		l.scheduleDecayLocked(p, l.retryAfterLocked(p, t))
	}
}

func (l *slidingWindowLimiter) waitQueued(ctx context.Context, p *slidingWindowPartition, w *waiter, key string) *Lease {
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

func (l *slidingWindowLimiter) abandon(p *slidingWindowPartition, w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.granted {
		return true
	}
	p.waiters = removeWaiter(p.waiters, w)
	return false
}

// refund removes the count added for a grant that was never used. The ring may
// have advanced since the grant, so the decrement targets the most recent
// segment that still has a count.
func (l *slidingWindowLimiter) refund(p *slidingWindowPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := -1
	for j := 0; j < l.segments; j++ {
		i := (p.active - j + l.segments) % l.segments
		if p.counts[i] > 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic("ratelimit: sliding window count went negative")
	}
	p.counts[idx]--
	if len(p.waiters) > 0 && l.totalLocked(p) < l.permitLimit {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.counts[p.active]++
		w.grant()
	}
}

func (l *slidingWindowLimiter) estimateRetryAfter(p *slidingWindowPartition) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return l.retryAfterLocked(p, l.now())
}
