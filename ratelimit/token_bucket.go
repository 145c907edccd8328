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

// tokenBucketLimiter admits bursts bounded by an accumulating token balance.
// The balance starts at the cap and is replenished by whole periods only:
// fractions of an elapsed period carry over via lastReplenish, never as
// fractional tokens. Token bucket policies do not queue.
type tokenBucketLimiter struct {
	policy          string
	tokenLimit      int
	tokensPerPeriod int
	period          time.Duration
	dryRun          bool
	now             func() time.Time
	parts           *partitionStore[*tokenBucketPartition]
}

type tokenBucketPartition struct {
	mu            sync.Mutex
	started       bool
	tokens        float64
	lastReplenish time.Time
}

func newTokenBucketLimiter(policy string, cfg *PolicyConfig, now func() time.Time) (*tokenBucketLimiter, error) {
	parts, err := newPartitionStore(cfg.MaxPartitions, func() *tokenBucketPartition {
		return &tokenBucketPartition{}
	})
	if err != nil {
		return nil, err
	}
	return &tokenBucketLimiter{
		policy:          policy,
		tokenLimit:      cfg.TokenLimit,
		tokensPerPeriod: cfg.TokensPerPeriod,
		period:          time.Duration(cfg.ReplenishmentPeriod),
		dryRun:          cfg.DryRun,
		now:             now,
		parts:           parts,
	}, nil
}

func (l *tokenBucketLimiter) acquire(_ context.Context, key string) (*Lease, error) {
	p := l.parts.get(key)

	p.mu.Lock()
	defer p.mu.Unlock()

	t := l.now()
	if !p.started {
		p.started = true
		p.tokens = float64(l.tokenLimit)
		p.lastReplenish = t
	} else if periods := int64(t.Sub(p.lastReplenish) / l.period); periods > 0 {
		p.tokens += float64(periods * int64(l.tokensPerPeriod))
		if p.tokens > float64(l.tokenLimit) {
			p.tokens = float64(l.tokenLimit)
		}
		p.lastReplenish = p.lastReplenish.Add(time.Duration(periods) * l.period)
	}

	if p.tokens < 0 {
		panic("ratelimit: token bucket balance went negative")
	}

	if p.tokens >= 1 {
		p.tokens--
		return grantedLease(l.policy, key, false, nil), nil
	}

	retryAfter := p.lastReplenish.Add(l.period).Sub(t)
	return rejectedLease(l.policy, key, false, ReasonLimitExceeded, retryAfter, l.dryRun), nil
}
