/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// leakyBucketLimiter implements GCRA (Generic Cell Rate Algorithm), a leaky
// bucket variant. A good explanation of the algorithm is provided here:
// https://brandur.org/rate-limiting#gcra. Leaky bucket policies do not queue.
type leakyBucketLimiter struct {
	policy  string
	dryRun  bool
	limiter *throttled.GCRARateLimiterCtx
}

func newLeakyBucketLimiter(policy string, cfg *PolicyConfig) (*leakyBucketLimiter, error) {
	gcraStore, err := memstore.NewCtx(cfg.MaxPartitions)
	if err != nil {
		return nil, fmt.Errorf("new in-memory store: %w", err)
	}
	quota := throttled.RateQuota{
		MaxRate:  throttled.PerDuration(cfg.PermitLimit, time.Duration(cfg.Window)),
		MaxBurst: cfg.BurstLimit,
	}
	gcraLimiter, err := throttled.NewGCRARateLimiterCtx(gcraStore, quota)
	if err != nil {
		return nil, fmt.Errorf("new GCRA rate limiter: %w", err)
	}
	return &leakyBucketLimiter{policy: policy, dryRun: cfg.DryRun, limiter: gcraLimiter}, nil
}

func (l *leakyBucketLimiter) acquire(ctx context.Context, key string) (*Lease, error) {
	limited, res, err := l.limiter.RateLimitCtx(ctx, key, 1)
	if err != nil {
		return nil, fmt.Errorf("GCRA rate limit: %w", err)
	}
	if limited {
		return rejectedLease(l.policy, key, false, ReasonLimitExceeded, res.RetryAfter, l.dryRun), nil
	}
	return grantedLease(l.policy, key, false, nil), nil
}
