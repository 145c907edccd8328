/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// limiter is the admission contract implemented by all policy kinds.
// acquire may block when the policy queues requests; it returns as soon as the
// final outcome (granted, rejected or cancelled) is known.
type limiter interface {
	acquire(ctx context.Context, key string) (*Lease, error)
}

func newLimiter(policy string, cfg *PolicyConfig, now func() time.Time) (limiter, error) {
	switch cfg.Kind {
	case KindFixedWindow:
		return newFixedWindowLimiter(policy, cfg, now)
	case KindSlidingWindow:
		return newSlidingWindowLimiter(policy, cfg, now)
	case KindTokenBucket:
		return newTokenBucketLimiter(policy, cfg, now)
	case KindLeakyBucket:
		return newLeakyBucketLimiter(policy, cfg)
	case KindConcurrency:
		return newConcurrencyLimiter(policy, cfg)
	}
	return nil, fmt.Errorf("unknown policy kind %q", cfg.Kind)
}
