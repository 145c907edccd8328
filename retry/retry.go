/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

// Package retry provides backoff policies and a helper for retrying operations
// that may fail transiently, for example requests rejected by a rate limiter.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryable tells if the error is transient as opposed to persistent.
type IsRetryable func(error) bool

// RetryableFunc is a function that does some work and can be potentially retried.
type RetryableFunc func(ctx context.Context) error

// Policy defines a backoff strategy.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// The PolicyFunc type is an adapter to allow the use of ordinary functions as retry.Policy.
type PolicyFunc func() backoff.BackOff

// NewBackOff implements retry.Policy.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// DoWithRetry executes fn, retrying failed attempts according to the policy p
// and with respect to the context ctx.
// isRetryable defines which errors lead to a retry attempt (nil retries any error).
// notify, if not nil, is called on every retry with the error and the computed delay.
func DoWithRetry(ctx context.Context, p Policy, isRetryable IsRetryable, notify backoff.Notify, fn RetryableFunc) error {
	bf := backoff.WithContext(p.NewBackOff(), ctx)
	op := func() error {
		err := fn(bf.Context())
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, bf, notify)
}

// ExponentialBackoffPolicy repeats up to max times with exponentially growing delays.
type ExponentialBackoffPolicy struct {
	initialInterval time.Duration
	maxAttempts     int
}

// NewExponentialBackoffPolicy returns an exponential backoff policy with the
// given initial interval and max retry attempt count (0 means unlimited).
func NewExponentialBackoffPolicy(initialInterval time.Duration, maxRetryAttempts int) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{initialInterval, maxRetryAttempts}
}

// NewBackOff implements retry.Policy.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.initialInterval
	var bf backoff.BackOff = eb
	if p.maxAttempts > 0 {
		bf = backoff.WithMaxRetries(eb, uint64(p.maxAttempts))
	}
	bf.Reset()
	return bf
}

// ConstantBackoffPolicy repeats up to max times with constant interval delays.
type ConstantBackoffPolicy struct {
	interval    time.Duration
	maxAttempts int
}

// NewConstantBackoffPolicy returns a constant backoff policy with the given
// interval and max retry attempt count (0 means unlimited).
func NewConstantBackoffPolicy(interval time.Duration, maxRetryAttempts int) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{interval, maxRetryAttempts}
}

// NewBackOff implements retry.Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	var bf backoff.BackOff = backoff.NewConstantBackOff(p.interval)
	if p.maxAttempts > 0 {
		bf = backoff.WithMaxRetries(bf, uint64(p.maxAttempts))
	}
	bf.Reset()
	return bf
}
