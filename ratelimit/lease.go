/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import (
	"time"

	"go.uber.org/atomic"
)

// RejectReason explains why an admission check did not grant a lease.
type RejectReason string

// Reject reasons.
const (
	// ReasonLimitExceeded means the policy's limit was reached and,
	// if queueing is enabled, the queue could not absorb the request.
	ReasonLimitExceeded RejectReason = "limit_exceeded"

	// ReasonCancelled means the caller's context was cancelled while the request
	// was waiting in the queue. It is a distinct outcome, not an error.
	ReasonCancelled RejectReason = "cancelled"
)

// Lease is the immutable outcome of an admission check.
// A granted lease for a concurrency policy holds a permit that must be returned
// with Release when the guarded operation completes (on all paths).
// For other policy kinds Release is a no-op.
type Lease struct {
	policy     string
	key        string
	granted    bool
	queued     bool
	bypassed   bool
	dryRun     bool
	reason     RejectReason
	retryAfter time.Duration

	releaseFn func()
	released  atomic.Bool
}

func grantedLease(policy, key string, queued bool, releaseFn func()) *Lease {
	return &Lease{policy: policy, key: key, granted: true, queued: queued, releaseFn: releaseFn}
}

func bypassedLease(policy, key string) *Lease {
	return &Lease{policy: policy, key: key, granted: true, bypassed: true}
}

func rejectedLease(policy, key string, queued bool, reason RejectReason, retryAfter time.Duration, dryRun bool) *Lease {
	return &Lease{policy: policy, key: key, queued: queued, reason: reason, retryAfter: retryAfter, dryRun: dryRun}
}

// Granted reports whether the request was admitted.
func (l *Lease) Granted() bool {
	return l.granted
}

// Queued reports whether the request spent time in the policy's queue
// before the final outcome (granted or rejected) was reached.
func (l *Lease) Queued() bool {
	return l.queued
}

// Bypassed reports whether the request skipped limiting entirely
// (its partition key matched the policy's excluded keys or missed the included ones).
func (l *Lease) Bypassed() bool {
	return l.bypassed
}

// DryRun reports whether the rejection happened under a dry-run policy,
// i.e. the caller is expected to log it and proceed anyway.
func (l *Lease) DryRun() bool {
	return l.dryRun
}

// Reason returns the reject reason. It is empty for granted leases.
func (l *Lease) Reason() RejectReason {
	return l.reason
}

// RetryAfter returns an estimation of when the next attempt may succeed.
// Zero means no estimation is available.
func (l *Lease) RetryAfter() time.Duration {
	return l.retryAfter
}

// Policy returns the name of the policy that produced the lease.
func (l *Lease) Policy() string {
	return l.policy
}

// PartitionKey returns the partition key the admission check was counted against.
func (l *Lease) PartitionKey() string {
	return l.key
}

// Release returns the permit held by a granted concurrency lease.
// It is idempotent and safe to call on leases of any kind.
func (l *Lease) Release() {
	if l.releaseFn == nil {
		return
	}
	if l.released.CompareAndSwap(false, true) {
		l.releaseFn()
	}
}
