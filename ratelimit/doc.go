/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

// Package ratelimit provides a registry of named rate limiting policies.
// Each policy binds a partitioning strategy (global, per-identity, per-address)
// to one of the supported admission algorithms: fixed window, sliding window,
// token bucket, leaky bucket (GCRA) and concurrency limiting.
// Window and concurrency policies may queue requests in FIFO order up to a
// configured depth instead of rejecting them immediately.
package ratelimit
