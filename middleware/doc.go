/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

// Package middleware provides net/http middleware that applies rate limiting
// policies at the HTTP boundary, plus small companions for request IDs,
// per-request loggers and Prometheus metrics.
package middleware
