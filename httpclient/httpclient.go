/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

// Package httpclient provides http.RoundTripper wrappers for clients talking to
// rate-limited services: client-side request pacing and Retry-After aware retries.
package httpclient

import (
	"fmt"
	"net/http"
	"time"
)

// DefaultClientWaitTimeout is the default timeout of the constructed http.Client.
const DefaultClientWaitTimeout = 30 * time.Second

// Opts represents options for assembling an http.Client
// out of the round trippers this package provides.
type Opts struct {
	// Timeout is the total request timeout of the client. 30s by default.
	Timeout time.Duration

	// RateLimit enables client-side pacing with the given requests-per-second
	// limit. 0 disables pacing.
	RateLimit int

	// Throttling configures the pacing round tripper. Used only when RateLimit > 0.
	Throttling ThrottlingRoundTripperOpts

	// Retry enables retries of failed requests.
	Retry bool

	// Retryable configures the retrying round tripper. Used only when Retry is true.
	Retryable RetryableRoundTripperOpts

	// Delegate is the innermost round tripper. http.DefaultTransport by default.
	Delegate http.RoundTripper
}

// New constructs an http.Client with pacing and retry round trippers
// layered according to the options. Retries wrap pacing, so every retry
// attempt waits for its own send slot.
func New(opts Opts) (*http.Client, error) {
	transport := opts.Delegate
	if transport == nil {
		transport = http.DefaultTransport
	}

	if opts.RateLimit > 0 {
		var err error
		if transport, err = NewThrottlingRoundTripperWithOpts(transport, opts.RateLimit, opts.Throttling); err != nil {
			return nil, fmt.Errorf("new throttling round tripper: %w", err)
		}
	}
	if opts.Retry {
		var err error
		if transport, err = NewRetryableRoundTripperWithOpts(transport, opts.Retryable); err != nil {
			return nil, fmt.Errorf("new retryable round tripper: %w", err)
		}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultClientWaitTimeout
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// Must is a version of New that panics if an error occurs.
func Must(opts Opts) *http.Client {
	client, err := New(opts)
	if err != nil {
		panic(err)
	}
	return client
}
