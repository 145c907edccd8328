/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default parameter values for ThrottlingRoundTripper.
const (
	DefaultThrottlingBurst       = 1
	DefaultThrottlingWaitTimeout = 15 * time.Second
)

// ThrottlingAdaptation adapts the client-side rate to a limit advertised by the
// server in a response header (for example X-RateLimit-Limit).
type ThrottlingAdaptation struct {
	// ResponseHeaderName is the name of the header carrying the advertised
	// requests-per-second limit. Empty disables adaptation.
	ResponseHeaderName string

	// SlackPercent reduces the advertised limit by the given percentage
	// to stay below the server's threshold.
	SlackPercent int
}

// ThrottlingRoundTripperOpts represents options for ThrottlingRoundTripper.
type ThrottlingRoundTripperOpts struct {
	// Burst is the number of requests that may be sent at once. 1 by default.
	Burst int

	// WaitTimeout bounds the time a request may wait for a send slot.
	WaitTimeout time.Duration

	Adaptation ThrottlingAdaptation
}

// ThrottlingRoundTripper wraps an http.RoundTripper and paces outgoing requests
// on the client side so the server's rate limiting policies are not tripped.
// The pace can adapt to a limit the server advertises in a response header.
type ThrottlingRoundTripper struct {
	Delegate http.RoundTripper

	RateLimit   int
	Burst       int
	WaitTimeout time.Duration
	Adaptation  ThrottlingAdaptation

	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewThrottlingRoundTripper creates a new ThrottlingRoundTripper
// with the specified requests-per-second limit.
func NewThrottlingRoundTripper(delegate http.RoundTripper, rateLimit int) (*ThrottlingRoundTripper, error) {
	return NewThrottlingRoundTripperWithOpts(delegate, rateLimit, ThrottlingRoundTripperOpts{})
}

// NewThrottlingRoundTripperWithOpts creates a new ThrottlingRoundTripper with
// the specified requests-per-second limit and options.
func NewThrottlingRoundTripperWithOpts(
	delegate http.RoundTripper, rateLimit int, opts ThrottlingRoundTripperOpts,
) (*ThrottlingRoundTripper, error) {
	if rateLimit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive")
	}
	if opts.Burst < 0 {
		return nil, fmt.Errorf("burst must be positive")
	}
	if opts.Burst == 0 {
		opts.Burst = DefaultThrottlingBurst
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = DefaultThrottlingWaitTimeout
	}
	if opts.Adaptation.SlackPercent < 0 || opts.Adaptation.SlackPercent > 100 {
		return nil, fmt.Errorf("slack percent must be in range [0..100]")
	}
	return &ThrottlingRoundTripper{
		Delegate:    delegate,
		RateLimit:   rateLimit,
		Burst:       opts.Burst,
		WaitTimeout: opts.WaitTimeout,
		Adaptation:  opts.Adaptation,
		limiter:     rate.NewLimiter(rate.Limit(rateLimit), opts.Burst),
	}, nil
}

// RoundTrip executes a single HTTP transaction, waiting for a send slot first.
func (rt *ThrottlingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Body != nil {
		defer func() {
			_ = r.Body.Close() // Per RoundTripper contract.
		}()
	}

	ctx, cancel := context.WithTimeout(r.Context(), rt.WaitTimeout)
	defer cancel()
	if err := rt.limiter.Wait(ctx); err != nil {
		return nil, &ThrottlingWaitError{Inner: err}
	}

	resp, err := rt.Delegate.RoundTrip(r)
	if err != nil {
		return resp, err
	}

	if rt.Adaptation.ResponseHeaderName != "" {
		rt.adaptRateLimit(resp)
	}
	return resp, nil
}

// adaptRateLimit follows the limit the server advertised in the last response.
// Without the header (or with a value above the configured limit) the
// configured limit is restored.
func (rt *ThrottlingRoundTripper) adaptRateLimit(resp *http.Response) {
	newLimit := rt.RateLimit
	if advertised := rt.parseAdvertisedLimit(resp); advertised > 0 && advertised < rt.RateLimit {
		newLimit = advertised
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.limiter.Limit() != rate.Limit(newLimit) {
		rt.limiter.SetLimit(rate.Limit(newLimit))
	}
}

func (rt *ThrottlingRoundTripper) parseAdvertisedLimit(resp *http.Response) int {
	headerVal := resp.Header.Get(rt.Adaptation.ResponseHeaderName)
	if headerVal == "" {
		return 0
	}
	limit, err := strconv.Atoi(headerVal)
	if err != nil || limit < 0 {
		return 0
	}
	limit = (limit * (100 - rt.Adaptation.SlackPercent)) / 100
	if limit == 0 {
		return 1 // Send 1 request per second instead of stopping at all.
	}
	return limit
}

// ThrottlingWaitError is returned by ThrottlingRoundTripper when waiting for a
// send slot fails (timeout or cancelled request context).
type ThrottlingWaitError struct {
	Inner error
}

func (e *ThrottlingWaitError) Error() string {
	return fmt.Sprintf("wait due to client side rate limiting: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *ThrottlingWaitError) Unwrap() error {
	return e.Inner
}
