/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gatelimit/gatelimit/log"
	"github.com/gatelimit/gatelimit/retry"
)

// Default parameter values for RetryableRoundTripper.
const (
	DefaultMaxRetryAttempts                  = 10
	DefaultExponentialBackoffInitialInterval = time.Second
	DefaultExponentialBackoffMultiplier      = 2
)

// UnlimitedRetryAttempts should be used as RetryableRoundTripperOpts.MaxRetryAttempts value
// when retries are to be stopped only by the backoff policy.
const UnlimitedRetryAttempts = -1

// RetryAttemptNumberHeader is an HTTP header name that carries the serial number of the retry attempt.
const RetryAttemptNumberHeader = "X-Retry-Attempt"

// CheckRetryFunc is called right after each attempt and determines if the next one is needed.
type CheckRetryFunc func(ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int) (bool, error)

// RetryableRoundTripper wraps an http.RoundTripper and retries failed requests.
// Responses rejected by a rate limiter (429) are retried after the delay the
// server names in the Retry-After header; other failures follow the backoff policy.
type RetryableRoundTripper struct {
	Delegate http.RoundTripper

	// Logger is used for logging.
	// When a context-specific logger is needed, LoggerProvider should be used instead.
	Logger log.FieldLogger

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MaxRetryAttempts determines how many retry attempts can be done.
	// The total number of sent requests may be MaxRetryAttempts + 1
	// (the first request is not a retry attempt).
	MaxRetryAttempts int

	// CheckRetry determines if the next retry attempt is needed.
	// DefaultCheckRetry is used unless set.
	CheckRetry CheckRetryFunc

	// IgnoreRetryAfter makes the round tripper compute all delays with the
	// backoff policy, even when the response carries a Retry-After header.
	IgnoreRetryAfter bool

	// BackoffPolicy computes the wait time before the next retry attempt when
	// the response has no Retry-After header or IgnoreRetryAfter is set.
	BackoffPolicy retry.Policy
}

// RetryableRoundTripperOpts represents options for RetryableRoundTripper.
type RetryableRoundTripperOpts struct {
	Logger           log.FieldLogger
	LoggerProvider   func(ctx context.Context) log.FieldLogger
	MaxRetryAttempts int
	CheckRetryFunc   CheckRetryFunc
	IgnoreRetryAfter bool
	BackoffPolicy    retry.Policy
}

// NewRetryableRoundTripper returns a new instance of RetryableRoundTripper.
func NewRetryableRoundTripper(delegate http.RoundTripper) (*RetryableRoundTripper, error) {
	return NewRetryableRoundTripperWithOpts(delegate, RetryableRoundTripperOpts{})
}

// NewRetryableRoundTripperWithOpts creates a new instance of RetryableRoundTripper with the specified options.
func NewRetryableRoundTripperWithOpts(
	delegate http.RoundTripper, opts RetryableRoundTripperOpts,
) (*RetryableRoundTripper, error) {
	if opts.MaxRetryAttempts < 0 && opts.MaxRetryAttempts != UnlimitedRetryAttempts {
		return nil, fmt.Errorf("incorrect max retry attempts")
	}
	if opts.MaxRetryAttempts == 0 {
		opts.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.CheckRetryFunc == nil {
		opts.CheckRetryFunc = DefaultCheckRetry
	}
	if opts.BackoffPolicy == nil {
		opts.BackoffPolicy = DefaultBackoffPolicy
	}
	return &RetryableRoundTripper{
		Delegate:         delegate,
		Logger:           opts.Logger,
		LoggerProvider:   opts.LoggerProvider,
		MaxRetryAttempts: opts.MaxRetryAttempts,
		CheckRetry:       opts.CheckRetryFunc,
		IgnoreRetryAfter: opts.IgnoreRetryAfter,
		BackoffPolicy:    opts.BackoffPolicy,
	}, nil
}

// RoundTrip performs the request with retry logic.
// nolint: gocyclo
func (rt *RetryableRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindReqBody := func(r *http.Request) error { return nil }
	if req.Body != nil {
		originalReqBody := req.Body
		defer func() {
			_ = originalReqBody.Close() // Per RoundTripper contract.
		}()
		var err error
		if rewindReqBody, err = makeRequestBodyRewindable(req); err != nil {
			return nil, &RetryableRoundTripperError{Inner: err}
		}
	}

	getNextWaitTime := rt.makeNextWaitTimeProvider()
	reqCtx := req.Context()
	reqCloned := false

	var resp *http.Response
	var roundTripErr error
	for attempt := 0; ; attempt++ {
		if rewindErr := rewindReqBody(req); rewindErr != nil {
			if attempt == 0 {
				return nil, &RetryableRoundTripperError{Inner: rewindErr}
			}
			rt.logger(reqCtx).Error("failed to rewind request body between retry attempts",
				log.Error(rewindErr), log.Int("done_requests", attempt+1))
			return resp, roundTripErr
		}

		// Discard and close the previous response body before the next attempt.
		if resp != nil && roundTripErr == nil {
			rt.drainResponseBody(reqCtx, resp)
		}

		if attempt > 0 {
			if !reqCloned {
				req, reqCloned = req.Clone(req.Context()), true // Per RoundTripper contract.
			}
			req.Header.Set(RetryAttemptNumberHeader, strconv.Itoa(attempt))
		}

		resp, roundTripErr = rt.Delegate.RoundTrip(req)

		needRetry, checkRetryErr := rt.CheckRetry(reqCtx, resp, roundTripErr, attempt)
		if checkRetryErr != nil {
			rt.logger(reqCtx).Error("failed to check if retry is needed",
				log.Error(checkRetryErr), log.Int("done_requests", attempt+1))
			return resp, roundTripErr
		}
		if !needRetry {
			return resp, roundTripErr
		}

		if rt.MaxRetryAttempts > 0 && attempt >= rt.MaxRetryAttempts {
			rt.logger(reqCtx).Warn("max retry attempts exceeded",
				log.Int("max_retry_attempts", rt.MaxRetryAttempts), log.Int("done_requests", attempt+1))
			return resp, roundTripErr
		}
		waitTime, stop := getNextWaitTime(resp)
		if stop {
			return resp, roundTripErr
		}

		select {
		case <-reqCtx.Done():
			rt.logger(reqCtx).Warn("context done while waiting for the next retry attempt",
				log.Error(reqCtx.Err()), log.Int("done_requests", attempt+1))
			return resp, roundTripErr
		case <-time.After(waitTime):
		}
	}
}

type waitTimeProvider func(resp *http.Response) (waitTime time.Duration, stop bool)

func (rt *RetryableRoundTripper) makeNextWaitTimeProvider() waitTimeProvider {
	bf := rt.BackoffPolicy.NewBackOff()
	return func(resp *http.Response) (waitTime time.Duration, stop bool) {
		if resp != nil && !rt.IgnoreRetryAfter {
			if retryAfter, ok := ParseRetryAfterFromResponse(resp); ok {
				return retryAfter, false
			}
		}
		waitTime = bf.NextBackOff()
		return waitTime, waitTime == backoff.Stop
	}
}

func (rt *RetryableRoundTripper) drainResponseBody(ctx context.Context, resp *http.Response) {
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			rt.logger(ctx).Error("failed to close previous response body between retry attempts", log.Error(closeErr))
		}
	}()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		rt.logger(ctx).Error("failed to discard previous response body between retry attempts", log.Error(err))
	}
}

func (rt *RetryableRoundTripper) logger(ctx context.Context) log.FieldLogger {
	if rt.LoggerProvider != nil {
		return rt.LoggerProvider(ctx)
	}
	return rt.Logger
}

// RetryableRoundTripperError is returned by RetryableRoundTripper
// when the original request cannot be potentially retried.
type RetryableRoundTripperError struct {
	Inner error
}

func (e *RetryableRoundTripperError) Error() string {
	return fmt.Sprintf("retryable round trip: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RetryableRoundTripperError) Unwrap() error {
	return e.Inner
}

// DefaultCheckRetry retries transport errors that look temporary,
// 429 responses and server errors (5xx).
func DefaultCheckRetry(
	_ context.Context, resp *http.Response, roundTripErr error, _ int,
) (needRetry bool, err error) {
	if roundTripErr != nil {
		return CheckErrorIsTemporary(roundTripErr), nil
	}
	if resp == nil {
		return false, fmt.Errorf("both response and round trip error are nil")
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError, nil
}

// DefaultBackoffPolicy is a default backoff policy.
var DefaultBackoffPolicy = retry.PolicyFunc(func() backoff.BackOff {
	bf := backoff.NewExponentialBackOff()
	bf.InitialInterval = DefaultExponentialBackoffInitialInterval
	bf.Multiplier = DefaultExponentialBackoffMultiplier
	bf.Reset()
	return bf
})

// CheckErrorIsTemporary checks whether the error is temporary.
func CheckErrorIsTemporary(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var terr interface{ Temporary() bool }
	ok := errors.As(err, &terr)
	return ok && terr.Temporary()
}

func makeRequestBodyRewindable(req *http.Request) (func(*http.Request) error, error) {
	if reqBodySeeker, ok := req.Body.(io.ReadSeeker); ok {
		offset, err := reqBodySeeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("seek request body before doing first request: %w", err)
		}
		req.Body = io.NopCloser(req.Body)
		return func(r *http.Request) error {
			if _, err := reqBodySeeker.Seek(offset, io.SeekStart); err != nil {
				return fmt.Errorf("seek request body (offset=%d): %w", offset, err)
			}
			return nil
		}, nil
	}

	buffered, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read all request body before doing first request: %w", err)
	}
	return func(r *http.Request) error {
		r.Body = io.NopCloser(bytes.NewReader(buffered))
		return nil
	}, nil
}

// ParseRetryAfterFromResponse parses the Retry-After response header,
// accepting both the delay-seconds and the HTTP-date forms.
func ParseRetryAfterFromResponse(resp *http.Response) (retryAfter time.Duration, ok bool) {
	headerVal := resp.Header.Get("Retry-After")
	if headerVal == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(headerVal); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	parsedTime, err := time.Parse(time.RFC1123, headerVal)
	if err != nil {
		return 0, false
	}
	return time.Until(parsedTime), true
}
