/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gatelimit/gatelimit/log"
	"github.com/gatelimit/gatelimit/ratelimit"
)

// RateLimitErrCode is an error code that is used in a response body
// if the request is rejected by the middleware that limits the rate of HTTP requests.
const RateLimitErrCode = "tooManyRequests"

// Names of the logged fields.
const (
	RateLimitLogFieldPolicy = "rate_limit_policy"
	RateLimitLogFieldKey    = "rate_limit_key"

	userAgentLogFieldKey = "user_agent"
)

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	Policy              string
	Key                 string
	Queued              bool
	EstimatedRetryAfter time.Duration
	ResponseStatusCode  int
	GetRetryAfter       RateLimitGetRetryAfterFunc
}

// RateLimitGetRetryAfterFunc is a function that is called to get a value for Retry-After response HTTP header
// when the rate limit is exceeded.
type RateLimitGetRetryAfterFunc func(r *http.Request, estimatedTime time.Duration) time.Duration

// RateLimitOnRejectFunc is a function that is called for rejecting HTTP request when the rate limit is exceeded.
type RateLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger)

// RateLimitOnErrorFunc is a function that is called when an error occurs during the rate limiting.
type RateLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger)

// RateLimitGetRequestAttrsFunc is a function that extracts partitioning attributes from the HTTP request.
type RateLimitGetRequestAttrsFunc func(r *http.Request) ratelimit.RequestAttrs

// RateLimitOpts represents options for the RateLimit middleware.
type RateLimitOpts struct {
	// GetRequestAttrs extracts partitioning attributes from the request.
	// By default the identity comes from the request context
	// (see NewContextWithIdentity) and the address from RemoteAddr.
	GetRequestAttrs RateLimitGetRequestAttrsFunc

	// ResponseStatusCode is the status code of rejection responses. 429 by default.
	ResponseStatusCode int

	// GetRetryAfter computes the Retry-After response header value.
	// By default the limiter's own estimation is used as is.
	GetRetryAfter RateLimitGetRetryAfterFunc

	// Metrics collects rejection counters. No-op by default.
	Metrics MetricsCollector

	OnReject         RateLimitOnRejectFunc
	OnRejectInDryRun RateLimitOnRejectFunc
	OnError          RateLimitOnErrorFunc
}

type rateLimitHandler struct {
	next            http.Handler
	registry        *ratelimit.Registry
	policy          string
	getRequestAttrs RateLimitGetRequestAttrsFunc
	respStatusCode  int
	getRetryAfter   RateLimitGetRetryAfterFunc
	metrics         MetricsCollector

	onReject         RateLimitOnRejectFunc
	onRejectInDryRun RateLimitOnRejectFunc
	onError          RateLimitOnErrorFunc
}

// RateLimit is a middleware that limits the rate of HTTP requests using the named
// policy of the registry. Referencing a policy the registry does not define
// fails construction with *ratelimit.ConfigurationError.
func RateLimit(registry *ratelimit.Registry, policyName string) (func(next http.Handler) http.Handler, error) {
	return RateLimitWithOpts(registry, policyName, RateLimitOpts{})
}

// MustRateLimit is a version of RateLimit that panics if an error occurs.
func MustRateLimit(registry *ratelimit.Registry, policyName string) func(next http.Handler) http.Handler {
	mw, err := RateLimit(registry, policyName)
	if err != nil {
		panic(err)
	}
	return mw
}

// RateLimitWithOpts is a configurable version of a middleware to limit the rate of HTTP requests.
func RateLimitWithOpts(
	registry *ratelimit.Registry, policyName string, opts RateLimitOpts,
) (func(next http.Handler) http.Handler, error) {
	if !registry.HasPolicy(policyName) {
		return nil, &ratelimit.ConfigurationError{
			Policy: policyName, Err: errPolicyNotDefined,
		}
	}

	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusTooManyRequests
	}
	getRequestAttrs := opts.GetRequestAttrs
	if getRequestAttrs == nil {
		getRequestAttrs = GetRequestAttrsDefault
	}
	getRetryAfter := opts.GetRetryAfter
	if getRetryAfter == nil {
		getRetryAfter = GetRetryAfterEstimatedTime
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = disabledMetrics{}
	}

	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{
			next:             next,
			registry:         registry,
			policy:           policyName,
			getRequestAttrs:  getRequestAttrs,
			respStatusCode:   respStatusCode,
			getRetryAfter:    getRetryAfter,
			metrics:          metrics,
			onReject:         makeRateLimitOnRejectFunc(opts),
			onRejectInDryRun: makeRateLimitOnRejectInDryRunFunc(opts),
			onError:          makeRateLimitOnErrorFunc(opts),
		}
	}, nil
}

// MustRateLimitWithOpts is a version of RateLimitWithOpts that panics if an error occurs.
func MustRateLimitWithOpts(
	registry *ratelimit.Registry, policyName string, opts RateLimitOpts,
) func(next http.Handler) http.Handler {
	mw, err := RateLimitWithOpts(registry, policyName, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromContext(r.Context())

	lease, err := h.registry.Acquire(r.Context(), h.policy, h.getRequestAttrs(r))
	if err != nil {
		h.onError(rw, r, h.makeParams("", false, 0), err, h.next, logger)
		return
	}
	defer lease.Release()

	if lease.Granted() {
		h.next.ServeHTTP(rw, r)
		return
	}

	params := h.makeParams(lease.PartitionKey(), lease.Queued(), lease.RetryAfter())

	if lease.Reason() == ratelimit.ReasonCancelled {
		// The client went away while the request was queued,
		// there is nobody to respond to.
		if logger != nil {
			logger.Debug("request cancelled while queued by rate limiter",
				log.String(RateLimitLogFieldPolicy, params.Policy),
				log.String(RateLimitLogFieldKey, params.Key),
			)
		}
		return
	}

	h.metrics.IncRateLimitRejects(h.policy, lease.DryRun(), lease.Queued())

	if lease.DryRun() {
		h.onRejectInDryRun(rw, r, params, h.next, logger)
		return
	}
	h.onReject(rw, r, params, h.next, logger)
}

func (h *rateLimitHandler) makeParams(key string, queued bool, retryAfter time.Duration) RateLimitParams {
	return RateLimitParams{
		Policy:              h.policy,
		Key:                 key,
		Queued:              queued,
		EstimatedRetryAfter: retryAfter,
		ResponseStatusCode:  h.respStatusCode,
		GetRetryAfter:       h.getRetryAfter,
	}
}

// GetRequestAttrsDefault extracts the identity from the request context and the
// source address from RemoteAddr (host part only).
func GetRequestAttrsDefault(r *http.Request) ratelimit.RequestAttrs {
	remoteAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	return ratelimit.RequestAttrs{
		Identity:   GetIdentityFromContext(r.Context()),
		RemoteAddr: remoteAddr,
	}
}

// GetRetryAfterEstimatedTime returns estimated time after that the client may retry the request.
func GetRetryAfterEstimatedTime(_ *http.Request, estimatedTime time.Duration) time.Duration {
	return estimatedTime
}

// DefaultRateLimitOnReject sends a rejection response: the configured status
// code (429 by default), a Retry-After header with the estimation rounded up
// to whole seconds, and a JSON body.
func DefaultRateLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, _ http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldPolicy, params.Policy),
			log.String(RateLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	retryAfterSecs := int64(0)
	if params.GetRetryAfter != nil {
		retryAfterSecs = int64(math.Ceil(params.GetRetryAfter(r, params.EstimatedRetryAfter).Seconds()))
		rw.Header().Set("Retry-After", strconv.FormatInt(retryAfterSecs, 10))
	}
	respondJSON(rw, params.ResponseStatusCode, RejectionResponse{
		Error:      RateLimitErrCode,
		Message:    "Too many requests.",
		RetryAfter: retryAfterSecs,
	}, logger)
}

// DefaultRateLimitOnRejectInDryRun logs the would-be rejection and passes the request on.
func DefaultRateLimitOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldPolicy, params.Policy),
			log.String(RateLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultRateLimitOnError sends an internal error response when the rate limiting itself fails.
func DefaultRateLimitOnError(
	rw http.ResponseWriter, _ *http.Request, params RateLimitParams, err error, _ http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RateLimitLogFieldPolicy, params.Policy))
	}
	respondJSON(rw, http.StatusInternalServerError, RejectionResponse{
		Error:   internalErrCode,
		Message: "Internal server error.",
	}, logger)
}

func makeRateLimitOnRejectFunc(opts RateLimitOpts) RateLimitOnRejectFunc {
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultRateLimitOnReject
}

func makeRateLimitOnRejectInDryRunFunc(opts RateLimitOpts) RateLimitOnRejectFunc {
	if opts.OnRejectInDryRun != nil {
		return opts.OnRejectInDryRun
	}
	return DefaultRateLimitOnRejectInDryRun
}

func makeRateLimitOnErrorFunc(opts RateLimitOpts) RateLimitOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultRateLimitOnError
}
