/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/gatelimit/gatelimit/log"
	"github.com/gatelimit/gatelimit/ratelimit"
)

func newRegistryForTest(t *testing.T, policies map[string]ratelimit.PolicyConfig) *ratelimit.Registry {
	t.Helper()
	r, err := ratelimit.NewRegistry(&ratelimit.Config{Policies: policies})
	require.NoError(t, err)
	return r
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Run("rejects with 429, Retry-After header and JSON body", func(t *testing.T) {
		registry := newRegistryForTest(t, map[string]ratelimit.PolicyConfig{
			"api": {
				Kind:        ratelimit.KindFixedWindow,
				PermitLimit: 1,
				Window:      ratelimit.TimeDuration(10 * time.Second),
			},
		})
		handler := MustRateLimit(registry, "api")(okHandler())

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, resp.Code)

		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusTooManyRequests, resp.Code)
		require.Equal(t, "10", resp.Header().Get("Retry-After"))
		require.Equal(t, ContentTypeAppJSON, resp.Header().Get("Content-Type"))

		var body RejectionResponse
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		require.Equal(t, RateLimitErrCode, body.Error)
		require.Equal(t, "Too many requests.", body.Message)
		require.Equal(t, int64(10), body.RetryAfter)
	})

	t.Run("retry-after is rounded up to whole seconds", func(t *testing.T) {
		registry := newRegistryForTest(t, map[string]ratelimit.PolicyConfig{
			"api": {
				Kind:        ratelimit.KindFixedWindow,
				PermitLimit: 1,
				Window:      ratelimit.TimeDuration(1500 * time.Millisecond),
			},
		})
		handler := MustRateLimit(registry, "api")(okHandler())

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, resp.Code)

		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusTooManyRequests, resp.Code)
		require.Equal(t, "2", resp.Header().Get("Retry-After"))
	})

	t.Run("construction fails for an undefined policy", func(t *testing.T) {
		registry := newRegistryForTest(t, map[string]ratelimit.PolicyConfig{
			"api": {
				Kind:        ratelimit.KindFixedWindow,
				PermitLimit: 1,
				Window:      ratelimit.TimeDuration(time.Second),
			},
		})
		_, err := RateLimit(registry, "missing")
		var cfgErr *ratelimit.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		require.Equal(t, "missing", cfgErr.Policy)
		require.Panics(t, func() { MustRateLimit(registry, "missing") })
	})

	t.Run("per-identity policy uses the identity from the context", func(t *testing.T) {
		registry := newRegistryForTest(t, map[string]ratelimit.PolicyConfig{
			"per-user": {
				Kind:              ratelimit.KindFixedWindow,
				PermitLimit:       1,
				Window:            ratelimit.TimeDuration(10 * time.Second),
				PartitionStrategy: ratelimit.PartitionPerIdentity,
			},
		})
		handler := MustRateLimit(registry, "per-user")(okHandler())

		makeReq := func(identity string) *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if identity != "" {
				req = req.WithContext(NewContextWithIdentity(req.Context(), identity))
			}
			return req
		}

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, makeReq("alice"))
		require.Equal(t, http.StatusOK, resp.Code)

		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, makeReq("alice"))
		require.Equal(t, http.StatusTooManyRequests, resp.Code)

		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, makeReq("bob"))
		require.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("per-address policy uses the host part of RemoteAddr", func(t *testing.T) {
		registry := newRegistryForTest(t, map[string]ratelimit.PolicyConfig{
			"per-ip": {
				Kind:              ratelimit.KindFixedWindow,
				PermitLimit:       1,
				Window:            ratelimit.TimeDuration(10 * time.Second),
				PartitionStrategy: ratelimit.PartitionPerAddress,
			},
		})
		handler := MustRateLimit(registry, "per-ip")(okHandler())

		makeReq := func(remoteAddr string) *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = remoteAddr
			return req
		}

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, makeReq("10.0.0.1:1111"))
		require.Equal(t, http.StatusOK, resp.Code)

		// Same host from a different source port is the same partition.
		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, makeReq("10.0.0.1:2222"))
		require.Equal(t, http.StatusTooManyRequests, resp.Code)

		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, makeReq("10.0.0.2:1111"))
		require.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("dry run logs and serves the request", func(t *testing.T) {
		registry := newRegistryForTest(t, map[string]ratelimit.PolicyConfig{
			"api": {
				Kind:        ratelimit.KindFixedWindow,
				PermitLimit: 1,
				Window:      ratelimit.TimeDuration(10 * time.Second),
				DryRun:      true,
			},
		})
		handler := MustRateLimit(registry, "api")(okHandler())

		for i := 0; i < 5; i++ {
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, http.StatusOK, resp.Code)
			require.Empty(t, resp.Header().Get("Retry-After"))
		}
	})

	t.Run("concurrency lease is released when the handler returns", func(t *testing.T) {
		registry := newRegistryForTest(t, map[string]ratelimit.PolicyConfig{
			"heavy": {Kind: ratelimit.KindConcurrency, PermitLimit: 1},
		})
		handler := MustRateLimit(registry, "heavy")(okHandler())

		// Sequential requests reuse the single permit, none is leaked.
		for i := 0; i < 3; i++ {
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, http.StatusOK, resp.Code)
		}
	})

	t.Run("custom status code and reject hook", func(t *testing.T) {
		registry := newRegistryForTest(t, map[string]ratelimit.PolicyConfig{
			"api": {
				Kind:        ratelimit.KindFixedWindow,
				PermitLimit: 1,
				Window:      ratelimit.TimeDuration(10 * time.Second),
			},
		})
		var rejectedParams RateLimitParams
		handler := MustRateLimitWithOpts(registry, "api", RateLimitOpts{
			ResponseStatusCode: http.StatusServiceUnavailable,
			OnReject: func(rw http.ResponseWriter, _ *http.Request, params RateLimitParams, _ http.Handler, _ log.FieldLogger) {
				rejectedParams = params
				rw.WriteHeader(params.ResponseStatusCode)
			},
		})(okHandler())

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, resp.Code)

		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusServiceUnavailable, resp.Code)
		require.Equal(t, "api", rejectedParams.Policy)
		require.Equal(t, ratelimit.GlobalPartitionKey, rejectedParams.Key)
		require.Equal(t, 10*time.Second, rejectedParams.EstimatedRetryAfter)
	})
}

func TestRateLimitMiddlewareMetrics(t *testing.T) {
	registry := newRegistryForTest(t, map[string]ratelimit.PolicyConfig{
		"api": {
			Kind:        ratelimit.KindFixedWindow,
			PermitLimit: 1,
			Window:      ratelimit.TimeDuration(10 * time.Second),
		},
	})
	metrics := NewPrometheusMetrics()
	handler := MustRateLimitWithOpts(registry, "api", RateLimitOpts{Metrics: metrics})(okHandler())

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, float64(0), testutil.ToFloat64(
		metrics.RateLimitRejects.WithLabelValues("api", "false", "false")))

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, float64(1), testutil.ToFloat64(
		metrics.RateLimitRejects.WithLabelValues("api", "false", "false")))
}

func TestRequestIDMiddleware(t *testing.T) {
	var gotRequestID string
	handler := RequestID()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotRequestID = GetRequestIDFromContext(r.Context())
		rw.WriteHeader(http.StatusOK)
	}))

	t.Run("generates an ID when the request has none", func(t *testing.T) {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.NotEmpty(t, gotRequestID)
		require.Equal(t, gotRequestID, resp.Header().Get(RequestIDHeader))
	})

	t.Run("keeps the incoming ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "incoming-id")
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		require.Equal(t, "incoming-id", gotRequestID)
		require.Equal(t, "incoming-id", resp.Header().Get(RequestIDHeader))
	})
}
