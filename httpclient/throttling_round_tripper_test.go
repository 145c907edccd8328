/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package httpclient

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestThrottlingRoundTripper(t *testing.T) {
	t.Run("paces outgoing requests", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			atomic.AddInt32(&calls, 1)
			rw.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		rt, err := NewThrottlingRoundTripper(http.DefaultTransport, 10)
		require.NoError(t, err)
		client := &http.Client{Transport: rt}

		// The first request consumes the burst, the following ones are paced
		// at 10 rps, so 3 requests take at least ~200ms.
		start := time.Now()
		for i := 0; i < 3; i++ {
			resp, reqErr := client.Get(srv.URL)
			require.NoError(t, reqErr)
			resp.Body.Close()
		}
		require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
		require.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("wait timeout produces ThrottlingWaitError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		rt, err := NewThrottlingRoundTripperWithOpts(http.DefaultTransport, 1, ThrottlingRoundTripperOpts{
			WaitTimeout: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		client := &http.Client{Transport: rt}

		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()

		_, err = client.Get(srv.URL)
		require.Error(t, err)
		var waitErr *ThrottlingWaitError
		require.ErrorAs(t, err, &waitErr)
	})

	t.Run("adapts to the limit advertised by the server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.Header().Set("X-RateLimit-Limit", "2")
			rw.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		rt, err := NewThrottlingRoundTripperWithOpts(http.DefaultTransport, 100, ThrottlingRoundTripperOpts{
			Adaptation: ThrottlingAdaptation{ResponseHeaderName: "X-RateLimit-Limit"},
		})
		require.NoError(t, err)
		client := &http.Client{Transport: rt}

		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, rate.Limit(2), rt.limiter.Limit())
	})

	t.Run("restores the configured limit without the header", func(t *testing.T) {
		var advertise atomic.Bool
		advertise.Store(true)
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			if advertise.Load() {
				rw.Header().Set("X-RateLimit-Limit", "2")
			}
			rw.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		rt, err := NewThrottlingRoundTripperWithOpts(http.DefaultTransport, 100, ThrottlingRoundTripperOpts{
			Burst:      100,
			Adaptation: ThrottlingAdaptation{ResponseHeaderName: "X-RateLimit-Limit"},
		})
		require.NoError(t, err)
		client := &http.Client{Transport: rt}

		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, rate.Limit(2), rt.limiter.Limit())

		advertise.Store(false)
		resp, err = client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, rate.Limit(100), rt.limiter.Limit())
	})

	t.Run("slack percent shaves the advertised limit", func(t *testing.T) {
		rt, err := NewThrottlingRoundTripperWithOpts(http.DefaultTransport, 100, ThrottlingRoundTripperOpts{
			Adaptation: ThrottlingAdaptation{ResponseHeaderName: "X-RateLimit-Limit", SlackPercent: 50},
		})
		require.NoError(t, err)

		resp := &http.Response{Header: http.Header{}}
		resp.Header.Set("X-RateLimit-Limit", "10")
		require.Equal(t, 5, rt.parseAdvertisedLimit(resp))

		resp.Header.Set("X-RateLimit-Limit", "1")
		require.Equal(t, 1, rt.parseAdvertisedLimit(resp)) // never drops to zero
	})

	t.Run("invalid parameters are rejected", func(t *testing.T) {
		_, err := NewThrottlingRoundTripper(http.DefaultTransport, 0)
		require.Error(t, err)
		_, err = NewThrottlingRoundTripperWithOpts(http.DefaultTransport, 1, ThrottlingRoundTripperOpts{
			Adaptation: ThrottlingAdaptation{SlackPercent: 150},
		})
		require.Error(t, err)
	})
}

func TestNewClient(t *testing.T) {
	client, err := New(Opts{RateLimit: 10, Retry: true})
	require.NoError(t, err)
	require.Equal(t, DefaultClientWaitTimeout, client.Timeout)
	rt, ok := client.Transport.(*RetryableRoundTripper)
	require.True(t, ok)
	_, ok = rt.Delegate.(*ThrottlingRoundTripper)
	require.True(t, ok)

	_, err = New(Opts{RateLimit: -1})
	require.NoError(t, err) // non-positive limit just disables pacing
}
