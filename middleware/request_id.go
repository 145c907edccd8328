/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package middleware

import (
	"net/http"

	"github.com/rs/xid"
)

// RequestIDHeader is the name of the HTTP header that carries the request ID.
const RequestIDHeader = "X-Request-ID"

// RequestIDLogFieldKey is the name of the logged field that contains the request ID.
const RequestIDLogFieldKey = "request_id"

// RequestID is a middleware that takes the request ID from the X-Request-ID
// header or generates a new one, puts it into the request context and sets it
// in the response header.
func RequestID() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = xid.New().String()
			}
			rw.Header().Set(RequestIDHeader, requestID)
			next.ServeHTTP(rw, r.WithContext(NewContextWithRequestID(r.Context(), requestID)))
		})
	}
}
