/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package middleware

import (
	"context"
	"net/http"

	"github.com/gatelimit/gatelimit/log"
)

type ctxKey int

const (
	ctxKeyLogger ctxKey = iota
	ctxKeyIdentity
	ctxKeyRequestID
)

// NewContextWithLogger creates a new context with the logger.
func NewContextWithLogger(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// GetLoggerFromContext extracts the logger from the context. Returns nil if there is no logger.
func GetLoggerFromContext(ctx context.Context) log.FieldLogger {
	logger, _ := ctx.Value(ctxKeyLogger).(log.FieldLogger)
	return logger
}

// NewContextWithIdentity creates a new context with the authenticated identity name.
// It is expected to be called by authentication middleware.
func NewContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, identity)
}

// GetIdentityFromContext extracts the authenticated identity name from the context.
// Returns an empty string for unauthenticated requests.
func GetIdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(ctxKeyIdentity).(string)
	return identity
}

// NewContextWithRequestID creates a new context with the request ID.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// GetRequestIDFromContext extracts the request ID from the context.
func GetRequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(ctxKeyRequestID).(string)
	return requestID
}

// Logging is a middleware that puts the logger into the request context,
// bound with the request ID field when the request has one.
func Logging(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			reqLogger := logger
			if requestID := GetRequestIDFromContext(r.Context()); requestID != "" {
				reqLogger = reqLogger.With(log.String(RequestIDLogFieldKey, requestID))
			}
			next.ServeHTTP(rw, r.WithContext(NewContextWithLogger(r.Context(), reqLogger)))
		})
	}
}
