// Package middleware provides the HTTP middleware chain for the proxy:
// request IDs, structured request logging, panic recovery, and CORS.
// Middleware composes as func(http.Handler) http.Handler.
package middleware

import "net/http"

type contextKey string

// RequestIDKey carries the request id through the request context.
const RequestIDKey contextKey = "request_id"

// Chain applies middleware in order: the first element is the outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
