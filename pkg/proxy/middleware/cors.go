package middleware

import "net/http"

const (
	corsMethods = "GET,POST,PUT,DELETE,OPTIONS,PATCH"
	corsHeaders = "Content-Type, Authorization, x-goog-api-key, Model-Provider, X-Requested-With, Accept, Origin"
	corsMaxAge  = "86400"
)

// CORS adds permissive cross-origin headers to every response and answers
// preflight OPTIONS requests with 204 before they reach any route.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)
		h.Set("Access-Control-Max-Age", corsMaxAge)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
