package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/virtualspecs/tryon-web/internal/httpmw"
)

// Route returns middleware enforcing a sliding-window limit for the
// wrapped route, keyed by client IP + route pattern so limits on one
// endpoint never starve another.
func (w *Window) Route(limit int, window time.Duration) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(window / time.Second))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			key := routeKey(r)
			if !w.Check(key, limit, window) {
				rw.Header().Set("Content-Type", "application/json; charset=utf-8")
				rw.Header().Set("Retry-After", retryAfter)
				rw.WriteHeader(http.StatusTooManyRequests)
				rw.Write([]byte(`{"success":false,"error":"Too many requests","error_code":"RATE_LIMITED"}`))
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}

func routeKey(r *http.Request) string {
	route := ""
	if rc := chi.RouteContext(r.Context()); rc != nil {
		route = rc.RoutePattern()
	}
	if route == "" {
		route = r.URL.Path
	}
	return httpmw.ClientIPFromContext(r.Context()) + "|" + route
}
