package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnnotateHTTPRoute renames the active span to the final chi route
// pattern once routing has resolved, keeping span names low-cardinality.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if span == nil || !span.IsRecording() {
			return
		}
		rc := chi.RouteContext(r.Context())
		if rc == nil {
			return
		}
		if pat := rc.RoutePattern(); pat != "" {
			span.SetName(r.Method + " " + pat)
			span.SetAttributes(attribute.String("http.route", pat))
		}
	})
}
