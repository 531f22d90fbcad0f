package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceResponseHeaders echoes the active trace/span IDs on responses
// when a recording trace is present, for client-side correlation.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() && sc.IsSampled() {
				if traceHeader != "" {
					w.Header().Set(traceHeader, sc.TraceID().String())
				}
				if spanHeader != "" {
					w.Header().Set(spanHeader, sc.SpanID().String())
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
