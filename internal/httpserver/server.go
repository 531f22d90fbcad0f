// Package httpserver composes the public request pipeline. The
// middleware order is deliberate: security headers wrap everything so
// even panic and rate-limit responses carry them, client IP resolution
// runs before anything keyed on it, and per-route guards (CSRF, the
// sliding window) hang off the routes themselves.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/virtualspecs/tryon-web/internal/httpmw"
	"github.com/virtualspecs/tryon-web/internal/opshttp"
	"github.com/virtualspecs/tryon-web/internal/session"
	"github.com/virtualspecs/tryon-web/internal/upload"
	"github.com/virtualspecs/tryon-web/internal/xerrors"
)

// NewHandler builds the HTTP handler with routes + middleware.
// main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	r := chi.NewRouter()

	// Compress text responses; image bodies are already compressed.
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"application/javascript",
		"text/javascript",
		"application/json",
		"image/svg+xml",
	))

	// Annotate logger and tracer with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	maxBody := opts.MaxBodyBytes
	if maxBody == 0 {
		// upload ceiling + slack for multipart framing
		maxBody = upload.DefaultMaxBytes + 1<<20
	}
	r.Use(httpmw.MaxBody(maxBody))

	if opts.Sessions != nil {
		r.Use(session.Middleware(opts.Sessions))
	}

	// Health routes on the public port too, for edge LB checks
	if opts.Health != nil {
		r.Get("/-/healthy", opshttp.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", opshttp.ReadyzHandler(opts.Readiness))
	}

	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	if opts.NotFound != nil {
		r.NotFound(opts.NotFound)
		r.MethodNotAllowed(opts.NotFound)
	}

	otelMW := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			"http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				return shouldTrace(r.URL.Path)
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				// AnnotateHTTPRoute renames the span to the route pattern later
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
		)
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}

	// Ordered list, first entry outermost. Nil entries (disabled
	// options) are skipped by Chain.
	return httpmw.Chain(r,
		// security headers outermost so they are served on every
		// response, short circuits included
		httpmw.SecurityHeaders,
		recoverMW,
		// request ID before everything that logs
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		// flood guard after client IP resolution so it keys on the real IP
		opts.FloodMW,
		// CORS outside tracing so preflights stay cheap
		httpmw.CORS,
		otelMW,
		// add trace-id headers to any requests with a recording trace
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		// request-scoped logging innermost so it sees trace_id, etc
		httpmw.WithLogger(opts.Logger),
	)
}

// shouldTrace filters requests that produce no useful spans.
func shouldTrace(p string) bool {
	if p == "/favicon.ico" || p == "/robots.txt" {
		return false
	}
	if p == "/-/healthy" || p == "/-/ready" {
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".ico", ".woff", ".woff2", ".map":
		return false
	}
	return true
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

// NewServer applies the shared timeouts. Read and write are generous
// enough for a full-size photo upload on a slow link.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start brings up the public HTTP server.
// Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
