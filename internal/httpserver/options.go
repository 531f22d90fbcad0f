package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/virtualspecs/tryon-web/internal/httpmw"
	"github.com/virtualspecs/tryon-web/internal/log"
	"github.com/virtualspecs/tryon-web/internal/probe"
	"github.com/virtualspecs/tryon-web/internal/session"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool

	// OnPanic is invoked when the recover middleware catches a panic.
	OnPanic func()

	// MetricsMW wraps the router with prometheus instrumentation.
	MetricsMW func(http.Handler) http.Handler

	// FloodMW is the coarse per-IP guard applied ahead of routing.
	FloodMW func(http.Handler) http.Handler

	Health    probe.Probe
	Readiness probe.Probe

	ClientIPOpts httpmw.ClientIPOptions

	// Sessions, when set, attaches the session cookie middleware to
	// every routed request.
	Sessions session.Store

	// APIRoutes registers the application endpoints on the router.
	APIRoutes func(chi.Router)

	// NotFound serves unmatched paths and disallowed methods, keeping
	// error responses in the API's JSON shape.
	NotFound http.HandlerFunc

	// MaxBodyBytes caps request bodies. Zero means the upload ceiling
	// plus multipart overhead.
	MaxBodyBytes int64
}
