// Package tryonhttp carries the public API of the try-on service: photo
// uploads, the frame catalog, CSRF token issuance, client security-event
// reporting, and upload serving. Route guards (CSRF, rate limits) are
// composed by the server, not here, so handlers stay testable alone.
package tryonhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/virtualspecs/tryon-web/internal/csrf"
	"github.com/virtualspecs/tryon-web/internal/frames"
	"github.com/virtualspecs/tryon-web/internal/httpmw"
	"github.com/virtualspecs/tryon-web/internal/log"
	"github.com/virtualspecs/tryon-web/internal/sanitize"
	"github.com/virtualspecs/tryon-web/internal/secevent"
	"github.com/virtualspecs/tryon-web/internal/session"
	"github.com/virtualspecs/tryon-web/internal/upload"
)

// API implements the try-on endpoints.
type API struct {
	validator *upload.Validator
	store     upload.Store
	sanitizer *sanitize.Sanitizer
	events    *secevent.Recorder
	logger    log.Logger

	// onUpload is bumped per upload attempt with its outcome, wired to
	// prometheus by main.
	onUpload func(outcome string)
}

type APIOption func(*API)

func WithUploadMetric(fn func(outcome string)) APIOption {
	return func(api *API) { api.onUpload = fn }
}

func NewAPI(validator *upload.Validator, store upload.Store, sanitizer *sanitize.Sanitizer, events *secevent.Recorder, logger log.Logger, opts ...APIOption) *API {
	if logger == nil {
		logger = log.Nop()
	}
	api := &API{
		validator: validator,
		store:     store,
		sanitizer: sanitizer,
		events:    events,
		logger:    logger,
	}
	for _, o := range opts {
		o(api)
	}
	return api
}

// RouteGuards are the per-route middlewares the server hangs on the
// sensitive endpoints. Nil entries mean unguarded, which the tests use.
type RouteGuards struct {
	CSRF      func(http.Handler) http.Handler
	EventRate func(http.Handler) http.Handler
}

func (g RouteGuards) orIdentity(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

// RegisterRoutes attaches the try-on endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router, g RouteGuards) {
	csrfGuard := g.orIdentity(g.CSRF)
	eventRate := g.orIdentity(g.EventRate)

	r.With(httpmw.Scope("upload"), csrfGuard).Post("/upload", api.HandleUpload)
	r.Get("/csrf-token", api.HandleCSRFToken)
	// Rate limit ahead of CSRF so a token-less flood still burns its
	// window budget and surfaces as 429, not an endless 403.
	r.With(httpmw.Scope("security-event"), eventRate, csrfGuard).Post("/api/security-event", api.HandleSecurityEvent)
	r.Get("/frames", api.HandleFrames)
	r.Get("/static/uploads/{filename}", api.HandleUploadedFile)
}

// UploadResponse mirrors what the try-on UI expects after a successful
// photo upload.
type UploadResponse struct {
	Success      bool   `json:"success"`
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FileSize     int    `json:"file_size"`
	MimeType     string `json:"mime_type"`
}

type FramesResponse struct {
	Success bool           `json:"success"`
	Frames  []frames.Frame `json:"frames"`
}

type csrfTokenResponse struct {
	CSRFToken string `json:"csrf_token"`
}

type securityEventRequest struct {
	EventType string `json:"event_type"`
	Details   string `json:"details"`
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// HandleUpload validates and stores a single photo from the "file"
// multipart field.
func (api *API) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.uploadRejected(ctx, w, http.StatusRequestEntityTooLarge, "File too large", "FILE_TOO_LARGE")
			return
		}
		api.uploadRejected(ctx, w, http.StatusBadRequest, "No file provided", "NO_FILE")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.uploadRejected(ctx, w, http.StatusRequestEntityTooLarge, "File too large", "FILE_TOO_LARGE")
			return
		}
		api.logger.Error(ctx, err, "reading upload body")
		api.uploadRejected(ctx, w, http.StatusInternalServerError, "File processing failed. Please try again.", "PROCESSING_ERROR")
		return
	}

	img, err := api.validator.Validate(ctx, header.Filename, data)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrNoFile):
			api.uploadRejected(ctx, w, http.StatusBadRequest, "No file selected", "NO_FILE")
		case errors.Is(err, upload.ErrTooLarge):
			api.uploadRejected(ctx, w, http.StatusRequestEntityTooLarge, "File too large", "FILE_TOO_LARGE")
		case errors.Is(err, upload.ErrUnsupportedType), errors.Is(err, upload.ErrNotImage):
			api.uploadRejected(ctx, w, http.StatusBadRequest, "Invalid file type. Only JPG and PNG files are allowed.", "INVALID_FILE_TYPE")
		default:
			api.logger.Error(ctx, err, "upload validation")
			api.uploadRejected(ctx, w, http.StatusInternalServerError, "File processing failed. Please try again.", "PROCESSING_ERROR")
		}
		return
	}

	if err := api.store.Save(ctx, img); err != nil {
		api.logger.Error(ctx, err, "storing upload", "filename", img.SafeName)
		api.uploadRejected(ctx, w, http.StatusInternalServerError, "File processing failed. Please try again.", "PROCESSING_ERROR")
		return
	}

	api.logger.Info(ctx, "photo uploaded",
		"filename", img.SafeName,
		"original_name", img.OriginalName,
		"size", len(img.Data),
		"dimensions", fmt.Sprintf("%dx%d", img.Width, img.Height),
	)
	if api.onUpload != nil {
		api.onUpload("accepted")
	}

	api.writeJSON(ctx, w, http.StatusOK, UploadResponse{
		Success:      true,
		Filename:     img.SafeName,
		OriginalName: img.OriginalName,
		Width:        img.Width,
		Height:       img.Height,
		FileSize:     len(img.Data),
		MimeType:     img.MIMEType(),
	})
}

func (api *API) uploadRejected(ctx context.Context, w http.ResponseWriter, status int, msg, code string) {
	if api.onUpload != nil {
		api.onUpload(code)
	}
	api.writeError(ctx, w, status, msg, code)
}

// HandleCSRFToken returns the token bound to the caller's session,
// minting one on first call.
func (api *API) HandleCSRFToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s := session.FromContext(ctx)
	if s == nil {
		api.writeError(ctx, w, http.StatusInternalServerError, "Internal server error", "INTERNAL_ERROR")
		return
	}

	tok, err := csrf.Issue(s)
	if err != nil {
		api.logger.Error(ctx, err, "issuing csrf token")
		api.writeError(ctx, w, http.StatusInternalServerError, "Internal server error", "INTERNAL_ERROR")
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, csrfTokenResponse{CSRFToken: tok})
}

// HandleSecurityEvent accepts client-side security reports. Both fields
// pass through the sanitizer; a report whose type trips a deny pattern
// is recorded as the dangerous-pattern event the sanitizer raised, not
// as the type the client claimed.
func (api *API) HandleSecurityEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req securityEventRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "Malformed event payload", "PROCESSING_ERROR")
		return
	}

	eventType := api.sanitizer.Sanitize(ctx, req.EventType)
	details := api.sanitizer.Sanitize(ctx, req.Details)

	if eventType != "" {
		api.events.Record(ctx, secevent.Event{
			Type:      eventType,
			Detail:    details,
			ClientIP:  httpmw.ClientIPFromContext(ctx),
			RequestID: httpmw.RequestIDFromContext(ctx),
		})
	}

	api.writeJSON(ctx, w, http.StatusOK, map[string]bool{"success": true})
}

// HandleFrames serves the eyewear catalog.
func (api *API) HandleFrames(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, FramesResponse{
		Success: true,
		Frames:  frames.All(),
	})
}

// HandleUploadedFile streams a previously stored photo back to the UI.
func (api *API) HandleUploadedFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "filename")

	rc, err := api.store.Open(ctx, name)
	if err != nil {
		NotFound(w, r)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", mimeByExtension(name))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, rc); err != nil {
		api.logger.Warn(ctx, "streaming upload interrupted", "filename", name, "error", err)
	}
}

func mimeByExtension(name string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(name), ".png"):
		return "image/png"
	case strings.HasSuffix(strings.ToLower(name), ".jpg"),
		strings.HasSuffix(strings.ToLower(name), ".jpeg"):
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg, code string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg, ErrorCode: code})
}

// NotFound is the JSON 404 handler mounted on the router.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeStaticError(w, http.StatusNotFound, "Page not found", "NOT_FOUND")
}

// MethodNotAllowed keeps unknown-method responses in the same JSON
// shape as everything else.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeStaticError(w, http.StatusMethodNotAllowed, "Method not allowed", "NOT_FOUND")
}

func writeStaticError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg, ErrorCode: code})
}
