// Package secevent records security-relevant anomalies: dangerous
// patterns in text fields, invalid image content, repeated rate-limit
// denials, CSRF failures, and client-reported events. Records land in
// the structured log and a counter, and are optionally forwarded to an
// external monitoring sink on a best-effort basis.
package secevent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/virtualspecs/tryon-web/internal/log"
)

// Well-known event types raised by the pipeline itself. Client-reported
// types arrive sanitized through the reporting endpoint.
const (
	TypeDangerousPattern = "dangerous_pattern"
	TypeInvalidImage     = "invalid_image"
	TypeRateLimited      = "rate_limit_denied"
	TypeCSRFFailure      = "csrf_failure"
)

// Event is a structured security event. Typed fields, not an open map,
// so malformed payloads fail at the boundary.
type Event struct {
	Type      string `json:"event_type"`
	Detail    string `json:"details,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Recorder writes events to the log, bumps the per-type counter, and
// forwards to the webhook if one is configured.
type Recorder struct {
	logger  log.Logger
	webhook string
	client  *http.Client

	// OnRecord is bumped per event type, wired to prometheus by main.
	OnRecord func(eventType string)
}

type RecorderOption func(*Recorder)

// WithWebhook sets the monitoring sink URL. Forwarding is best effort:
// failures are logged and never reach the client.
func WithWebhook(url string) RecorderOption {
	return func(r *Recorder) { r.webhook = url }
}

// WithHTTPClient overrides the forwarding client, for tests.
func WithHTTPClient(c *http.Client) RecorderOption {
	return func(r *Recorder) { r.client = c }
}

// WithOnRecord sets the per-event counter hook.
func WithOnRecord(fn func(eventType string)) RecorderOption {
	return func(r *Recorder) { r.OnRecord = fn }
}

func NewRecorder(logger log.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Recorder{
		logger: logger,
		client: &http.Client{Timeout: 3 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record logs the event and kicks off the forward. It never returns an
// error: security events must not change the outcome of the request
// that raised them.
func (r *Recorder) Record(ctx context.Context, e Event) {
	r.logger.Warn(ctx, "security event",
		"event_type", e.Type,
		"detail", e.Detail,
		"client_ip", e.ClientIP,
		"request_id", e.RequestID,
	)

	if r.OnRecord != nil {
		r.OnRecord(e.Type)
	}

	if r.webhook == "" {
		return
	}
	// forward off the request path; the request context may be gone by
	// the time the POST completes
	go r.forward(e)
}

func (r *Recorder) forward(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		r.logger.Error(context.Background(), err, "security event marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.webhook, bytes.NewReader(body))
	if err != nil {
		r.logger.Error(context.Background(), err, "security event forward setup failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn(context.Background(), "security event forward failed", "err", err.Error())
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.logger.Warn(context.Background(), "security event forward rejected", "status", resp.StatusCode)
	}
}
