package tryonhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/virtualspecs/tryon-web/internal/csrf"
	"github.com/virtualspecs/tryon-web/internal/log"
	"github.com/virtualspecs/tryon-web/internal/ratelimit"
	"github.com/virtualspecs/tryon-web/internal/sanitize"
	"github.com/virtualspecs/tryon-web/internal/secevent"
	"github.com/virtualspecs/tryon-web/internal/session"
	"github.com/virtualspecs/tryon-web/internal/upload"
)

type memStore struct {
	saved map[string][]byte
	fail  bool
}

func newMemStore() *memStore {
	return &memStore{saved: map[string][]byte{}}
}

func (m *memStore) Save(_ context.Context, img *upload.Image) error {
	if m.fail {
		return io.ErrClosedPipe
	}
	m.saved[img.SafeName] = img.Data
	return nil
}

func (m *memStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	data, ok := m.saved[name]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type apiFixture struct {
	api     *API
	store   *memStore
	events  *recordedEvents
	router  chi.Router
	uploads []string
}

type recordedEvents struct {
	events []secevent.Event
}

func newFixture(t *testing.T, guards RouteGuards) *apiFixture {
	t.Helper()

	f := &apiFixture{store: newMemStore(), events: &recordedEvents{}}

	events := secevent.NewRecorder(log.Nop(), secevent.WithOnRecord(func(eventType string) {
		f.events.events = append(f.events.events, secevent.Event{Type: eventType})
	}))
	sanitizer := sanitize.New(func(ctx context.Context, class string) {
		events.Record(ctx, secevent.Event{Type: secevent.TypeDangerousPattern, Detail: class})
	})
	f.api = NewAPI(
		upload.NewValidator(),
		f.store,
		sanitizer,
		events,
		log.Nop(),
		WithUploadMetric(func(outcome string) { f.uploads = append(f.uploads, outcome) }),
	)

	r := chi.NewRouter()
	r.NotFound(NotFound)
	r.Use(session.Middleware(session.NewMemoryStore(context.Background())))
	f.api.RegisterRoutes(r, guards)
	f.router = r
	return f
}

func pngUpload(t *testing.T, field, filename string) (*bytes.Buffer, string) {
	t.Helper()

	var img bytes.Buffer
	if err := png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 20, 10))); err != nil {
		t.Fatal(err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(fw, &img)
	mw.Close()
	return &body, mw.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestHandleUpload_Success(t *testing.T) {
	f := newFixture(t, RouteGuards{})

	body, ct := pngUpload(t, "file", "selfie.png")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	m := decodeBody(t, rec)
	if m["success"] != true {
		t.Fatalf("success = %v", m["success"])
	}
	if m["original_name"] != "selfie.png" {
		t.Fatalf("original_name = %v", m["original_name"])
	}
	if m["width"].(float64) != 20 || m["height"].(float64) != 10 {
		t.Fatalf("dimensions = %vx%v", m["width"], m["height"])
	}
	if m["mime_type"] != "image/png" {
		t.Fatalf("mime_type = %v", m["mime_type"])
	}

	name, _ := m["filename"].(string)
	if !strings.HasPrefix(name, "upload_") || !strings.HasSuffix(name, "selfie.png") {
		t.Fatalf("filename = %q", name)
	}
	if _, ok := f.store.saved[name]; !ok {
		t.Fatal("image not persisted under returned filename")
	}
	if len(f.uploads) != 1 || f.uploads[0] != "accepted" {
		t.Fatalf("upload outcomes = %v", f.uploads)
	}
}

func TestHandleUpload_TraversalFilenameAcceptedWithSafeName(t *testing.T) {
	f := newFixture(t, RouteGuards{})

	body, ct := pngUpload(t, "file", "../../etc/evil.png")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	name := decodeBody(t, rec)["filename"].(string)
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		t.Fatalf("unsafe stored name %q", name)
	}
}

func TestHandleUpload_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		field      string
		filename   string
		data       []byte
		wantStatus int
		wantCode   string
	}{
		{"wrong field name", "photo", "a.png", nil, http.StatusBadRequest, "NO_FILE"},
		{"bad extension", "file", "notes.txt", []byte("text"), http.StatusBadRequest, "INVALID_FILE_TYPE"},
		{"not an image", "file", "fake.png", []byte("not a png"), http.StatusBadRequest, "INVALID_FILE_TYPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, RouteGuards{})

			var body *bytes.Buffer
			var ct string
			if tt.data == nil {
				body, ct = pngUpload(t, tt.field, tt.filename)
			} else {
				body = &bytes.Buffer{}
				mw := multipart.NewWriter(body)
				fw, _ := mw.CreateFormFile(tt.field, tt.filename)
				fw.Write(tt.data)
				mw.Close()
				ct = mw.FormDataContentType()
			}

			req := httptest.NewRequest(http.MethodPost, "/upload", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			m := decodeBody(t, rec)
			if m["error_code"] != tt.wantCode {
				t.Fatalf("error_code = %v, want %s", m["error_code"], tt.wantCode)
			}
			if m["success"] != false {
				t.Fatalf("success = %v, want false", m["success"])
			}
			if len(f.store.saved) != 0 {
				t.Fatal("rejected upload was persisted")
			}
		})
	}
}

func TestHandleUpload_StoreFailure(t *testing.T) {
	f := newFixture(t, RouteGuards{})
	f.store.fail = true

	body, ct := pngUpload(t, "file", "selfie.png")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeBody(t, rec)["error_code"] != "PROCESSING_ERROR" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandleCSRFToken_StablePerSession(t *testing.T) {
	f := newFixture(t, RouteGuards{})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	first := decodeBody(t, rec)["csrf_token"].(string)
	if len(first) != 43 {
		t.Fatalf("token length = %d, want 43", len(first))
	}

	cookie := rec.Result().Cookies()
	if len(cookie) == 0 {
		t.Fatal("no session cookie issued")
	}

	// same session, same token
	req := httptest.NewRequest(http.MethodGet, "/csrf-token", nil)
	for _, c := range cookie {
		req.AddCookie(c)
	}
	rec2 := httptest.NewRecorder()
	f.router.ServeHTTP(rec2, req)
	if second := decodeBody(t, rec2)["csrf_token"].(string); second != first {
		t.Fatal("token changed within one session")
	}

	// new session, new token
	rec3 := httptest.NewRecorder()
	f.router.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	if third := decodeBody(t, rec3)["csrf_token"].(string); third == first {
		t.Fatal("token shared across sessions")
	}
}

func TestCSRFGuard_EndToEnd(t *testing.T) {
	f := newFixture(t, RouteGuards{CSRF: csrf.Protect(nil)})

	// no token: rejected before handler logic
	body, ct := pngUpload(t, "file", "selfie.png")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if decodeBody(t, rec)["error_code"] != "CSRF_FAILURE" {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if len(f.store.saved) != 0 {
		t.Fatal("upload persisted despite CSRF failure")
	}

	// fetch a token, replay with it
	tokRec := httptest.NewRecorder()
	f.router.ServeHTTP(tokRec, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	token := decodeBody(t, tokRec)["csrf_token"].(string)

	body2, ct2 := pngUpload(t, "file", "selfie.png")
	req2 := httptest.NewRequest(http.MethodPost, "/upload", body2)
	req2.Header.Set("Content-Type", ct2)
	req2.Header.Set(csrf.HeaderName, token)
	for _, c := range tokRec.Result().Cookies() {
		req2.AddCookie(c)
	}
	rec2 := httptest.NewRecorder()
	f.router.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("status with valid token = %d, body = %s", rec2.Code, rec2.Body.String())
	}
}

func TestHandleSecurityEvent_RecordsSanitizedReport(t *testing.T) {
	f := newFixture(t, RouteGuards{})

	payload := `{"event_type":"suspicious_paste","details":"user pasted <b>markup</b>"}`
	req := httptest.NewRequest(http.MethodPost, "/api/security-event", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["success"] != true {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if len(f.events.events) != 1 || f.events.events[0].Type != "suspicious_paste" {
		t.Fatalf("recorded events = %+v", f.events.events)
	}
}

func TestHandleSecurityEvent_DangerousTypeNeutralized(t *testing.T) {
	f := newFixture(t, RouteGuards{})

	payload := `{"event_type":"<script>alert(1)</script>","details":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/api/security-event", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	// the claimed type is discarded; only the sanitizer's own
	// dangerous-pattern event is recorded
	if len(f.events.events) != 1 || f.events.events[0].Type != secevent.TypeDangerousPattern {
		t.Fatalf("recorded events = %+v", f.events.events)
	}
}

func TestHandleSecurityEvent_MalformedJSON(t *testing.T) {
	f := newFixture(t, RouteGuards{})

	req := httptest.NewRequest(http.MethodPost, "/api/security-event", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("events recorded for malformed payload: %+v", f.events.events)
	}
}

func TestHandleSecurityEvent_RateLimited(t *testing.T) {
	window := ratelimit.NewWindow(context.Background(), time.Minute)
	f := newFixture(t, RouteGuards{EventRate: window.Route(2, time.Minute)})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/security-event",
			strings.NewReader(`{"event_type":"probe","details":""}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send(); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	if decodeBody(t, rec)["error_code"] != "RATE_LIMITED" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandleSecurityEvent_RateLimitAppliesWithoutToken(t *testing.T) {
	window := ratelimit.NewWindow(context.Background(), time.Minute)
	f := newFixture(t, RouteGuards{
		CSRF:      csrf.Protect(nil),
		EventRate: window.Route(2, time.Minute),
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/security-event",
			strings.NewReader(`{"event_type":"burst","details":""}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	// the limiter runs before the CSRF guard, so token-less requests
	// still consume window budget instead of seeing 403 forever
	for i := 0; i < 2; i++ {
		rec := send()
		if rec.Code != http.StatusForbidden {
			t.Fatalf("request %d status = %d, want 403", i+1, rec.Code)
		}
		if decodeBody(t, rec)["error_code"] != "CSRF_FAILURE" {
			t.Fatalf("request %d body = %s", i+1, rec.Body.String())
		}
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status after budget spent = %d, want 429", rec.Code)
	}
	if decodeBody(t, rec)["error_code"] != "RATE_LIMITED" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandleFrames(t *testing.T) {
	f := newFixture(t, RouteGuards{})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frames", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp FramesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || len(resp.Frames) != 3 {
		t.Fatalf("frames = %+v", resp)
	}
	if resp.Frames[0].ID != "aviator_classic" {
		t.Fatalf("first frame = %q", resp.Frames[0].ID)
	}
}

func TestHandleUploadedFile(t *testing.T) {
	f := newFixture(t, RouteGuards{})

	// store through the real upload path
	body, ct := pngUpload(t, "file", "selfie.png")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	name := decodeBody(t, rec)["filename"].(string)

	getRec := httptest.NewRecorder()
	f.router.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/static/uploads/"+name, nil))

	if getRec.Code != http.StatusOK {
		t.Fatalf("status = %d", getRec.Code)
	}
	if ct := getRec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if getRec.Body.Len() == 0 {
		t.Fatal("empty body")
	}
}

func TestHandleUploadedFile_Missing(t *testing.T) {
	f := newFixture(t, RouteGuards{})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/uploads/nope.png", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if decodeBody(t, rec)["error_code"] != "NOT_FOUND" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestNotFoundHandler(t *testing.T) {
	f := newFixture(t, RouteGuards{})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/definitely/not/here", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decodeBody(t, rec)
	if m["error_code"] != "NOT_FOUND" || m["success"] != false {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
