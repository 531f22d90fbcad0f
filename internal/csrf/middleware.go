package csrf

import (
	"net/http"

	"github.com/virtualspecs/tryon-web/internal/log"
	"github.com/virtualspecs/tryon-web/internal/session"
)

// OnFailure is called when verification rejects a request, before the
// response is written. Used to record a security event.
type OnFailure func(r *http.Request)

// Protect rejects state-mutating requests whose CSRF verification
// fails, before any handler logic runs. Safe methods pass through.
func Protect(onFailure OnFailure) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			s := session.FromContext(r.Context())
			if !Verify(s, presentedToken(r)) {
				ctx := r.Context()
				log.FromContext(ctx).Warn(ctx, "csrf verification failed",
					"method", r.Method,
					"path", r.URL.Path,
				)
				if onFailure != nil {
					onFailure(r)
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"success":false,"error":"CSRF token missing or invalid","error_code":"CSRF_FAILURE"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func presentedToken(r *http.Request) string {
	if tok := r.Header.Get(HeaderName); tok != "" {
		return tok
	}
	// For multipart bodies this triggers parsing, but the parsed form is
	// cached on the request so downstream FormFile still sees the parts.
	return r.PostFormValue(FormField)
}
