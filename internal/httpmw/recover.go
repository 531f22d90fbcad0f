package httpmw

import (
	"net/http"
	"runtime"

	"github.com/virtualspecs/tryon-web/internal/log"
	"github.com/virtualspecs/tryon-web/internal/xerrors"
)

// Recover logs panics with a stack and serves a generic 500 JSON body.
// Internal detail never reaches the client. onPanic, if set, is called
// after logging (e.g. to increment a counter).
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// http.ErrAbortHandler is the sanctioned way to abort a
				// response; let the server handle it.
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.EnsureTrace(e)
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				buf := make([]byte, 8<<10)
				buf = buf[:runtime.Stack(buf, false)]
				L.Error(r.Context(), err, "panic in http handler",
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(buf),
				)

				if onPanic != nil {
					onPanic()
				}

				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"success":false,"error":"Internal server error","error_code":"INTERNAL_ERROR"}`))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
