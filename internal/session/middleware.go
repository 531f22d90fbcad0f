package session

import (
	"context"
	"net/http"
)

// CookieName is the session cookie. HttpOnly and SameSite=Lax; Secure
// is owned by the TLS terminator in front of the service.
const CookieName = "tryon_session"

type ctxKey struct{}

// FromContext returns the request's session, or nil outside the middleware.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// Middleware resolves the caller's session from the cookie, creating
// one on first contact, and stores it in the request context. An
// unknown or expired cookie gets a fresh session (and a fresh CSRF
// token lifecycle with it).
func Middleware(store Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var s *Session
			if c, err := r.Cookie(CookieName); err == nil {
				s = store.Get(c.Value)
			}
			if s == nil {
				s = store.Put()
				http.SetCookie(w, &http.Cookie{
					Name:     CookieName,
					Value:    s.ID(),
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}

			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), s)))
		})
	}
}
