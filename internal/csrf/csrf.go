// Package csrf issues and verifies per-session CSRF tokens. A token is
// minted from 32 bytes of crypto/rand entropy, bound to the session
// until rotation or expiry, and compared in constant time.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"

	"github.com/virtualspecs/tryon-web/internal/session"
)

// HeaderName is where mutating requests echo the token. The form field
// is accepted as a fallback for plain form posts.
const (
	HeaderName = "X-CSRF-Token"
	FormField  = "csrf_token"
)

const tokenBytes = 32

// Issue returns the session's CSRF token, minting one if the session
// has none. Repeated calls while a token is bound return the same token.
func Issue(s *session.Session) (string, error) {
	if tok := s.CSRFToken(); tok != "" {
		return tok, nil
	}
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	tok := base64.RawURLEncoding.EncodeToString(raw)
	// BindCSRFToken resolves the race between concurrent first issues:
	// whichever token binds first wins and both callers get it.
	return s.BindCSRFToken(tok), nil
}

// Verify reports whether presented matches the session's bound token.
// False when either side is absent. The comparison is constant-time.
func Verify(s *session.Session, presented string) bool {
	if s == nil || presented == "" {
		return false
	}
	bound := s.CSRFToken()
	if bound == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(bound), []byte(presented)) == 1
}
