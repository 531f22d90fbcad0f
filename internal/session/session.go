// Package session provides per-client server-side state with an idle
// timeout. A session exists to anchor exactly one CSRF token; it is
// created lazily on first use and evicted after the TTL passes without
// activity.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the per-client state. Field access goes through methods so
// concurrent requests from the same client stay consistent.
type Session struct {
	mu        sync.Mutex
	id        string
	csrfToken string
	createdAt time.Time
	lastSeen  time.Time
}

func newSession(now time.Time) *Session {
	return &Session{
		id:        uuid.NewString(),
		createdAt: now,
		lastSeen:  now,
	}
}

func (s *Session) ID() string { return s.id }

// CSRFToken returns the bound token, or "" if none has been issued.
func (s *Session) CSRFToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrfToken
}

// BindCSRFToken binds tok if the session has no token yet and returns
// the bound token, making issuance idempotent.
func (s *Session) BindCSRFToken(tok string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.csrfToken == "" {
		s.csrfToken = tok
	}
	return s.csrfToken
}

// RotateCSRFToken unbinds the current token so the next issue mints a
// fresh one.
func (s *Session) RotateCSRFToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfToken = ""
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}
