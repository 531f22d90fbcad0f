package session

import (
	"context"
	"sync"
	"time"
)

// Store is the session state backend. The interface is narrow so the
// in-memory map can be swapped for an external cache without touching
// callers.
type Store interface {
	// Get returns the session for id, or nil if unknown or expired.
	Get(id string) *Session
	// Put creates a new session and returns it.
	Put() *Session
	// Expire removes the session for id.
	Expire(id string)
}

// MemoryStore keeps sessions in a mutex-guarded map with background
// TTL eviction. Not shared between instances.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration

	now func() time.Time
}

type Option func(*MemoryStore)

// WithTTL controls how long an idle session survives before eviction.
func WithTTL(d time.Duration) Option {
	return func(st *MemoryStore) { st.ttl = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(st *MemoryStore) { st.now = now }
}

// NewMemoryStore creates a MemoryStore and starts the background
// cleanup goroutine, cancelled via ctx on shutdown.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	st := &MemoryStore{
		sessions: make(map[string]*Session),
		ttl:      time.Hour,
		now:      time.Now,
	}
	for _, o := range opts {
		o(st)
	}
	go st.cleanup(ctx)
	return st
}

func (st *MemoryStore) Get(id string) *Session {
	if id == "" {
		return nil
	}
	now := st.now()

	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok && now.Sub(s.idleSince()) > st.ttl {
		// expired but not yet swept
		delete(st.sessions, id)
		ok = false
	}
	st.mu.Unlock()

	if !ok {
		return nil
	}
	s.touch(now)
	return s
}

func (st *MemoryStore) Put() *Session {
	s := newSession(st.now())
	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()
	return s
}

// Len reports the number of live sessions, expired-but-unswept included.
func (st *MemoryStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *MemoryStore) Expire(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// cleanup periodically evicts sessions idle longer than the TTL.
// Runs every TTL/2 to avoid holding stale entries much longer than intended.
func (st *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(st.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := st.now()
			st.mu.Lock()
			for id, s := range st.sessions {
				if now.Sub(s.idleSince()) > st.ttl {
					delete(st.sessions, id)
				}
			}
			st.mu.Unlock()
		}
	}
}
