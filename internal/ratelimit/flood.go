package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/virtualspecs/tryon-web/internal/httpmw"
)

// visitor tracks a single IP's limiter and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether we have already emitted the first-denial log
	// resets when the entry is evicted and re-created
	logged bool
}

// FloodGuard holds per-IP token buckets with background eviction.
type FloodGuard struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	// rate controls: requests per second and burst ceiling
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle IP stays in the map before cleanup evicts it
	ttl time.Duration

	// OnFirstDenied is called once per visitor when they first get rate limited
	OnFirstDenied func(ip string)

	// OnDenied is called on every denied request, used for counters
	OnDenied func(ip string)
}

type FloodOption func(*FloodGuard)

// WithFloodRate sets the bucket size and the refill rate.
// burst is the total capacity of the bucket, perSecond is how many
// tokens are added to the bucket each second.
func WithFloodRate(perSecond float64, burst int) FloodOption {
	return func(g *FloodGuard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithFloodTTL controls how long an idle IP stays in the map before cleanup
func WithFloodTTL(d time.Duration) FloodOption {
	return func(g *FloodGuard) { g.ttl = d }
}

// WithFloodOnFirstDenied sets a callback for the first denial per visitor.
// Intentionally separate from OnDenied: we log once but count every denial.
func WithFloodOnFirstDenied(fn func(ip string)) FloodOption {
	return func(g *FloodGuard) { g.OnFirstDenied = fn }
}

// WithFloodOnDenied sets a callback for every denied request.
func WithFloodOnDenied(fn func(ip string)) FloodOption {
	return func(g *FloodGuard) { g.OnDenied = fn }
}

// NewFloodGuard creates a FloodGuard and starts the background cleanup
// goroutine, cancelled via ctx on app shutdown.
func NewFloodGuard(ctx context.Context, opts ...FloodOption) *FloodGuard {
	g := &FloodGuard{
		visitors:  make(map[string]*visitor),
		perSecond: 10,
		burst:     30,
		ttl:       5 * time.Minute,
	}
	for _, o := range opts {
		o(g)
	}
	go g.cleanup(ctx)
	return g
}

// allow checks whether the given IP is within its rate limit, creating
// the visitor on first sight.
func (g *FloodGuard) allow(ip string) bool {
	g.mu.Lock()
	v, exists := g.visitors[ip]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(g.perSecond, g.burst),
		}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	if !allowed && !v.logged {
		v.logged = true
		// release the lock before calling hooks, they may do slow work
		g.mu.Unlock()
		if g.OnFirstDenied != nil {
			g.OnFirstDenied(ip)
		}
		if g.OnDenied != nil {
			g.OnDenied(ip)
		}
		return false
	}

	g.mu.Unlock()

	if !allowed && g.OnDenied != nil {
		g.OnDenied(ip)
	}

	return allowed
}

// cleanup periodically evicts visitors that haven't been seen within the TTL.
// Runs every TTL/2 to avoid holding stale entries much longer than intended.
func (g *FloodGuard) cleanup(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, v := range g.visitors {
				if now.Sub(v.lastSeen) > g.ttl {
					delete(g.visitors, ip)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-ip flood limit with 429.
func (g *FloodGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// client IP middleware runs outside this one, so the resolved
		// origin is already in context
		ip := httpmw.ClientIPFromContext(r.Context())

		if !g.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// intentionally no detail about limits or refill timing
			w.Write([]byte(`{"success":false,"error":"Too many requests","error_code":"RATE_LIMITED"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
