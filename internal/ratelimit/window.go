package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// windowEntry holds one key's timestamp log behind an atomic pointer so
// a check is a single compare-and-swap, never a lock held across work.
type windowEntry struct {
	log atomic.Pointer[[]time.Time]

	// denied tracks whether the first-denial hook already fired for
	// the current denial burst; a successful allow resets it, so the
	// hook fires once per burst rather than once per key lifetime.
	denied atomic.Bool
}

// Window is a sliding-window request counter. Per key it keeps the
// timestamps of recently accepted requests; a check prunes entries
// older than the window, denies without recording when the remaining
// count has reached the limit, and otherwise records and allows.
type Window struct {
	entries sync.Map // string -> *windowEntry

	// OnFirstDenied fires once per key when it first gets denied,
	// used for single-log-entry-per-offender logging.
	OnFirstDenied func(key string)

	// OnDenied fires on every denial, used for counters.
	OnDenied func(key string)

	now func() time.Time
}

type WindowOption func(*Window)

// WithWindowClock overrides time.Now, for tests.
func WithWindowClock(now func() time.Time) WindowOption {
	return func(w *Window) { w.now = now }
}

// WithWindowOnFirstDenied sets the once-per-key denial hook.
func WithWindowOnFirstDenied(fn func(key string)) WindowOption {
	return func(w *Window) { w.OnFirstDenied = fn }
}

// WithWindowOnDenied sets the every-denial hook.
func WithWindowOnDenied(fn func(key string)) WindowOption {
	return func(w *Window) { w.OnDenied = fn }
}

// NewWindow creates a Window and starts a background sweep that evicts
// keys whose whole log has aged out, cancelled via ctx on shutdown.
func NewWindow(ctx context.Context, maxWindow time.Duration, opts ...WindowOption) *Window {
	w := &Window{now: time.Now}
	for _, o := range opts {
		o(w)
	}
	go w.sweep(ctx, maxWindow)
	return w
}

// Check applies the sliding-window rule for key: at most limit accepted
// requests per window. Denials are not recorded in the log, so a
// hammering client does not extend its own penalty.
func (w *Window) Check(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		// no limit configured for this route
		return true
	}

	now := w.now()
	cutoff := now.Add(-window)

	v, _ := w.entries.LoadOrStore(key, &windowEntry{})
	e := v.(*windowEntry)

	for {
		old := e.log.Load()

		var kept []time.Time
		if old != nil {
			// timestamps are appended in order; find the first one
			// still inside the window and keep the tail
			stale := 0
			for stale < len(*old) && !(*old)[stale].After(cutoff) {
				stale++
			}
			kept = (*old)[stale:]
		}

		if len(kept) >= limit {
			if e.denied.CompareAndSwap(false, true) && w.OnFirstDenied != nil {
				w.OnFirstDenied(key)
			}
			if w.OnDenied != nil {
				w.OnDenied(key)
			}
			return false
		}

		next := make([]time.Time, 0, len(kept)+1)
		next = append(next, kept...)
		next = append(next, now)

		if e.log.CompareAndSwap(old, &next) {
			e.denied.Store(false)
			return true
		}
		// lost the race with a concurrent check on the same key; retry
	}
}

// sweep evicts keys whose most recent timestamp is older than
// maxWindow, so idle clients do not pin memory forever.
func (w *Window) sweep(ctx context.Context, maxWindow time.Duration) {
	if maxWindow <= 0 {
		maxWindow = time.Minute
	}
	ticker := time.NewTicker(maxWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := w.now().Add(-maxWindow)
			w.entries.Range(func(k, v any) bool {
				e := v.(*windowEntry)
				log := e.log.Load()
				if log == nil || len(*log) == 0 || (*log)[len(*log)-1].Before(cutoff) {
					w.entries.Delete(k)
				}
				return true
			})
		}
	}
}
