package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestWindow(t *testing.T, opts ...WindowOption) *Window {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewWindow(ctx, time.Minute, opts...)
}

func TestCheck_EleventhDenied(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := newTestWindow(t, WithWindowClock(func() time.Time { return now }))

	key := "203.0.113.9|/api/security-event"
	for i := 0; i < 10; i++ {
		if !w.Check(key, 10, time.Minute) {
			t.Fatalf("request %d should be allowed", i+1)
		}
		now = now.Add(time.Second)
	}
	if w.Check(key, 10, time.Minute) {
		t.Fatal("11th request within the window should be denied")
	}
}

func TestCheck_AllowedAgainAfterWindowSlides(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := newTestWindow(t, WithWindowClock(func() time.Time { return now }))

	key := "k"
	for i := 0; i < 10; i++ {
		w.Check(key, 10, time.Minute)
	}
	if w.Check(key, 10, time.Minute) {
		t.Fatal("limit should be hit")
	}

	// 60s after the earliest recorded call, one slot frees up
	now = now.Add(61 * time.Second)
	if !w.Check(key, 10, time.Minute) {
		t.Fatal("call should be allowed after the earliest timestamp ages out")
	}
}

func TestCheck_DenialNotRecorded(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := newTestWindow(t, WithWindowClock(func() time.Time { return now }))

	key := "k"
	for i := 0; i < 3; i++ {
		w.Check(key, 3, time.Minute)
	}
	// hammer while denied; attempts must not extend the penalty
	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		w.Check(key, 3, time.Minute)
	}
	// 61s past the last *accepted* request all slots are free
	now = time.Unix(1_700_000_000, 0).Add(61 * time.Second)
	if !w.Check(key, 3, time.Minute) {
		t.Fatal("denied attempts must not be recorded in the log")
	}
}

func TestCheck_KeysIndependent(t *testing.T) {
	w := newTestWindow(t)
	for i := 0; i < 5; i++ {
		w.Check("a", 5, time.Minute)
	}
	if w.Check("a", 5, time.Minute) {
		t.Fatal("key a should be limited")
	}
	if !w.Check("b", 5, time.Minute) {
		t.Fatal("key b should be unaffected")
	}
}

func TestCheck_ZeroLimitMeansOpen(t *testing.T) {
	w := newTestWindow(t)
	for i := 0; i < 100; i++ {
		if !w.Check("k", 0, time.Minute) {
			t.Fatal("limit 0 means no limit for the route")
		}
	}
}

func TestCheck_DenialHooks(t *testing.T) {
	var first, every int
	w := newTestWindow(t,
		WithWindowOnFirstDenied(func(string) { first++ }),
		WithWindowOnDenied(func(string) { every++ }),
	)

	for i := 0; i < 2; i++ {
		w.Check("k", 2, time.Minute)
	}
	for i := 0; i < 5; i++ {
		w.Check("k", 2, time.Minute)
	}

	if first != 1 {
		t.Errorf("OnFirstDenied fired %d times, want 1", first)
	}
	if every != 5 {
		t.Errorf("OnDenied fired %d times, want 5", every)
	}
}

func TestCheck_ConcurrentSameKeyNeverOvercounts(t *testing.T) {
	w := newTestWindow(t)

	const limit = 50
	var wg sync.WaitGroup
	allowed := make(chan struct{}, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Check("k", limit, time.Minute) {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for range allowed {
		n++
	}
	if n != limit {
		t.Fatalf("allowed %d, want exactly %d", n, limit)
	}
}

func TestCheck_ConcurrentDistinctKeys(t *testing.T) {
	w := newTestWindow(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("client-%d", i)
			for j := 0; j < 10; j++ {
				if !w.Check(key, 10, time.Minute) {
					t.Errorf("key %s denied within its own limit", key)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
