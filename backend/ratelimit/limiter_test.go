package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhilfond/domo/backend/store"
)

// fakeWindows is an in-memory sliding window with the same semantics as
// the redis script.
type fakeWindows struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	fail    bool
}

func (f *fakeWindows) SlideWindow(_ context.Context, key string, limit int, window time.Duration, _ string) (store.WindowResult, error) {
	if f.fail {
		return store.WindowResult{}, errors.New("connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[string][]time.Time)
	}

	now := time.Now()
	cutoff := now.Add(-window)
	var kept []time.Time
	for _, ts := range f.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	res := store.WindowResult{Current: int64(len(kept))}
	if len(kept) < limit {
		kept = append(kept, now)
		res.Allowed = true
		res.Current++
	}
	f.entries[key] = kept
	if len(kept) > 0 {
		res.OldestMS = kept[0].UnixMilli()
	}
	return res, nil
}

func TestAllowWithinLimit(t *testing.T) {
	l := New(&fakeWindows{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "api", "svc1", 3, 10*time.Second)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("call %d denied within limit", i)
		}
	}

	d, err := l.Allow(ctx, "api", "svc1", 3, 10*time.Second)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("fourth call admitted over limit 3")
	}
	if d.RetryAfter <= 9*time.Second || d.RetryAfter > 10*time.Second {
		t.Fatalf("retry_after out of range: %s", d.RetryAfter)
	}
	if d.ResetAt.Before(time.Now()) {
		t.Fatalf("reset_at in the past: %s", d.ResetAt)
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	l := New(&fakeWindows{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, _ := l.Allow(ctx, "api", "svc1", 3, time.Minute); !d.Allowed {
			t.Fatal("svc1 denied within limit")
		}
	}
	if d, _ := l.Allow(ctx, "api", "svc2", 3, time.Minute); !d.Allowed {
		t.Fatal("svc2 shares svc1's window")
	}
}

func TestFailsOpenWhenStoreDown(t *testing.T) {
	l := New(&fakeWindows{fail: true})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Allow(ctx, "api", "svc1", 2, time.Minute)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("call %d denied while failing open", i)
		}
		if !d.FailOpen {
			t.Fatalf("call %d not marked fail-open", i)
		}
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	l := New(&fakeWindows{})
	ctx := context.Background()

	cases := []struct {
		scope, identity string
		limit           int
		window          time.Duration
	}{
		{"", "svc1", 3, time.Minute},
		{"api", "", 3, time.Minute},
		{"api", "svc1", 0, time.Minute},
		{"api", "svc1", 3, 0},
	}
	for _, c := range cases {
		if _, err := l.Allow(ctx, c.scope, c.identity, c.limit, c.window); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Allow(%q,%q,%d,%s): want ErrInvalidKey, got %v", c.scope, c.identity, c.limit, c.window, err)
		}
	}
}
