// Package ratelimit implements distributed sliding-window admission
// control. Quota is shared across instances through Redis; when the shared
// store is unreachable the limiter fails open behind a local token bucket,
// because availability of the authenticator and dispatcher outweighs quota
// precision.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zhilfond/domo/backend/observability"
	"github.com/zhilfond/domo/backend/store"
)

// ErrInvalidKey is a caller error: empty scope or identity.
var ErrInvalidKey = errors.New("rate limit key must not be empty")

// WindowStore is the shared keyed store the limiter counts against.
type WindowStore interface {
	SlideWindow(ctx context.Context, key string, limit int, window time.Duration, member string) (store.WindowResult, error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	Window     time.Duration `json:"-"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// FailOpen marks a decision taken locally because the shared store
	// was unreachable.
	FailOpen bool `json:"fail_open,omitempty"`
}

// Limiter shares sliding-window quota across instances.
type Limiter struct {
	windows WindowStore

	// Local fail-open fallback, one token bucket per key.
	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func New(windows WindowStore) *Limiter {
	return &Limiter{
		windows: windows,
		local:   make(map[string]*rate.Limiter),
	}
}

// Allow runs one sliding-window admission check for (scope, identity).
// The read-evict-insert sequence is atomic on the store side.
func (l *Limiter) Allow(ctx context.Context, scope, identity string, limit int, window time.Duration) (Decision, error) {
	if scope == "" || identity == "" {
		return Decision{}, ErrInvalidKey
	}
	if limit <= 0 || window <= 0 {
		return Decision{}, ErrInvalidKey
	}

	key := store.RateLimitKey(scope, identity)
	res, err := l.windows.SlideWindow(ctx, key, limit, window, uuid.NewString())
	if err != nil {
		// Shared store down: fail open behind the local bucket and surface
		// the event on a metric so quota imprecision is visible.
		log.Printf("[RATELIMIT] store unreachable for %s, failing open: %v", key, err)
		observability.RateLimitFailOpen.Inc()
		return l.allowLocal(key, limit, window), nil
	}

	d := Decision{
		Allowed: res.Allowed,
		Current: int(res.Current),
		Limit:   limit,
		Window:  window,
	}
	oldest := time.UnixMilli(res.OldestMS)
	d.ResetAt = oldest.Add(window)
	if !res.Allowed {
		d.RetryAfter = time.Until(d.ResetAt)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
		observability.RateLimitDecisions.WithLabelValues(scope, "denied").Inc()
	} else {
		observability.RateLimitDecisions.WithLabelValues(scope, "allowed").Inc()
	}
	return d, nil
}

// allowLocal is the fail-open path: the call is admitted, but a
// process-local token bucket keeps tracking so we can tell how far past
// quota the degraded window ran.
func (l *Limiter) allowLocal(key string, limit int, window time.Duration) Decision {
	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		perSecond := float64(limit) / window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), limit)
		l.local[key] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		log.Printf("[RATELIMIT] local quota exceeded for %s while failing open", key)
	}
	return Decision{
		Allowed:  true,
		Limit:    limit,
		Window:   window,
		ResetAt:  time.Now().Add(window),
		FailOpen: true,
	}
}
