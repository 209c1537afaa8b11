// Package requestnum issues the user-visible request numbers in the form
// YYMMDD-NNN. Allocation is globally serialized per date key through the
// shared store; the allocator refuses when the store is down because
// failing open would mint duplicates.
package requestnum

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/zhilfond/domo/backend/observability"
	"github.com/zhilfond/domo/backend/store"
)

var (
	// ErrExhausted means the daily counter passed 999. An operator must
	// rotate or widen the format.
	ErrExhausted = errors.New("request number space exhausted for date")

	// ErrStoreUnavailable means the shared counter could not be reached.
	ErrStoreUnavailable = errors.New("request number store unavailable")
)

// Pattern matches a well-formed request number.
var Pattern = regexp.MustCompile(`^\d{6}-\d{3}$`)

// Valid reports whether s is a well-formed request number.
func Valid(s string) bool {
	return Pattern.MatchString(s)
}

// Sequencer is the shared atomic counter backend.
type Sequencer interface {
	NextSequence(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Allocator issues request numbers. The date portion uses the configured
// location; the counter resets implicitly when the date key changes.
type Allocator struct {
	seq Sequencer
	loc *time.Location
	now func() time.Time
}

func New(seq Sequencer, loc *time.Location) *Allocator {
	if loc == nil {
		loc = time.Local
	}
	return &Allocator{seq: seq, loc: loc, now: time.Now}
}

// Next allocates the next number for today. Each realized (date, NNN) pair
// is returned to at most one caller.
func (a *Allocator) Next(ctx context.Context) (string, error) {
	date := a.now().In(a.loc).Format("060102")
	key := store.RequestSeqKey(date)

	// TTL comfortably outlives the date so a midnight straggler still
	// reads its own counter; the next date uses a fresh key anyway.
	n, err := a.seq.NextSequence(ctx, key, 48*time.Hour)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n > 999 {
		observability.AllocatorExhausted.Inc()
		return "", ErrExhausted
	}

	observability.RequestNumbersIssued.Inc()
	return fmt.Sprintf("%s-%03d", date, n), nil
}
