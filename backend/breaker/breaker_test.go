package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		FailureThreshold:  3,
		Interval:          time.Minute,
		OpenTimeout:       time.Second,
		MaxOpenTimeout:    time.Minute,
		HalfOpenMaxProbes: 2,
	}
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestOpensAtThreshold(t *testing.T) {
	b := New("dep", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: want errBoom, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("want open after 3 failures, got %s", b.State())
	}

	// while open, calls short-circuit without executing
	executed := false
	err := b.Call(ctx, func(context.Context) error { executed = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("want ErrCircuitOpen, got %v", err)
	}
	if executed {
		t.Fatal("call executed while circuit open")
	}
}

func TestRecoversThroughHalfOpen(t *testing.T) {
	b := New("dep", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Call(ctx, fail)
	}
	if b.State() != StateOpen {
		t.Fatalf("want open, got %s", b.State())
	}

	time.Sleep(1100 * time.Millisecond)

	// first admitted call is the half-open probe; success closes
	if err := b.Call(ctx, succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("want closed after probe success, got %s", b.State())
	}

	// counters reset: three more failures are needed to trip again
	b.Call(ctx, fail)
	b.Call(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("tripped before threshold, state %s", b.State())
	}
}

func TestHalfOpenFailureDoublesTimeout(t *testing.T) {
	b := New("dep", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Call(ctx, fail)
	}
	time.Sleep(1100 * time.Millisecond)

	b.Call(ctx, fail) // failed probe
	if b.State() != StateOpen {
		t.Fatalf("want open after failed probe, got %s", b.State())
	}
	if b.openTimeout != 2*time.Second {
		t.Fatalf("want doubled open timeout 2s, got %s", b.openTimeout)
	}
}

func TestHalfOpenProbeCap(t *testing.T) {
	b := New("dep", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Call(ctx, fail)
	}
	time.Sleep(1100 * time.Millisecond)

	// hold probes in flight to observe the cap
	var inFlight atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	var rejected atomic.Int32

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Call(ctx, func(context.Context) error {
				inFlight.Add(1)
				<-release
				return nil
			})
			if errors.Is(err, ErrCircuitOpen) {
				rejected.Add(1)
			}
		}()
	}

	deadline := time.After(2 * time.Second)
	for inFlight.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("probes never admitted, in flight %d", inFlight.Load())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	close(release)
	wg.Wait()

	if got := inFlight.Load(); got > 2 {
		t.Fatalf("admitted %d concurrent probes, cap is 2", got)
	}
	if rejected.Load() != 3 {
		t.Fatalf("want 3 rejections, got %d", rejected.Load())
	}
}

func TestDoCustomFailurePredicate(t *testing.T) {
	b := New("dep", testConfig())
	ctx := context.Background()

	benign := errors.New("not found")
	isFailure := func(err error) bool { return !errors.Is(err, benign) }

	for i := 0; i < 5; i++ {
		b.Do(ctx, func(context.Context) error { return benign }, isFailure)
	}
	if b.State() != StateClosed {
		t.Fatalf("benign errors tripped the breaker, state %s", b.State())
	}
}

func TestRegistryCreatesAndReuses(t *testing.T) {
	r := NewRegistry(testConfig())
	a := r.Get("svc-a")
	if a != r.Get("svc-a") {
		t.Fatal("registry returned a different breaker for the same name")
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		a.Call(ctx, fail)
	}
	unhealthy := r.Unhealthy()
	if len(unhealthy) != 1 || unhealthy[0] != "svc-a" {
		t.Fatalf("want [svc-a], got %v", unhealthy)
	}
}
