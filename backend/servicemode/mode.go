// Package servicemode holds the process-wide degradation switch. Every
// mode is reachable from every other mode; the controller scales timeouts
// and optimizer budgets and disables heavy strategies in the lower modes.
package servicemode

import (
	"log"
	"sync"
	"time"

	"github.com/zhilfond/domo/backend/observability"
)

// Mode is the process-wide service mode.
type Mode string

const (
	ModeFull      Mode = "FULL"
	ModeDegraded  Mode = "DEGRADED"
	ModeMinimal   Mode = "MINIMAL"
	ModeEmergency Mode = "EMERGENCY"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeFull, ModeDegraded, ModeMinimal, ModeEmergency:
		return true
	}
	return false
}

// Controller is the single process-wide mode holder. It is one of the two
// documented pieces of process-wide state (the other is the breaker registry).
type Controller struct {
	mu        sync.RWMutex
	mode      Mode
	changedAt time.Time
}

func NewController() *Controller {
	c := &Controller{mode: ModeFull, changedAt: time.Now()}
	observability.ServiceModeGauge.WithLabelValues(string(ModeFull)).Set(1)
	return c
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// ChangedAt returns when the current mode was entered.
func (c *Controller) ChangedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changedAt
}

// Set switches the process to mode. Any mode may follow any other.
func (c *Controller) Set(mode Mode) {
	c.mu.Lock()
	prev := c.mode
	if prev == mode {
		c.mu.Unlock()
		return
	}
	c.mode = mode
	c.changedAt = time.Now()
	c.mu.Unlock()

	log.Printf("[SERVICE MODE] %s -> %s", prev, mode)
	observability.ServiceModeGauge.WithLabelValues(string(prev)).Set(0)
	observability.ServiceModeGauge.WithLabelValues(string(mode)).Set(1)
	observability.ServiceModeChanges.WithLabelValues(string(prev), string(mode)).Inc()
}

// ScaleTimeout caps t according to the current mode.
func (c *Controller) ScaleTimeout(t time.Duration) time.Duration {
	switch c.Mode() {
	case ModeMinimal:
		if t > 3*time.Second {
			return 3 * time.Second
		}
	case ModeEmergency:
		if t > 2*time.Second {
			return 2 * time.Second
		}
	}
	return t
}

// ScaleIterations scales an optimizer iteration budget by the mode factor.
// The result never drops below one iteration.
func (c *Controller) ScaleIterations(n int) int {
	var factor float64
	switch c.Mode() {
	case ModeFull:
		factor = 1.0
	case ModeDegraded:
		factor = 0.7
	case ModeMinimal:
		factor = 0.3
	case ModeEmergency:
		factor = 0.1
	default:
		factor = 1.0
	}
	scaled := int(float64(n) * factor)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// HeavyAllowed reports whether SA/GA optimizer strategies may run.
// MINIMAL restricts dispatch to greedy; EMERGENCY allows nothing heavy.
func (c *Controller) HeavyAllowed() bool {
	switch c.Mode() {
	case ModeMinimal, ModeEmergency:
		return false
	}
	return true
}

// DispatchAllowed reports whether the dispatcher may run optimizers at all.
// In EMERGENCY the dispatcher falls straight through to its default value.
func (c *Controller) DispatchAllowed() bool {
	return c.Mode() != ModeEmergency
}
