// Package fallback implements the layered fallback manager used on every
// outbound call: primary through the circuit breaker, then cache, then an
// alternative callback, then a registered peer operation, then a
// simplified run, then an operation-specific default.
package fallback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhilfond/domo/backend/breaker"
	"github.com/zhilfond/domo/backend/observability"
	"github.com/zhilfond/domo/backend/servicemode"
)

// Strategy names the chain entry that produced a result. Empty on a
// primary success.
type Strategy string

const (
	StrategyCache       Strategy = "cache"
	StrategyAlternative Strategy = "alternative_callback"
	StrategyPeerService Strategy = "alternative_service"
	StrategySimplified  Strategy = "simplified"
	StrategyDefault     Strategy = "default"
)

var (
	ErrPrimaryFailed       = errors.New("primary operation failed")
	ErrAllStrategiesFailed = errors.New("all fallback strategies failed")
	ErrTimeout             = errors.New("operation timed out")
)

// Operation is one attempt at producing a result.
type Operation func(ctx context.Context) (interface{}, error)

// Result is the outcome of a fallback-managed execution. Degraded results
// came from a non-primary strategy; callers may treat them differently.
type Result struct {
	OK       bool        `json:"ok"`
	Data     interface{} `json:"data,omitempty"`
	Strategy Strategy    `json:"strategy,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Degraded bool        `json:"degraded"`
	Elapsed  int64       `json:"elapsed_ms"`
}

// Options tune a single execution.
type Options struct {
	// Timeout bounds the primary attempt; scaled down by service mode.
	Timeout time.Duration

	// Args are the ordered keyword arguments fingerprinted for the cache.
	Args []string

	// Alternative is the caller-supplied secondary implementation (chain
	// entry 3). Optional.
	Alternative Operation
}

type cacheEntry struct {
	data       interface{}
	insertedAt time.Time
	lastAccess time.Time
}

// Config holds fallback-manager knobs.
type Config struct {
	CacheTTL     time.Duration
	MaxCacheSize int
	// DefaultTimeout bounds primaries whose options carry no timeout.
	DefaultTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:       5 * time.Minute,
		MaxCacheSize:   10000, // bounded to prevent OOM
		DefaultTimeout: 10 * time.Second,
	}
}

// Manager walks the strategy chain for named operations.
type Manager struct {
	breakers *breaker.Registry
	modes    *servicemode.Controller
	cfg      Config

	mu         sync.Mutex
	cache      map[string]*cacheEntry
	peers      map[string]Operation
	simplified map[string]Operation
	defaults   map[string]interface{}
}

func NewManager(breakers *breaker.Registry, modes *servicemode.Controller, cfg Config) *Manager {
	if cfg.MaxCacheSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		breakers:   breakers,
		modes:      modes,
		cfg:        cfg,
		cache:      make(map[string]*cacheEntry),
		peers:      make(map[string]Operation),
		simplified: make(map[string]Operation),
		defaults:   make(map[string]interface{}),
	}
}

// RegisterPeer registers an alternative-service operation for opName
// (chain entry 4), e.g. a rule-based predictor behind an ML primary.
func (m *Manager) RegisterPeer(opName string, fn Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[opName] = fn
}

// RegisterSimplified registers the reduced-budget variant of opName
// (chain entry 5).
func (m *Manager) RegisterSimplified(opName string, fn Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simplified[opName] = fn
}

// SetDefault registers the terminal default value for opName (chain entry 6).
func (m *Manager) SetDefault(opName string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[opName] = value
}

// Execute runs primary through the breaker and, on failure, walks the
// strategy chain in order until one yields a result. It returns an error
// only when every strategy is exhausted.
func (m *Manager) Execute(ctx context.Context, opName string, primary Operation, opts Options) (Result, error) {
	start := time.Now()
	defer func() {
		observability.FallbackLatency.WithLabelValues(opName).Observe(time.Since(start).Seconds())
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	timeout = m.modes.ScaleTimeout(timeout)

	fp := Fingerprint(opName, opts.Args)

	// 1. Primary through the breaker, bounded by the scaled timeout
	data, primaryErr := m.runPrimary(ctx, opName, primary, timeout)
	if primaryErr == nil {
		m.cachePut(fp, data)
		observability.FallbackExecutions.WithLabelValues(opName, "primary").Inc()
		return Result{OK: true, Data: data, Elapsed: elapsedMS(start)}, nil
	}
	reason := primaryErr.Error()
	log.Printf("[FALLBACK:%s] primary failed: %v", opName, primaryErr)

	// 2. Cache
	if data, ok := m.cacheGet(fp); ok {
		observability.FallbackExecutions.WithLabelValues(opName, string(StrategyCache)).Inc()
		return Result{OK: true, Data: data, Strategy: StrategyCache, Reason: reason, Degraded: true, Elapsed: elapsedMS(start)}, nil
	}

	// 3. Caller-supplied alternative
	if opts.Alternative != nil {
		if data, err := opts.Alternative(ctx); err == nil && data != nil {
			observability.FallbackExecutions.WithLabelValues(opName, string(StrategyAlternative)).Inc()
			return Result{OK: true, Data: data, Strategy: StrategyAlternative, Reason: reason, Degraded: true, Elapsed: elapsedMS(start)}, nil
		}
	}

	// 4. Registered peer operation
	if peer := m.lookup(m.peers, opName); peer != nil {
		if data, err := peer(ctx); err == nil && data != nil {
			observability.FallbackExecutions.WithLabelValues(opName, string(StrategyPeerService)).Inc()
			return Result{OK: true, Data: data, Strategy: StrategyPeerService, Reason: reason, Degraded: true, Elapsed: elapsedMS(start)}, nil
		}
	}

	// 5. Simplified run with a reduced budget
	if simple := m.lookup(m.simplified, opName); simple != nil {
		if data, err := simple(ctx); err == nil && data != nil {
			observability.FallbackExecutions.WithLabelValues(opName, string(StrategySimplified)).Inc()
			return Result{OK: true, Data: data, Strategy: StrategySimplified, Reason: reason, Degraded: true, Elapsed: elapsedMS(start)}, nil
		}
	}

	// 6. Operation default
	m.mu.Lock()
	def, hasDefault := m.defaults[opName]
	m.mu.Unlock()
	if hasDefault {
		observability.FallbackExecutions.WithLabelValues(opName, string(StrategyDefault)).Inc()
		return Result{OK: true, Data: def, Strategy: StrategyDefault, Reason: reason, Degraded: true, Elapsed: elapsedMS(start)}, nil
	}

	observability.FallbackExecutions.WithLabelValues(opName, "exhausted").Inc()
	return Result{OK: false, Reason: reason, Degraded: true, Elapsed: elapsedMS(start)},
		fmt.Errorf("%w: %s: %v", ErrAllStrategiesFailed, opName, primaryErr)
}

func (m *Manager) runPrimary(ctx context.Context, opName string, primary Operation, timeout time.Duration) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var data interface{}
	err := m.breakers.Get(opName).Call(callCtx, func(ctx context.Context) error {
		var err error
		data, err = primary(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, opName)
		}
		return nil, fmt.Errorf("%w: %v", ErrPrimaryFailed, err)
	}
	return data, nil
}

func (m *Manager) lookup(set map[string]Operation, opName string) Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return set[opName]
}

// Fingerprint is a stable hash of the operation name and its ordered
// keyword arguments, used as the cache key.
func Fingerprint(opName string, args []string) string {
	h := sha256.Sum256([]byte(opName + "|" + strings.Join(args, "|")))
	return hex.EncodeToString(h[:])
}

func (m *Manager) cacheGet(fp string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[fp]
	if !ok {
		return nil, false
	}
	if time.Since(e.insertedAt) > m.cfg.CacheTTL {
		delete(m.cache, fp)
		return nil, false
	}
	e.lastAccess = time.Now()
	return e.data, true
}

// cachePut stores a successful primary result. The cache is bounded with
// LRU eviction on last access.
func (m *Manager) cachePut(fp string, data interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.cache) >= m.cfg.MaxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, e := range m.cache {
			if first || e.lastAccess.Before(oldestTime) {
				oldestKey = k
				oldestTime = e.lastAccess
				first = false
			}
		}
		if oldestKey != "" {
			delete(m.cache, oldestKey)
		}
	}

	now := time.Now()
	m.cache[fp] = &cacheEntry{data: data, insertedAt: now, lastAccess: now}
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
