package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zhilfond/domo/backend/fallback"
	"github.com/zhilfond/domo/backend/ratelimit"
)

var ErrRateLimited = errors.New("directory call rate limited")

// Query filters the executor lookup. Zero-valued fields are omitted;
// admission status is always approved.
type Query struct {
	Specialization string
	District       string
}

func (q Query) args() []string {
	return []string{q.Specialization, q.District}
}

// Directory is the source of executor candidates.
type Directory interface {
	FindExecutors(ctx context.Context, q Query) ([]ExecutorSnapshot, error)
}

// HTTPDirectory talks to the external user directory over its internal
// API, authenticated with service credentials.
type HTTPDirectory struct {
	baseURL     string
	serviceName string
	apiKey      string
	client      *http.Client
}

func NewHTTPDirectory(baseURL, serviceName, apiKey string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL:     baseURL,
		serviceName: serviceName,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDirectory) FindExecutors(ctx context.Context, q Query) ([]ExecutorSnapshot, error) {
	params := url.Values{"status": {"approved"}}
	if q.Specialization != "" {
		params.Set("specialization", q.Specialization)
	}
	if q.District != "" {
		params.Set("district", q.District)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.baseURL+"/internal/executors?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Service-Name", d.serviceName)
	req.Header.Set("X-Service-API-Key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("directory returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Executors []ExecutorSnapshot `json:"executors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	return payload.Executors, nil
}

// ServiceConfig bounds the outbound call rate to the directory.
type ServiceConfig struct {
	RateLimit  int
	RateWindow time.Duration
	Timeout    time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		RateLimit:  60,
		RateWindow: time.Minute,
		Timeout:    5 * time.Second,
	}
}

// Service is the dispatcher-facing lookup: rate-limited and wrapped in
// the fallback chain so a directory outage yields cached candidates
// instead of a stalled dispatch.
type Service struct {
	dir      Directory
	limiter  *ratelimit.Limiter
	fallback *fallback.Manager
	cfg      ServiceConfig
}

func NewService(dir Directory, limiter *ratelimit.Limiter, fb *fallback.Manager, cfg ServiceConfig) *Service {
	if cfg.RateLimit <= 0 {
		cfg = DefaultServiceConfig()
	}
	return &Service{dir: dir, limiter: limiter, fallback: fb, cfg: cfg}
}

const opFindExecutors = "discovery.find_executors"

// Find returns candidate executors for q. Degraded reports that the
// result came from a fallback strategy rather than a live lookup.
func (s *Service) Find(ctx context.Context, q Query) (executors []ExecutorSnapshot, degraded bool, err error) {
	primary := func(ctx context.Context) (interface{}, error) {
		dec, err := s.limiter.Allow(ctx, "directory", "outbound", s.cfg.RateLimit, s.cfg.RateWindow)
		if err != nil {
			return nil, err
		}
		if !dec.Allowed {
			return nil, fmt.Errorf("%w: retry after %s", ErrRateLimited, dec.RetryAfter)
		}
		return s.dir.FindExecutors(ctx, q)
	}

	res, err := s.fallback.Execute(ctx, opFindExecutors, primary, fallback.Options{
		Timeout: s.cfg.Timeout,
		Args:    q.args(),
	})
	if err != nil {
		return nil, true, err
	}

	snapshots, err := asSnapshots(res.Data)
	if err != nil {
		return nil, res.Degraded, err
	}
	return snapshots, res.Degraded, nil
}

// asSnapshots handles both live results and cache hits, which round-trip
// through the fallback manager as interface values.
func asSnapshots(data interface{}) ([]ExecutorSnapshot, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []ExecutorSnapshot:
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected directory result type %T", data)
	}
}
