// Package webhooks receives external event deliveries, verifies their
// signatures, and processes them exactly once per (source, external id).
// Failed handlers are retried with exponential backoff by a background
// worker.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhilfond/domo/backend/credentials"
	"github.com/zhilfond/domo/backend/observability"
	"github.com/zhilfond/domo/backend/store"
)

var (
	ErrUnknownSource    = errors.New("unknown webhook source")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNoHandler        = errors.New("no handler for event")
)

// SourceConfig describes one webhook sender.
type SourceConfig struct {
	Secret          string
	SignatureHeader string // default X-Signature
	IDField         string // JSON field carrying the external event id
	EventTypeField  string // JSON field carrying the event type, optional
	RequireValid    bool   // reject deliveries with a bad signature
	MaxRetries      int
}

func (c SourceConfig) signatureHeader() string {
	if c.SignatureHeader == "" {
		return "X-Signature"
	}
	return c.SignatureHeader
}

func (c SourceConfig) maxRetries() int {
	if c.MaxRetries <= 0 {
		return 5
	}
	return c.MaxRetries
}

// Handler processes one verified delivery and returns the response body
// stored for idempotent replays.
type Handler func(ctx context.Context, ev *store.WebhookEvent) ([]byte, error)

// IdemCache is the shared-store slice used to serialize concurrent
// deliveries of the same event across processes.
type IdemCache interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// Outcome is what the HTTP layer returns to the sender.
type Outcome struct {
	Status int    `json:"-"`
	Body   []byte `json:"-"`
	Replay bool   `json:"-"`
	Event  *store.WebhookEvent
}

// Ingestor runs the delivery pipeline.
type Ingestor struct {
	db       store.Store
	cache    IdemCache
	sources  map[string]SourceConfig
	handlers map[string]Handler // keyed source or source:event_type
}

func NewIngestor(db store.Store, cache IdemCache, sources map[string]SourceConfig) *Ingestor {
	return &Ingestor{
		db:       db,
		cache:    cache,
		sources:  sources,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a source, optionally narrowed to
// one event type.
func (in *Ingestor) RegisterHandler(source, eventType string, h Handler) {
	key := source
	if eventType != "" {
		key = source + ":" + eventType
	}
	in.handlers[key] = h
}

// Ingest runs the pipeline for one delivery: resolve config, replay
// check, verify signature, persist, process. The raw body is stored
// verbatim; authorization-like headers never are.
func (in *Ingestor) Ingest(ctx context.Context, source string, headers map[string]string, body []byte) (Outcome, error) {
	cfg, ok := in.sources[source]
	if !ok {
		observability.WebhookEvents.WithLabelValues(source, "unknown_source").Inc()
		return Outcome{Status: 404}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	externalID, eventType := extractIdentity(body, cfg)

	// Idempotent replay: a previously seen (source, external id) returns
	// the stored response without touching the handler.
	claimed := false
	if externalID != "" {
		if prev, err := in.db.GetWebhookEventByExternalID(ctx, source, externalID); err == nil {
			observability.WebhookEvents.WithLabelValues(source, "replay").Inc()
			return Outcome{Status: 200, Body: prev.Response, Replay: true, Event: prev}, nil
		}
		if in.cache != nil {
			ok, err := in.cache.SetNX(ctx, store.IdempotencyKey(source, externalID), "1", time.Hour)
			if err == nil && !ok {
				// a sibling process holds this delivery; treat as replay
				observability.WebhookEvents.WithLabelValues(source, "replay").Inc()
				return Outcome{Status: 200, Body: []byte(`{"ok":true,"duplicate":true}`), Replay: true}, nil
			}
			claimed = err == nil && ok
		}
	}

	// Any exit before the event row exists must release the claim, or a
	// legitimate retry of this delivery would be answered as a replay.
	release := func() {
		if claimed {
			in.cache.Del(ctx, store.IdempotencyKey(source, externalID))
		}
	}

	signature := headerValue(headers, cfg.signatureHeader())
	valid := signature != "" && credentials.VerifySignature([]byte(cfg.Secret), body, signature)
	if cfg.RequireValid && !valid {
		release()
		observability.WebhookEvents.WithLabelValues(source, "bad_signature").Inc()
		return Outcome{Status: 401}, ErrInvalidSignature
	}

	now := time.Now().UTC()
	ev := &store.WebhookEvent{
		ID:             uuid.NewString(),
		Source:         source,
		EventType:      eventType,
		Payload:        body,
		Headers:        SanitizeHeaders(headers),
		Signature:      signature,
		SignatureValid: valid,
		ExternalID:     externalID,
		Status:         store.WebhookPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := in.db.CreateWebhookEvent(ctx, ev); err != nil {
		release()
		return Outcome{Status: 500}, fmt.Errorf("persist webhook event: %w", err)
	}

	in.process(ctx, ev, cfg)

	status := 200
	if ev.Status == store.WebhookFailed {
		status = 500
	}
	observability.WebhookEvents.WithLabelValues(source, ev.Status).Inc()
	return Outcome{Status: status, Body: ev.Response, Event: ev}, nil
}

// process runs the handler and settles the event's lifecycle state.
func (in *Ingestor) process(ctx context.Context, ev *store.WebhookEvent, cfg SourceConfig) {
	start := time.Now()

	ev.Status = store.WebhookProcessing
	ev.UpdatedAt = start.UTC()
	if err := in.db.UpdateWebhookEvent(ctx, ev); err != nil {
		log.Printf("[WEBHOOK:%s] mark processing failed: %v", ev.Source, err)
	}

	h := in.lookupHandler(ev)
	var (
		response []byte
		err      error
	)
	if h == nil {
		err = fmt.Errorf("%w: %s/%s", ErrNoHandler, ev.Source, ev.EventType)
	} else {
		response, err = h(ctx, ev)
	}

	ev.ProcessingMS = time.Since(start).Milliseconds()
	ev.UpdatedAt = time.Now().UTC()
	observability.WebhookProcessingSeconds.WithLabelValues(ev.Source).Observe(time.Since(start).Seconds())

	if err == nil {
		ev.Status = store.WebhookCompleted
		ev.NextRetryAt = nil
		ev.LastError = ""
		if response == nil {
			response = []byte(`{"ok":true}`)
		}
		ev.Response = response
	} else {
		ev.LastError = err.Error()
		ev.RetryCount++
		observability.WebhookRetryDepth.WithLabelValues(ev.Source).Observe(float64(ev.RetryCount))
		if ev.RetryCount > cfg.maxRetries() {
			ev.Status = store.WebhookFailed
			ev.NextRetryAt = nil
			ev.Response = []byte(`{"ok":false}`)
		} else {
			ev.Status = store.WebhookRetrying
			next := time.Now().Add(backoff(ev.RetryCount))
			ev.NextRetryAt = &next
		}
		log.Printf("[WEBHOOK:%s] event %s attempt %d failed: %v", ev.Source, ev.ExternalID, ev.RetryCount, err)
	}

	if err := in.db.UpdateWebhookEvent(ctx, ev); err != nil {
		log.Printf("[WEBHOOK:%s] settle event %s failed: %v", ev.Source, ev.ID, err)
	}
}

func (in *Ingestor) lookupHandler(ev *store.WebhookEvent) Handler {
	if ev.EventType != "" {
		if h, ok := in.handlers[ev.Source+":"+ev.EventType]; ok {
			return h
		}
	}
	return in.handlers[ev.Source]
}

// backoff is 2^retries minutes.
func backoff(retries int) time.Duration {
	return time.Duration(math.Pow(2, float64(retries))) * time.Minute
}

func extractIdentity(body []byte, cfg SourceConfig) (externalID, eventType string) {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", ""
	}
	if cfg.IDField != "" {
		externalID = stringField(fields, cfg.IDField)
	}
	if cfg.EventTypeField != "" {
		eventType = stringField(fields, cfg.EventTypeField)
	}
	return externalID, eventType
}

// stringField reads a field that senders deliver as either a JSON string
// or a number (telegram update_id).
func stringField(fields map[string]interface{}, name string) string {
	switch v := fields[name].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// SanitizeHeaders drops authorization-like headers before persistence.
func SanitizeHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "authorization") ||
			strings.Contains(lower, "api-key") ||
			strings.Contains(lower, "cookie") ||
			strings.Contains(lower, "token") {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}
