package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all store backends.
var (
	ErrNotFound   = errors.New("not found")
	ErrStaleState = errors.New("stale state: status changed concurrently")
	ErrConflict   = errors.New("conflict: row changed concurrently")
)

// Store defines the durable storage backend for the dispatch core.
// It abstracts over Postgres (durable) and the in-memory backend (dev/tests).
type Store interface {
	// Request operations
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, number string) (*Request, error)
	ListRequestsByStatus(ctx context.Context, status string, limit int) ([]*Request, error)
	ListUnassignedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Request, error)
	SetRequestExecutor(ctx context.Context, number string, executorID string) error
	SoftDeleteRequest(ctx context.Context, number string) error

	// TransitionRequest flips the status column with an optimistic compare
	// on the old status and appends the journal comment in the same
	// transaction. Returns ErrStaleState if the compare loses.
	TransitionRequest(ctx context.Context, number string, oldStatus, newStatus string, journal *RequestComment) error

	// Comment operations (append-only journal)
	AppendComment(ctx context.Context, c *RequestComment) error
	ListComments(ctx context.Context, number string) ([]*RequestComment, error)

	// Assignment operations
	CreateAssignment(ctx context.Context, a *RequestAssignment) error
	GetActiveAssignment(ctx context.Context, number string) (*RequestAssignment, error)
	DeactivateAssignments(ctx context.Context, number string) error
	MarkAssignmentAccepted(ctx context.Context, id string, at time.Time) error
	MarkAssignmentRejected(ctx context.Context, id string, at time.Time) error

	// Credential operations
	CreateCredential(ctx context.Context, c *ServiceCredential) error
	GetCredential(ctx context.Context, serviceName string) (*ServiceCredential, error)
	ListCredentials(ctx context.Context) ([]*ServiceCredential, error)
	SetCredentialRevoked(ctx context.Context, serviceName string, revoked bool, reason string) error
	TouchCredential(ctx context.Context, serviceName string, at time.Time) error

	// Audit operations
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAuditSince(ctx context.Context, since time.Time, limit int) ([]*AuditRecord, error)

	// Webhook event operations
	CreateWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	GetWebhookEventByExternalID(ctx context.Context, source, externalID string) (*WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	ListWebhookEventsDue(ctx context.Context, now time.Time, limit int) ([]*WebhookEvent, error)
}
