package store

import (
	"time"
)

// Request is a maintenance request identified by its user-visible number
// in the form YYMMDD-NNN. Status only changes through the state machine.
type Request struct {
	Number      string `json:"request_number"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Priority    int    `json:"priority"` // 1 (low) .. 5 (emergency)
	Status      string `json:"status"`

	Address   string `json:"address"`
	BuildingID string `json:"building_id,omitempty"`
	Apartment  string `json:"apartment,omitempty"`
	District   string `json:"district,omitempty"`

	ApplicantID string `json:"applicant_id"`
	ExecutorID  string `json:"executor_id,omitempty"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	Materials []Material `json:"materials,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	WorkCompletedAt *time.Time `json:"work_completed_at,omitempty"`

	Deleted bool `json:"deleted,omitempty"`
}

// Material is a line item on a request's materials list.
type Material struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// RequestComment is an append-only journal entry. Status-change entries
// carry the old/new pair so the journal replays to the current status.
type RequestComment struct {
	ID             string    `json:"id"`
	RequestNumber  string    `json:"request_number"`
	AuthorID       string    `json:"author_id"`
	Text           string    `json:"text"`
	IsStatusChange bool      `json:"is_status_change"`
	OldStatus      string    `json:"old_status,omitempty"`
	NewStatus      string    `json:"new_status,omitempty"`
	Media          []string  `json:"media,omitempty"`
	IsInternal     bool      `json:"is_internal"`
	CreatedAt      time.Time `json:"created_at"`
	Deleted        bool      `json:"deleted,omitempty"`
}

// RequestAssignment links a request to an executor. At most one active
// assignment exists per request at any time.
type RequestAssignment struct {
	ID             string     `json:"id"`
	RequestNumber  string     `json:"request_number"`
	AssigneeID     string     `json:"assignee_id"`
	AssignerID     string     `json:"assigner_id"`
	Method         string     `json:"method"` // manual, ai_assisted, auto_assign, batch_optimize
	Specialization string     `json:"specialization,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Score          float64    `json:"score"`
	AssignedAt     time.Time  `json:"assigned_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	RejectedAt     *time.Time `json:"rejected_at,omitempty"`
	Active         bool       `json:"active"`
}

// ServiceCredential is a static HMAC-verified service identity.
// KeyVerifier holds hex(HMAC-SHA256(master_secret, raw_key)); raw keys
// are never stored.
type ServiceCredential struct {
	ServiceName      string     `json:"service_name"`
	KeyVerifier      string     `json:"-"`
	Permissions      []string   `json:"permissions"`
	Revoked          bool       `json:"revoked"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AuditRecord is an authentication or admin event in the credential audit log.
type AuditRecord struct {
	ID          string    `json:"id"`
	ServiceName string    `json:"service_name"`
	Event       string    `json:"event"` // validated, denied, revoked, restored
	Detail      string    `json:"detail,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Webhook event lifecycle states.
const (
	WebhookPending    = "pending"
	WebhookProcessing = "processing"
	WebhookCompleted  = "completed"
	WebhookFailed     = "failed"
	WebhookRetrying   = "retrying"
)

// WebhookEvent is a received webhook delivery. (Source, ExternalID) is the
// idempotency key: at most one delivery reaches a handler in completed state.
type WebhookEvent struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"`
	EventType      string            `json:"event_type"`
	Payload        []byte            `json:"payload"`
	Headers        map[string]string `json:"headers"` // sanitized, never contains auth material
	Signature      string            `json:"signature,omitempty"`
	SignatureValid bool              `json:"signature_valid"`
	ExternalID     string            `json:"external_id"`
	Status         string            `json:"status"`
	RetryCount     int               `json:"retry_count"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	ProcessingMS   int64             `json:"processing_ms,omitempty"`
	Response       []byte            `json:"response,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
