package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
// Single-process only; the production deployment uses PostgresStore.
type MemoryStore struct {
	mu sync.RWMutex

	requests    map[string]*Request
	comments    map[string][]*RequestComment    // request_number -> ordered journal
	assignments map[string][]*RequestAssignment // request_number -> history
	credentials map[string]*ServiceCredential
	audit       []*AuditRecord
	webhooks    map[string]*WebhookEvent // id -> event
	webhookIdx  map[string]string        // source + "\x00" + external_id -> id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*Request),
		comments:    make(map[string][]*RequestComment),
		assignments: make(map[string][]*RequestAssignment),
		credentials: make(map[string]*ServiceCredential),
		webhooks:    make(map[string]*WebhookEvent),
		webhookIdx:  make(map[string]string),
	}
}

// --- Request Operations ---

func (m *MemoryStore) CreateRequest(_ context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.requests[req.Number] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, number string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[number]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRequestsByStatus(_ context.Context, status string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, r := range m.requests {
		if r.Status == status && !r.Deleted {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortRequests(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUnassignedOlderThan(_ context.Context, cutoff time.Time, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, r := range m.requests {
		if r.Status == "new" && r.ExecutorID == "" && !r.Deleted && !r.CreatedAt.After(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortRequests(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortRequests(rs []*Request) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

func (m *MemoryStore) SetRequestExecutor(_ context.Context, number string, executorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[number]
	if !ok || r.Deleted {
		return ErrNotFound
	}
	r.ExecutorID = executorID
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SoftDeleteRequest(_ context.Context, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[number]
	if !ok {
		return ErrNotFound
	}
	r.Deleted = true
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) TransitionRequest(_ context.Context, number string, oldStatus, newStatus string, journal *RequestComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[number]
	if !ok || r.Deleted {
		return ErrNotFound
	}
	if r.Status != oldStatus {
		return ErrStaleState
	}
	r.Status = newStatus
	now := time.Now()
	r.UpdatedAt = now
	if newStatus == "completed" {
		r.WorkCompletedAt = &now
	}
	cp := *journal
	cp.CreatedAt = now
	m.comments[number] = append(m.comments[number], &cp)
	return nil
}

// --- Comment Operations ---

func (m *MemoryStore) AppendComment(_ context.Context, c *RequestComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.CreatedAt = time.Now()
	m.comments[c.RequestNumber] = append(m.comments[c.RequestNumber], &cp)
	return nil
}

func (m *MemoryStore) ListComments(_ context.Context, number string) ([]*RequestComment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RequestComment
	for _, c := range m.comments[number] {
		if !c.Deleted {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Assignment Operations ---

func (m *MemoryStore) CreateAssignment(_ context.Context, a *RequestAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.assignments[a.RequestNumber] {
		prev.Active = false
	}
	cp := *a
	cp.Active = true
	m.assignments[a.RequestNumber] = append(m.assignments[a.RequestNumber], &cp)
	return nil
}

func (m *MemoryStore) GetActiveAssignment(_ context.Context, number string) (*RequestAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments[number] {
		if a.Active {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) DeactivateAssignments(_ context.Context, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments[number] {
		a.Active = false
	}
	return nil
}

func (m *MemoryStore) MarkAssignmentAccepted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.assignments {
		for _, a := range list {
			if a.ID == id && a.Active {
				t := at
				a.AcceptedAt = &t
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) MarkAssignmentRejected(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.assignments {
		for _, a := range list {
			if a.ID == id && a.Active {
				t := at
				a.RejectedAt = &t
				a.Active = false
				return nil
			}
		}
	}
	return ErrNotFound
}

// --- Credential Operations ---

func (m *MemoryStore) CreateCredential(_ context.Context, c *ServiceCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.credentials[c.ServiceName] = &cp
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, serviceName string) (*ServiceCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[serviceName]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListCredentials(_ context.Context) ([]*ServiceCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ServiceCredential
	for _, c := range m.credentials {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out, nil
}

func (m *MemoryStore) SetCredentialRevoked(_ context.Context, serviceName string, revoked bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[serviceName]
	if !ok {
		return ErrNotFound
	}
	c.Revoked = revoked
	c.RevocationReason = reason
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) TouchCredential(_ context.Context, serviceName string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[serviceName]
	if !ok {
		return ErrNotFound
	}
	t := at
	c.LastUsedAt = &t
	return nil
}

// --- Audit Operations ---

func (m *MemoryStore) AppendAudit(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.CreatedAt = time.Now()
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) ListAuditSince(_ context.Context, since time.Time, limit int) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditRecord
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].CreatedAt.Before(since) {
			continue
		}
		cp := *m.audit[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Webhook Event Operations ---

func webhookIdxKey(source, externalID string) string {
	return source + "\x00" + externalID
}

func (m *MemoryStore) CreateWebhookEvent(_ context.Context, ev *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.webhooks[ev.ID] = &cp
	m.webhookIdx[webhookIdxKey(ev.Source, ev.ExternalID)] = ev.ID
	return nil
}

func (m *MemoryStore) GetWebhookEventByExternalID(_ context.Context, source, externalID string) (*WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.webhookIdx[webhookIdxKey(source, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.webhooks[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateWebhookEvent(_ context.Context, ev *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.webhooks[ev.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = ev.Status
	existing.RetryCount = ev.RetryCount
	existing.NextRetryAt = ev.NextRetryAt
	existing.ProcessingMS = ev.ProcessingMS
	existing.Response = ev.Response
	existing.LastError = ev.LastError
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListWebhookEventsDue(_ context.Context, now time.Time, limit int) ([]*WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WebhookEvent
	for _, ev := range m.webhooks {
		if ev.Status == WebhookRetrying && ev.NextRetryAt != nil && !ev.NextRetryAt.After(now) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
