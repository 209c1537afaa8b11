package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Request Operations ---

func (s *PostgresStore) CreateRequest(ctx context.Context, req *Request) error {
	materials, err := json.Marshal(req.Materials)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO requests (request_number, title, description, category, priority, status,
			address, building_id, apartment, district, applicant_id, executor_id,
			latitude, longitude, materials, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
	`
	_, err = s.pool.Exec(ctx, query,
		req.Number, req.Title, req.Description, req.Category, req.Priority, req.Status,
		req.Address, req.BuildingID, req.Apartment, req.District, req.ApplicantID, req.ExecutorID,
		req.Latitude, req.Longitude, materials,
	)
	return err
}

func (s *PostgresStore) GetRequest(ctx context.Context, number string) (*Request, error) {
	query := `
		SELECT request_number, title, description, category, priority, status,
			address, building_id, apartment, district, applicant_id, executor_id,
			latitude, longitude, materials, created_at, updated_at, work_completed_at, deleted
		FROM requests WHERE request_number = $1
	`
	var r Request
	var materials []byte
	err := s.pool.QueryRow(ctx, query, number).Scan(
		&r.Number, &r.Title, &r.Description, &r.Category, &r.Priority, &r.Status,
		&r.Address, &r.BuildingID, &r.Apartment, &r.District, &r.ApplicantID, &r.ExecutorID,
		&r.Latitude, &r.Longitude, &materials, &r.CreatedAt, &r.UpdatedAt, &r.WorkCompletedAt, &r.Deleted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(materials) > 0 {
		if err := json.Unmarshal(materials, &r.Materials); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (s *PostgresStore) ListRequestsByStatus(ctx context.Context, status string, limit int) ([]*Request, error) {
	query := `
		SELECT request_number, title, description, category, priority, status,
			address, building_id, apartment, district, applicant_id, executor_id,
			latitude, longitude, materials, created_at, updated_at, work_completed_at, deleted
		FROM requests WHERE status = $1 AND NOT deleted
		ORDER BY priority DESC, created_at ASC LIMIT $2
	`
	return s.queryRequests(ctx, query, status, limit)
}

func (s *PostgresStore) ListUnassignedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Request, error) {
	query := `
		SELECT request_number, title, description, category, priority, status,
			address, building_id, apartment, district, applicant_id, executor_id,
			latitude, longitude, materials, created_at, updated_at, work_completed_at, deleted
		FROM requests
		WHERE status = 'new' AND executor_id = '' AND NOT deleted AND created_at <= $1
		ORDER BY priority DESC, created_at ASC LIMIT $2
	`
	return s.queryRequests(ctx, query, cutoff, limit)
}

func (s *PostgresStore) queryRequests(ctx context.Context, query string, args ...interface{}) ([]*Request, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		var r Request
		var materials []byte
		if err := rows.Scan(
			&r.Number, &r.Title, &r.Description, &r.Category, &r.Priority, &r.Status,
			&r.Address, &r.BuildingID, &r.Apartment, &r.District, &r.ApplicantID, &r.ExecutorID,
			&r.Latitude, &r.Longitude, &materials, &r.CreatedAt, &r.UpdatedAt, &r.WorkCompletedAt, &r.Deleted,
		); err != nil {
			return nil, err
		}
		if len(materials) > 0 {
			if err := json.Unmarshal(materials, &r.Materials); err != nil {
				return nil, err
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetRequestExecutor(ctx context.Context, number string, executorID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE requests SET executor_id = $2, updated_at = NOW() WHERE request_number = $1 AND NOT deleted`,
		number, executorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SoftDeleteRequest(ctx context.Context, number string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE requests SET deleted = TRUE, updated_at = NOW() WHERE request_number = $1`, number)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionRequest flips status with an optimistic compare on the old
// status and appends the journal comment in the same transaction. The
// loser of a concurrent race gets ErrStaleState and must re-read.
func (s *PostgresStore) TransitionRequest(ctx context.Context, number string, oldStatus, newStatus string, journal *RequestComment) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var completedClause string
	if newStatus == "completed" {
		completedClause = ", work_completed_at = NOW()"
	}
	tag, err := tx.Exec(ctx,
		`UPDATE requests SET status = $3, updated_at = NOW()`+completedClause+
			` WHERE request_number = $1 AND status = $2 AND NOT deleted`,
		number, oldStatus, newStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost race
		var cur string
		err := tx.QueryRow(ctx,
			`SELECT status FROM requests WHERE request_number = $1 AND NOT deleted`, number).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrStaleState
	}

	media, err := json.Marshal(journal.Media)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO request_comments (id, request_number, author_id, text, is_status_change,
			old_status, new_status, media, is_internal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, journal.ID, journal.RequestNumber, journal.AuthorID, journal.Text, journal.IsStatusChange,
		journal.OldStatus, journal.NewStatus, media, journal.IsInternal)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// --- Comment Operations ---

func (s *PostgresStore) AppendComment(ctx context.Context, c *RequestComment) error {
	media, err := json.Marshal(c.Media)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO request_comments (id, request_number, author_id, text, is_status_change,
			old_status, new_status, media, is_internal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, c.ID, c.RequestNumber, c.AuthorID, c.Text, c.IsStatusChange,
		c.OldStatus, c.NewStatus, media, c.IsInternal)
	return err
}

func (s *PostgresStore) ListComments(ctx context.Context, number string) ([]*RequestComment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_number, author_id, text, is_status_change,
			old_status, new_status, media, is_internal, created_at, deleted
		FROM request_comments WHERE request_number = $1 AND NOT deleted
		ORDER BY created_at ASC
	`, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RequestComment
	for rows.Next() {
		var c RequestComment
		var media []byte
		if err := rows.Scan(
			&c.ID, &c.RequestNumber, &c.AuthorID, &c.Text, &c.IsStatusChange,
			&c.OldStatus, &c.NewStatus, &media, &c.IsInternal, &c.CreatedAt, &c.Deleted,
		); err != nil {
			return nil, err
		}
		if len(media) > 0 {
			if err := json.Unmarshal(media, &c.Media); err != nil {
				return nil, err
			}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Assignment Operations ---

// CreateAssignment deactivates any previous assignment and inserts the new
// one in a single transaction, so at most one assignment stays active.
func (s *PostgresStore) CreateAssignment(ctx context.Context, a *RequestAssignment) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE request_assignments SET active = FALSE WHERE request_number = $1 AND active`,
		a.RequestNumber)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO request_assignments (id, request_number, assignee_id, assigner_id, method,
			specialization, reason, score, assigned_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
	`, a.ID, a.RequestNumber, a.AssigneeID, a.AssignerID, a.Method,
		a.Specialization, a.Reason, a.Score, a.AssignedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetActiveAssignment(ctx context.Context, number string) (*RequestAssignment, error) {
	var a RequestAssignment
	err := s.pool.QueryRow(ctx, `
		SELECT id, request_number, assignee_id, assigner_id, method, specialization, reason,
			score, assigned_at, accepted_at, rejected_at, active
		FROM request_assignments WHERE request_number = $1 AND active
	`, number).Scan(
		&a.ID, &a.RequestNumber, &a.AssigneeID, &a.AssignerID, &a.Method, &a.Specialization,
		&a.Reason, &a.Score, &a.AssignedAt, &a.AcceptedAt, &a.RejectedAt, &a.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) DeactivateAssignments(ctx context.Context, number string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE request_assignments SET active = FALSE WHERE request_number = $1 AND active`, number)
	return err
}

func (s *PostgresStore) MarkAssignmentAccepted(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE request_assignments SET accepted_at = $2 WHERE id = $1 AND active`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAssignmentRejected(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE request_assignments SET rejected_at = $2, active = FALSE WHERE id = $1 AND active`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Credential Operations ---

func (s *PostgresStore) CreateCredential(ctx context.Context, c *ServiceCredential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_credentials (service_name, key_verifier, permissions, revoked,
			revocation_reason, created_at, updated_at)
		VALUES ($1, $2, $3, FALSE, '', NOW(), NOW())
	`, c.ServiceName, c.KeyVerifier, c.Permissions)
	return err
}

func (s *PostgresStore) GetCredential(ctx context.Context, serviceName string) (*ServiceCredential, error) {
	var c ServiceCredential
	err := s.pool.QueryRow(ctx, `
		SELECT service_name, key_verifier, permissions, revoked, revocation_reason,
			last_used_at, created_at, updated_at
		FROM service_credentials WHERE service_name = $1
	`, serviceName).Scan(
		&c.ServiceName, &c.KeyVerifier, &c.Permissions, &c.Revoked, &c.RevocationReason,
		&c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context) ([]*ServiceCredential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_name, key_verifier, permissions, revoked, revocation_reason,
			last_used_at, created_at, updated_at
		FROM service_credentials ORDER BY service_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ServiceCredential
	for rows.Next() {
		var c ServiceCredential
		if err := rows.Scan(
			&c.ServiceName, &c.KeyVerifier, &c.Permissions, &c.Revoked, &c.RevocationReason,
			&c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetCredentialRevoked(ctx context.Context, serviceName string, revoked bool, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE service_credentials SET revoked = $2, revocation_reason = $3, updated_at = NOW()
		WHERE service_name = $1
	`, serviceName, revoked, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchCredential(ctx context.Context, serviceName string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE service_credentials SET last_used_at = $2 WHERE service_name = $1`, serviceName, at)
	return err
}

// --- Audit Operations ---

func (s *PostgresStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credential_audit (id, service_name, event, detail, actor_id, remote_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, rec.ID, rec.ServiceName, rec.Event, rec.Detail, rec.ActorID, rec.RemoteAddr)
	return err
}

func (s *PostgresStore) ListAuditSince(ctx context.Context, since time.Time, limit int) ([]*AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, service_name, event, detail, actor_id, remote_addr, created_at
		FROM credential_audit WHERE created_at >= $1
		ORDER BY created_at DESC LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.ServiceName, &r.Event, &r.Detail, &r.ActorID, &r.RemoteAddr, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Webhook Event Operations ---

func (s *PostgresStore) CreateWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	headers, err := json.Marshal(ev.Headers)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, source, event_type, payload, headers, signature,
			signature_valid, external_id, status, retry_count, next_retry_at,
			processing_ms, response, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
	`, ev.ID, ev.Source, ev.EventType, ev.Payload, headers, ev.Signature,
		ev.SignatureValid, ev.ExternalID, ev.Status, ev.RetryCount, ev.NextRetryAt,
		ev.ProcessingMS, ev.Response, ev.LastError)
	return err
}

func (s *PostgresStore) GetWebhookEventByExternalID(ctx context.Context, source, externalID string) (*WebhookEvent, error) {
	var ev WebhookEvent
	var headers []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, source, event_type, payload, headers, signature, signature_valid,
			external_id, status, retry_count, next_retry_at, processing_ms, response,
			last_error, created_at, updated_at
		FROM webhook_events WHERE source = $1 AND external_id = $2
	`, source, externalID).Scan(
		&ev.ID, &ev.Source, &ev.EventType, &ev.Payload, &headers, &ev.Signature, &ev.SignatureValid,
		&ev.ExternalID, &ev.Status, &ev.RetryCount, &ev.NextRetryAt, &ev.ProcessingMS, &ev.Response,
		&ev.LastError, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &ev.Headers); err != nil {
			return nil, err
		}
	}
	return &ev, nil
}

func (s *PostgresStore) UpdateWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET status = $2, retry_count = $3, next_retry_at = $4,
			processing_ms = $5, response = $6, last_error = $7, updated_at = NOW()
		WHERE id = $1
	`, ev.ID, ev.Status, ev.RetryCount, ev.NextRetryAt, ev.ProcessingMS, ev.Response, ev.LastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListWebhookEventsDue(ctx context.Context, now time.Time, limit int) ([]*WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, event_type, payload, headers, signature, signature_valid,
			external_id, status, retry_count, next_retry_at, processing_ms, response,
			last_error, created_at, updated_at
		FROM webhook_events
		WHERE status = 'retrying' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WebhookEvent
	for rows.Next() {
		var ev WebhookEvent
		var headers []byte
		if err := rows.Scan(
			&ev.ID, &ev.Source, &ev.EventType, &ev.Payload, &headers, &ev.Signature, &ev.SignatureValid,
			&ev.ExternalID, &ev.Status, &ev.RetryCount, &ev.NextRetryAt, &ev.ProcessingMS, &ev.Response,
			&ev.LastError, &ev.CreatedAt, &ev.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &ev.Headers); err != nil {
				return nil, err
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
