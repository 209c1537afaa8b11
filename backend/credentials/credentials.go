// Package credentials implements the service-to-service trust plane:
// issuance, HMAC validation, revocation and audit of static API keys.
// Self-minted bearer tokens are not supported anywhere in this package;
// the API layer answers the legacy token endpoint with 410 Gone.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zhilfond/domo/backend/observability"
	"github.com/zhilfond/domo/backend/store"
)

// Validation outcomes. Each maps to a distinct API error code; they are
// never conflated.
var (
	ErrEmptyServiceName  = errors.New("service name must not be empty")
	ErrUnknownService    = errors.New("unknown service")
	ErrInvalidKey        = errors.New("invalid service key")
	ErrRevoked           = errors.New("credential revoked")
	ErrMissingPermission = errors.New("missing required permission")
	ErrStoreUnavailable  = errors.New("credential store unavailable")
)

// KVCache mirrors the revocation flag across instances. Revocation becomes
// visible everywhere within one cache TTL tick.
type KVCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RequestInfo carries caller metadata into the audit log.
type RequestInfo struct {
	RemoteAddr string
	Path       string
}

// Config holds credential-store knobs.
type Config struct {
	// MasterSecret keys the HMAC that derives stored verifiers from raw keys.
	MasterSecret []byte

	// RevocationTTL is the revocation-cache tick. Revocations propagate to
	// all instances within this interval.
	RevocationTTL time.Duration
}

func DefaultConfig(masterSecret []byte) Config {
	return Config{
		MasterSecret:  masterSecret,
		RevocationTTL: 5 * time.Second,
	}
}

// Store validates, issues, revokes and audits service credentials.
type Store struct {
	db    store.Store
	cache KVCache
	cfg   Config
}

func NewStore(db store.Store, cache KVCache, cfg Config) *Store {
	return &Store{db: db, cache: cache, cfg: cfg}
}

// Issue creates a credential for serviceName and returns the raw key.
// The raw key is shown exactly once; only the HMAC verifier is stored.
func (s *Store) Issue(ctx context.Context, serviceName string, permissions []string) (string, error) {
	if serviceName == "" {
		return "", ErrEmptyServiceName
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	rawKey := hex.EncodeToString(raw)

	cred := &store.ServiceCredential{
		ServiceName: serviceName,
		KeyVerifier: Sign(s.cfg.MasterSecret, []byte(rawKey)),
		Permissions: permissions,
	}
	if err := s.db.CreateCredential(ctx, cred); err != nil {
		return "", err
	}
	s.audit(ctx, serviceName, "issued", "", "", "")
	return rawKey, nil
}

// Validate checks the presented key against the stored verifier in
// constant time, then checks the revocation flag through the shared cache.
func (s *Store) Validate(ctx context.Context, serviceName, presentedKey string, info RequestInfo) (*store.ServiceCredential, error) {
	if serviceName == "" {
		observability.AuthDecisions.WithLabelValues("", "unknown_service").Inc()
		return nil, ErrEmptyServiceName
	}

	cred, err := s.db.GetCredential(ctx, serviceName)
	if errors.Is(err, store.ErrNotFound) {
		observability.AuthDecisions.WithLabelValues(serviceName, "unknown_service").Inc()
		s.audit(ctx, serviceName, "denied", "unknown service", "", info.RemoteAddr)
		return nil, ErrUnknownService
	}
	if err != nil {
		observability.AuthDecisions.WithLabelValues(serviceName, "store_error").Inc()
		return nil, ErrStoreUnavailable
	}

	presented := Sign(s.cfg.MasterSecret, []byte(presentedKey))
	if !constantEqual(presented, cred.KeyVerifier) {
		observability.AuthDecisions.WithLabelValues(serviceName, "invalid_key").Inc()
		s.audit(ctx, serviceName, "denied", "key mismatch", "", info.RemoteAddr)
		return nil, ErrInvalidKey
	}

	revoked, err := s.isRevoked(ctx, cred)
	if err != nil {
		// Cache down: trust the row we already read
		revoked = cred.Revoked
	}
	if revoked {
		observability.AuthDecisions.WithLabelValues(serviceName, "revoked").Inc()
		s.audit(ctx, serviceName, "denied", "revoked", "", info.RemoteAddr)
		return nil, ErrRevoked
	}

	observability.AuthDecisions.WithLabelValues(serviceName, "ok").Inc()
	if err := s.db.TouchCredential(ctx, serviceName, time.Now()); err != nil {
		log.Printf("[CREDENTIALS] failed to update last_used for %s: %v", serviceName, err)
	}
	return cred, nil
}

// RequirePermission checks membership of required in the credential's
// permission set. Tokens are dotted and case-sensitive.
func RequirePermission(cred *store.ServiceCredential, required string) error {
	for _, p := range cred.Permissions {
		if p == required {
			return nil
		}
	}
	return ErrMissingPermission
}

// Revoke flips the revocation flag and invalidates the shared cache so all
// instances see it within one tick.
func (s *Store) Revoke(ctx context.Context, serviceName, reason, adminID string) error {
	if err := s.db.SetCredentialRevoked(ctx, serviceName, true, reason); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, store.RevocationKey(serviceName), "1", s.cfg.RevocationTTL); err != nil {
		log.Printf("[CREDENTIALS] failed to push revocation of %s to cache: %v", serviceName, err)
	}
	observability.CredentialRevocations.WithLabelValues(serviceName, "revoke").Inc()
	s.audit(ctx, serviceName, "revoked", reason, adminID, "")
	return nil
}

// Restore clears the revocation flag.
func (s *Store) Restore(ctx context.Context, serviceName, adminID string) error {
	if err := s.db.SetCredentialRevoked(ctx, serviceName, false, ""); err != nil {
		return err
	}
	if err := s.cache.Del(ctx, store.RevocationKey(serviceName)); err != nil {
		log.Printf("[CREDENTIALS] failed to clear revocation cache for %s: %v", serviceName, err)
	}
	observability.CredentialRevocations.WithLabelValues(serviceName, "restore").Inc()
	s.audit(ctx, serviceName, "restored", "", adminID, "")
	return nil
}

// Status returns the per-service summary for operator tooling.
func (s *Store) Status(ctx context.Context) ([]*store.ServiceCredential, error) {
	return s.db.ListCredentials(ctx)
}

// Audit returns authentication events from the last given number of hours.
func (s *Store) Audit(ctx context.Context, hours int) ([]*store.AuditRecord, error) {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	return s.db.ListAuditSince(ctx, since, 1000)
}

// isRevoked consults the shared cache first so revocations propagate
// within one tick, repopulating it from the row on a miss.
func (s *Store) isRevoked(ctx context.Context, cred *store.ServiceCredential) (bool, error) {
	key := store.RevocationKey(cred.ServiceName)
	val, err := s.cache.Get(ctx, key)
	if err == nil {
		return val == "1", nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	flag := "0"
	if cred.Revoked {
		flag = "1"
	}
	if err := s.cache.Set(ctx, key, flag, s.cfg.RevocationTTL); err != nil {
		return cred.Revoked, err
	}
	return cred.Revoked, nil
}

// audit appends best-effort; authentication never fails on a full audit log.
func (s *Store) audit(ctx context.Context, serviceName, event, detail, actorID, remoteAddr string) {
	rec := &store.AuditRecord{
		ID:          uuid.NewString(),
		ServiceName: serviceName,
		Event:       event,
		Detail:      detail,
		ActorID:     actorID,
		RemoteAddr:  remoteAddr,
	}
	if err := s.db.AppendAudit(ctx, rec); err != nil {
		log.Printf("[CREDENTIALS] audit append failed for %s/%s: %v", serviceName, event, err)
	}
}
