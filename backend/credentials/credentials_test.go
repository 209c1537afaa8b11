package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhilfond/domo/backend/store"
)

// fakeCache is a shared KV with TTL semantics, standing in for redis.
type fakeCache struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string), expires: make(map[string]time.Time)}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.expires[key]
	if !ok || time.Now().After(exp) {
		delete(c.values, key)
		delete(c.expires, key)
		return "", store.ErrNotFound
	}
	return c.values[key], nil
}

func (c *fakeCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	c.expires[key] = time.Now().Add(ttl)
	return nil
}

func (c *fakeCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	delete(c.expires, key)
	return nil
}

func testStore(t *testing.T) (*Store, *store.MemoryStore, *fakeCache) {
	t.Helper()
	db := store.NewMemoryStore()
	cache := newFakeCache()
	cfg := DefaultConfig([]byte("master-secret"))
	cfg.RevocationTTL = 50 * time.Millisecond
	return NewStore(db, cache, cfg), db, cache
}

func TestIssueAndValidate(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	rawKey, err := s.Issue(ctx, "svc1", []string{"requests:read"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if rawKey == "" {
		t.Fatal("empty raw key")
	}

	cred, err := s.Validate(ctx, "svc1", rawKey, RequestInfo{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cred.ServiceName != "svc1" {
		t.Fatalf("wrong credential: %s", cred.ServiceName)
	}
	if err := RequirePermission(cred, "requests:read"); err != nil {
		t.Fatalf("permission check: %v", err)
	}
	if err := RequirePermission(cred, "requests:write"); !errors.Is(err, ErrMissingPermission) {
		t.Fatalf("want ErrMissingPermission, got %v", err)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.Issue(ctx, "svc1", nil); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.Validate(ctx, "svc1", "not-the-key", RequestInfo{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("want ErrInvalidKey, got %v", err)
	}
	if _, err := s.Validate(ctx, "ghost", "whatever", RequestInfo{}); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("want ErrUnknownService, got %v", err)
	}
}

func TestPermissionsAreCaseSensitive(t *testing.T) {
	cred := &store.ServiceCredential{Permissions: []string{"Admin:Credentials"}}
	if err := RequirePermission(cred, "admin:credentials"); !errors.Is(err, ErrMissingPermission) {
		t.Fatalf("permission match must be case-sensitive, got %v", err)
	}
}

// Two instances share the DB and cache; a revocation through one must be
// visible to the other within one cache tick.
func TestRevocationPropagatesWithinOneTick(t *testing.T) {
	db := store.NewMemoryStore()
	cache := newFakeCache()
	cfg := DefaultConfig([]byte("master-secret"))
	cfg.RevocationTTL = 50 * time.Millisecond

	a := NewStore(db, cache, cfg)
	b := NewStore(db, cache, cfg)
	ctx := context.Background()

	rawKey, err := a.Issue(ctx, "svc1", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// B validates first, priming its view of the revocation flag
	if _, err := b.Validate(ctx, "svc1", rawKey, RequestInfo{}); err != nil {
		t.Fatalf("validate before revoke: %v", err)
	}

	if err := a.Revoke(ctx, "svc1", "key leaked", "admin-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// within one tick the flag has expired or been overwritten in the cache
	time.Sleep(60 * time.Millisecond)
	if _, err := b.Validate(ctx, "svc1", rawKey, RequestInfo{}); !errors.Is(err, ErrRevoked) {
		t.Fatalf("want ErrRevoked on instance B, got %v", err)
	}
}

func TestRestoreReenablesCredential(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	rawKey, _ := s.Issue(ctx, "svc1", nil)
	s.Revoke(ctx, "svc1", "test", "admin-1")
	if _, err := s.Validate(ctx, "svc1", rawKey, RequestInfo{}); !errors.Is(err, ErrRevoked) {
		t.Fatalf("want ErrRevoked, got %v", err)
	}

	if err := s.Restore(ctx, "svc1", "admin-1"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := s.Validate(ctx, "svc1", rawKey, RequestInfo{}); err != nil {
		t.Fatalf("validate after restore: %v", err)
	}
}

func TestAuditTrailRecordsDecisions(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	rawKey, _ := s.Issue(ctx, "svc1", nil)
	s.Validate(ctx, "svc1", rawKey, RequestInfo{RemoteAddr: "10.0.0.1"})
	s.Validate(ctx, "svc1", "wrong", RequestInfo{RemoteAddr: "10.0.0.2"})
	s.Revoke(ctx, "svc1", "rotation", "admin-1")

	records, err := s.Audit(ctx, 1)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	events := make(map[string]int)
	for _, r := range records {
		events[r.Event]++
	}
	if events["issued"] != 1 || events["denied"] != 1 || events["revoked"] != 1 {
		t.Fatalf("unexpected audit events: %v", events)
	}
}

func TestSignIsDeterministicHex(t *testing.T) {
	sig := Sign([]byte("secret"), []byte(`{"a":1}`))
	if sig != Sign([]byte("secret"), []byte(`{"a":1}`)) {
		t.Fatal("sign is not deterministic")
	}
	if len(sig) != 64 {
		t.Fatalf("want 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature([]byte("secret"), []byte(`{"a":1}`), sig) {
		t.Fatal("verify rejected its own signature")
	}
	if VerifySignature([]byte("other"), []byte(`{"a":1}`), sig) {
		t.Fatal("verify accepted signature from wrong secret")
	}
}
