package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zhilfond/domo/backend/breaker"
	"github.com/zhilfond/domo/backend/discovery"
	"github.com/zhilfond/domo/backend/fallback"
	"github.com/zhilfond/domo/backend/notify"
	"github.com/zhilfond/domo/backend/optimizer"
	"github.com/zhilfond/domo/backend/ratelimit"
	"github.com/zhilfond/domo/backend/servicemode"
	"github.com/zhilfond/domo/backend/statemachine"
	"github.com/zhilfond/domo/backend/store"
	"github.com/zhilfond/domo/backend/streaming"
)

type allowAll struct{}

func (allowAll) SlideWindow(context.Context, string, int, time.Duration, string) (store.WindowResult, error) {
	return store.WindowResult{Allowed: true, Current: 1}, nil
}

// stubDir serves canned candidates keyed by the queried district; the
// empty key answers the widened (district-less) lookup.
type stubDir struct {
	byDistrict map[string][]discovery.ExecutorSnapshot
	queries    []discovery.Query
}

func (d *stubDir) FindExecutors(_ context.Context, q discovery.Query) ([]discovery.ExecutorSnapshot, error) {
	d.queries = append(d.queries, q)
	return d.byDistrict[q.District], nil
}

// topExecutor rule-scores 0.97 against a plumbing request; the blended
// hybrid score stays well above the 0.6 admission threshold.
func topExecutor() discovery.ExecutorSnapshot {
	return discovery.ExecutorSnapshot{
		ID: "e-top", Specializations: []string{"plumbing"}, HomeDistrict: "chilanzar",
		Capacity: 10, Efficiency: 90, Rating: 4.8, Available: true,
	}
}

// lowExecutor rule-scores exactly 0.55 against a plumbing request
// (spec mismatch 0.20 + efficiency 0.15 + headroom 0.10 + availability
// 0.10) and the rule predictor leaves it there.
func lowExecutor() discovery.ExecutorSnapshot {
	return discovery.ExecutorSnapshot{
		ID: "e-low", Specializations: []string{"electrics"}, HomeDistrict: "yunusabad",
		Workload: 5, Capacity: 10, Efficiency: 50, Rating: 4.0, Available: true,
	}
}

type fixture struct {
	d     *Dispatcher
	db    store.Store
	dir   *stubDir
	modes *servicemode.Controller
}

func newFixture(mode Mode, execs ...discovery.ExecutorSnapshot) *fixture {
	db := store.NewMemoryStore()
	modes := servicemode.NewController()
	fb := fallback.NewManager(breaker.NewRegistry(breaker.DefaultConfig()), modes, fallback.DefaultConfig())
	dir := &stubDir{byDistrict: map[string][]discovery.ExecutorSnapshot{"": execs, "chilanzar": execs}}
	finder := discovery.NewService(dir, ratelimit.New(allowAll{}), fb, discovery.DefaultServiceConfig())
	machine := statemachine.New(db, streaming.NewLogPublisher())

	ocfg := optimizer.DefaultConfig()
	ocfg.Iterations = 200
	engine := optimizer.NewEngine(ocfg, modes)

	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.BatchAlgorithm = optimizer.AlgorithmGreedy

	d := New(db, finder, engine, fb, modes, machine, notify.LogNotifier{}, nil, cfg)
	return &fixture{d: d, db: db, dir: dir, modes: modes}
}

func (f *fixture) seedRequest(t *testing.T, number string) {
	t.Helper()
	err := f.db.CreateRequest(context.Background(), &store.Request{
		Number:      number,
		Title:       "Течёт кран",
		Category:    "plumbing",
		Priority:    3,
		Status:      statemachine.StatusNew,
		District:    "chilanzar",
		ApplicantID: "resident-1",
	})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
}

func TestAutoAssignWritesAssignment(t *testing.T) {
	f := newFixture(ModeAutoAssign, topExecutor(), lowExecutor())
	f.seedRequest(t, "250927-001")
	ctx := context.Background()

	res, err := f.d.DispatchOne(ctx, "250927-001")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Assigned || res.ExecutorID != "e-top" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.AlgorithmUsed != optimizer.AlgorithmHybrid {
		t.Fatalf("algorithm_used %q, want hybrid", res.AlgorithmUsed)
	}
	if res.Suggestions != nil {
		t.Fatal("assigned result still carries suggestions")
	}

	req, err := f.db.GetRequest(ctx, "250927-001")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if req.Status != statemachine.StatusAssigned || req.ExecutorID != "e-top" {
		t.Fatalf("request not updated: status=%s executor=%s", req.Status, req.ExecutorID)
	}

	a, err := f.db.GetActiveAssignment(ctx, "250927-001")
	if err != nil {
		t.Fatalf("assignment row: %v", err)
	}
	if a.AssigneeID != "e-top" || a.Method != string(ModeAutoAssign) {
		t.Fatalf("assignment row wrong: %+v", a)
	}
	if a.Score < 0.6 {
		t.Fatalf("recorded score %f under threshold", a.Score)
	}
}

func TestAutoAssignBelowThresholdSuggestsOnly(t *testing.T) {
	f := newFixture(ModeAutoAssign, lowExecutor())
	f.seedRequest(t, "250927-002")
	ctx := context.Background()

	res, err := f.d.DispatchOne(ctx, "250927-002")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Assigned {
		t.Fatal("assigned despite score under threshold")
	}
	if res.Reason != "below_confidence" {
		t.Fatalf("reason %q", res.Reason)
	}
	if len(res.Suggestions) != 1 || res.Suggestions[0].Executor.ID != "e-low" {
		t.Fatalf("suggestions missing: %+v", res.Suggestions)
	}
	if res.Score >= 0.6 {
		t.Fatalf("score %f should be under 0.6", res.Score)
	}

	// nothing written
	if _, err := f.db.GetActiveAssignment(ctx, "250927-002"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("assignment row exists: %v", err)
	}
	req, _ := f.db.GetRequest(ctx, "250927-002")
	if req.Status != statemachine.StatusNew || req.ExecutorID != "" {
		t.Fatalf("request mutated: status=%s executor=%s", req.Status, req.ExecutorID)
	}
}

func TestManualModeNeverWrites(t *testing.T) {
	f := newFixture(ModeManual, topExecutor())
	f.seedRequest(t, "250927-003")

	res, err := f.d.DispatchOne(context.Background(), "250927-003")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Assigned || res.Reason != "manual_review" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.AlgorithmUsed != AlgorithmBasicRules {
		t.Fatalf("manual mode used %q", res.AlgorithmUsed)
	}
	if len(res.Suggestions) == 0 {
		t.Fatal("no suggestions for the assigner")
	}
}

func TestAIAssistedAwaitsConfirmation(t *testing.T) {
	f := newFixture(ModeAIAssisted, topExecutor())
	f.seedRequest(t, "250927-004")
	ctx := context.Background()

	res, err := f.d.DispatchOne(ctx, "250927-004")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Assigned || res.Reason != "awaiting_confirmation" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if err := f.d.ConfirmAssignment(ctx, "250927-004", res.Suggestions[0].Executor.ID, "assigner-1", res.Suggestions[0].Score); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	req, _ := f.db.GetRequest(ctx, "250927-004")
	if req.Status != statemachine.StatusAssigned {
		t.Fatalf("status %s after confirmation", req.Status)
	}
	a, err := f.db.GetActiveAssignment(ctx, "250927-004")
	if err != nil {
		t.Fatalf("assignment row: %v", err)
	}
	if a.AssignerID != "assigner-1" {
		t.Fatalf("assigner %q", a.AssignerID)
	}
}

func TestEmergencyModeDisablesDispatch(t *testing.T) {
	f := newFixture(ModeAutoAssign, topExecutor())
	f.seedRequest(t, "250927-005")
	f.modes.Set(servicemode.ModeEmergency)

	res, err := f.d.DispatchOne(context.Background(), "250927-005")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Assigned || res.Reason != "dispatch_disabled" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatchRejectsNonNewRequest(t *testing.T) {
	f := newFixture(ModeAutoAssign, topExecutor())
	f.seedRequest(t, "250927-006")
	ctx := context.Background()

	if _, err := f.d.DispatchOne(ctx, "250927-006"); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	// now assigned; a second dispatch must refuse
	if _, err := f.d.DispatchOne(ctx, "250927-006"); !errors.Is(err, ErrNotDispatchable) {
		t.Fatalf("want ErrNotDispatchable, got %v", err)
	}
}

func TestNoCandidatesWidensThenGivesUp(t *testing.T) {
	f := newFixture(ModeAutoAssign) // directory is empty everywhere
	f.seedRequest(t, "250927-007")

	res, err := f.d.DispatchOne(context.Background(), "250927-007")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Assigned || res.Reason != "no_candidates" {
		t.Fatalf("unexpected result: %+v", res)
	}
	// district query first, then the widened district-less retry
	if len(f.dir.queries) != 2 {
		t.Fatalf("directory queried %d times, want 2", len(f.dir.queries))
	}
	if f.dir.queries[0].District != "chilanzar" || f.dir.queries[1].District != "" {
		t.Fatalf("query order wrong: %+v", f.dir.queries)
	}
}

func TestDispatchBatchMixedStatuses(t *testing.T) {
	f := newFixture(ModeAutoAssign, topExecutor())
	ctx := context.Background()
	f.seedRequest(t, "250927-010")
	f.seedRequest(t, "250927-011")
	f.seedRequest(t, "250927-012")

	// take one request out of the dispatchable pool first
	if _, err := f.d.DispatchOne(ctx, "250927-012"); err != nil {
		t.Fatalf("pre-assign: %v", err)
	}

	results, err := f.d.DispatchBatch(ctx, []string{"250927-010", "250927-011", "250927-012", "250927-404"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	byNumber := make(map[string]DispatchResult, len(results))
	for _, r := range results {
		byNumber[r.RequestNumber] = r
	}

	if r := byNumber["250927-404"]; r.Reason != "not_found" {
		t.Fatalf("missing request: %+v", r)
	}
	if r := byNumber["250927-012"]; r.Reason != "not_dispatchable" {
		t.Fatalf("already-assigned request: %+v", r)
	}
	for _, n := range []string{"250927-010", "250927-011"} {
		r := byNumber[n]
		if !r.Assigned || r.ExecutorID != "e-top" {
			t.Fatalf("%s not assigned: %+v", n, r)
		}
		if r.Mode != ModeBatchOptimize {
			t.Fatalf("%s mode %q", n, r.Mode)
		}
		req, _ := f.db.GetRequest(ctx, n)
		if req.Status != statemachine.StatusAssigned {
			t.Fatalf("%s status %s", n, req.Status)
		}
	}
}

// pendingStore feeds GetPendingAssignments rows with controlled ages,
// which MemoryStore.CreateRequest cannot produce.
type pendingStore struct {
	*store.MemoryStore
	rows []*store.Request
}

func (s *pendingStore) ListUnassignedOlderThan(context.Context, time.Time, int) ([]*store.Request, error) {
	return s.rows, nil
}

func TestPendingAssignmentFlags(t *testing.T) {
	now := time.Now()
	db := &pendingStore{MemoryStore: store.NewMemoryStore(), rows: []*store.Request{
		{Number: "250927-020", Category: "plumbing", Status: "new", CreatedAt: now.Add(-70 * time.Minute)},
		{Number: "250927-021", Category: "plumbing", Status: "new", CreatedAt: now.Add(-40 * time.Minute)},
		{Number: "250927-022", Status: "new", CreatedAt: now.Add(-90 * time.Minute)}, // no category
	}}

	modes := servicemode.NewController()
	fb := fallback.NewManager(breaker.NewRegistry(breaker.DefaultConfig()), modes, fallback.DefaultConfig())
	finder := discovery.NewService(&stubDir{}, ratelimit.New(allowAll{}), fb, discovery.DefaultServiceConfig())
	machine := statemachine.New(db, streaming.NewLogPublisher())
	d := New(db, finder, optimizer.NewEngine(optimizer.DefaultConfig(), modes), fb, modes, machine, notify.LogNotifier{}, nil, DefaultConfig())

	pending, err := d.GetPendingAssignments(context.Background(), 30)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("want 3 pending, got %d", len(pending))
	}

	byNumber := make(map[string]PendingAssignment, len(pending))
	for _, p := range pending {
		byNumber[p.Request.Number] = p
	}

	if p := byNumber["250927-020"]; !p.Overdue || !p.AutoAssignEligible {
		t.Fatalf("70-minute wait should be overdue and eligible: %+v", p)
	}
	if p := byNumber["250927-021"]; p.Overdue {
		t.Fatalf("40-minute wait flagged overdue: %+v", p)
	}
	if p := byNumber["250927-022"]; p.AutoAssignEligible {
		t.Fatalf("request without category marked auto-assignable: %+v", p)
	}
}
