// Package dispatch orchestrates executor discovery, scoring, prediction
// and the batch optimizers into assignment decisions. Every outbound
// dependency is wrapped in the fallback chain; the terminal default is
// "no assignment, surface suggestions" — the dispatcher never silently
// picks an executor without a score.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zhilfond/domo/backend/discovery"
	"github.com/zhilfond/domo/backend/fallback"
	"github.com/zhilfond/domo/backend/geo"
	"github.com/zhilfond/domo/backend/notify"
	"github.com/zhilfond/domo/backend/observability"
	"github.com/zhilfond/domo/backend/optimizer"
	"github.com/zhilfond/domo/backend/servicemode"
	"github.com/zhilfond/domo/backend/statemachine"
	"github.com/zhilfond/domo/backend/store"
)

// Mode governs whether the dispatcher writes the assignment itself or
// returns a suggestion for human confirmation.
type Mode string

const (
	ModeManual        Mode = "manual"
	ModeAIAssisted    Mode = "ai_assisted"
	ModeAutoAssign    Mode = "auto_assign"
	ModeBatchOptimize Mode = "batch_optimize"
)

// AlgorithmBasicRules marks results produced by the rule-only scoring
// path, without an ML contribution.
const AlgorithmBasicRules = "fallback_basic_rules"

var (
	ErrNotDispatchable = errors.New("request is not in a dispatchable status")
	ErrUnknownMode     = errors.New("unknown dispatch mode")
)

// HybridConfig weights the rule score against the ML prediction in
// ai_assisted mode. The rule score is always computed; ML is additive
// and only consulted when the predictor reports enough confidence.
type HybridConfig struct {
	RuleWeight      float64
	MLWeight        float64
	ConfidenceFloor float64
}

func DefaultHybridConfig() HybridConfig {
	return HybridConfig{RuleWeight: 0.7, MLWeight: 0.3, ConfidenceFloor: 0.5}
}

// Config holds the dispatcher knobs.
type Config struct {
	Mode           Mode
	Threshold      float64 // auto_assign admission threshold
	TopK           int     // candidates considered for prediction / suggestions
	Hybrid         HybridConfig
	BatchAlgorithm string
	MaxWaitMinutes int
}

func DefaultConfig() Config {
	return Config{
		Mode:           ModeAutoAssign,
		Threshold:      0.6,
		TopK:           3,
		Hybrid:         DefaultHybridConfig(),
		BatchAlgorithm: optimizer.AlgorithmHybrid,
		MaxWaitMinutes: 30,
	}
}

// DispatchResult is the outcome of dispatching one request.
type DispatchResult struct {
	RequestNumber string                     `json:"request_number"`
	Assigned      bool                       `json:"assigned"`
	ExecutorID    string                     `json:"executor_id,omitempty"`
	Score         float64                    `json:"score,omitempty"`
	AlgorithmUsed string                     `json:"algorithm_used"`
	Mode          Mode                       `json:"mode"`
	Degraded      bool                       `json:"degraded"`
	Reason        string                     `json:"reason,omitempty"`
	Suggestions   []discovery.ScoredExecutor `json:"suggestions,omitempty"`
	ElapsedMS     int64                      `json:"elapsed_ms"`
}

// PendingAssignment is one unassigned request with its dispatch flags.
type PendingAssignment struct {
	Request            *store.Request `json:"request"`
	WaitingMinutes     int            `json:"waiting_minutes"`
	Overdue            bool           `json:"overdue"`
	AutoAssignEligible bool           `json:"auto_assign_eligible"`
}

// Dispatcher wires the assignment pipeline. All dependencies are
// injected; only service mode and the breaker registry (inside the
// fallback manager) are process-wide.
type Dispatcher struct {
	db        store.Store
	finder    *discovery.Service
	engine    *optimizer.Engine
	fb        *fallback.Manager
	modes     *servicemode.Controller
	machine   *statemachine.Machine
	notifier  notify.Notifier
	predictor Predictor
	weights   discovery.ScoreWeights
	cfg       Config
}

func New(db store.Store, finder *discovery.Service, engine *optimizer.Engine,
	fb *fallback.Manager, modes *servicemode.Controller, machine *statemachine.Machine,
	notifier notify.Notifier, predictor Predictor, cfg Config) *Dispatcher {

	if cfg.Threshold <= 0 {
		cfg = DefaultConfig()
	}
	if predictor == nil {
		predictor = RulePredictor{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Dispatcher{
		db:        db,
		finder:    finder,
		engine:    engine,
		fb:        fb,
		modes:     modes,
		machine:   machine,
		notifier:  notifier,
		predictor: predictor,
		weights:   discovery.DefaultScoreWeights(),
		cfg:       cfg,
	}
}

// DispatchOne runs discovery, scoring and optional prediction for one
// request, then either writes the assignment (auto_assign above the
// threshold) or returns ranked suggestions.
func (d *Dispatcher) DispatchOne(ctx context.Context, number string) (DispatchResult, error) {
	start := time.Now()
	defer func() {
		observability.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	mode := d.cfg.Mode
	res := DispatchResult{RequestNumber: number, Mode: mode, AlgorithmUsed: AlgorithmBasicRules}

	if !d.modes.DispatchAllowed() {
		res.Reason = "dispatch_disabled"
		d.count(mode, "disabled")
		res.ElapsedMS = time.Since(start).Milliseconds()
		return res, nil
	}

	req, err := d.db.GetRequest(ctx, number)
	if err != nil {
		return res, err
	}
	if req.Status != statemachine.StatusNew {
		return res, fmt.Errorf("%w: %s is %s", ErrNotDispatchable, number, req.Status)
	}

	candidates, degraded, err := d.findCandidates(ctx, req)
	res.Degraded = degraded
	if err != nil || len(candidates) == 0 {
		res.Reason = "no_candidates"
		d.count(mode, "no_candidates")
		res.ElapsedMS = time.Since(start).Milliseconds()
		return res, nil
	}

	ranked := d.weights.Rank(req.Category, candidates)
	topK := d.cfg.TopK
	if topK > len(ranked) {
		topK = len(ranked)
	}
	ranked = ranked[:topK]

	if mode == ModeAIAssisted || mode == ModeAutoAssign {
		if usedML := d.blend(ctx, req, ranked); usedML {
			res.AlgorithmUsed = optimizer.AlgorithmHybrid
		}
	}

	best := ranked[0]
	res.Suggestions = ranked
	res.Score = best.Score
	res.ElapsedMS = time.Since(start).Milliseconds()

	switch mode {
	case ModeManual:
		res.Reason = "manual_review"
		d.count(mode, "suggested")
		return res, nil
	case ModeAIAssisted:
		res.Reason = "awaiting_confirmation"
		d.count(mode, "suggested")
		return res, nil
	case ModeAutoAssign, ModeBatchOptimize:
		if best.Score < d.cfg.Threshold {
			res.Reason = "below_confidence"
			d.count(mode, "below_confidence")
			return res, nil
		}
		reason := fmt.Sprintf("best score %.2f over threshold %.2f", best.Score, d.cfg.Threshold)
		if err := d.assign(ctx, req, best.Executor.ID, best.Score, string(mode), reason); err != nil {
			return res, err
		}
		res.Assigned = true
		res.ExecutorID = best.Executor.ID
		res.Suggestions = nil
		d.count(mode, "assigned")
		res.ElapsedMS = time.Since(start).Milliseconds()
		return res, nil
	default:
		return res, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// DispatchBatch assigns many requests at once through the batch
// optimizer, writing assignments that clear the admission threshold.
func (d *Dispatcher) DispatchBatch(ctx context.Context, numbers []string) ([]DispatchResult, error) {
	if !d.modes.DispatchAllowed() {
		return nil, fmt.Errorf("%w: dispatch disabled", ErrNotDispatchable)
	}

	tasks := make([]optimizer.Task, 0, len(numbers))
	byNumber := make(map[string]*store.Request, len(numbers))
	results := make([]DispatchResult, 0, len(numbers))

	for _, n := range numbers {
		req, err := d.db.GetRequest(ctx, n)
		if err != nil {
			results = append(results, DispatchResult{
				RequestNumber: n, Mode: ModeBatchOptimize, Reason: "not_found",
			})
			continue
		}
		if req.Status != statemachine.StatusNew {
			results = append(results, DispatchResult{
				RequestNumber: n, Mode: ModeBatchOptimize, Reason: "not_dispatchable",
			})
			continue
		}
		byNumber[n] = req
		tasks = append(tasks, taskFromRequest(req))
	}
	if len(tasks) == 0 {
		return results, nil
	}

	candidates, degraded, err := d.finder.Find(ctx, discovery.Query{})
	if err != nil || len(candidates) == 0 {
		for _, t := range tasks {
			results = append(results, DispatchResult{
				RequestNumber: t.RequestNumber, Mode: ModeBatchOptimize,
				Degraded: true, Reason: "no_candidates",
			})
		}
		return results, nil
	}

	run, err := d.engine.Run(ctx, d.cfg.BatchAlgorithm, tasks, candidates)
	if err != nil {
		return nil, err
	}

	assignedBy := make(map[string]optimizer.Assignment, len(run.Assignments))
	for _, a := range run.Assignments {
		assignedBy[a.RequestNumber] = a
	}

	for _, t := range tasks {
		res := DispatchResult{
			RequestNumber: t.RequestNumber,
			Mode:          ModeBatchOptimize,
			AlgorithmUsed: run.AlgorithmUsed,
			Degraded:      degraded,
			ElapsedMS:     run.ElapsedMS,
		}
		a, ok := assignedBy[t.RequestNumber]
		if !ok {
			res.Reason = "no_feasible_executor"
			d.count(ModeBatchOptimize, "no_candidates")
			results = append(results, res)
			continue
		}
		res.Score = a.Score
		if a.Score < d.cfg.Threshold {
			res.Reason = "below_confidence"
			d.count(ModeBatchOptimize, "below_confidence")
			results = append(results, res)
			continue
		}
		reason := fmt.Sprintf("batch %s score %.2f", run.AlgorithmUsed, a.Score)
		if err := d.assign(ctx, byNumber[t.RequestNumber], a.ExecutorID, a.Score, string(ModeBatchOptimize), reason); err != nil {
			res.Reason = "assignment_failed"
			results = append(results, res)
			continue
		}
		res.Assigned = true
		res.ExecutorID = a.ExecutorID
		d.count(ModeBatchOptimize, "assigned")
		results = append(results, res)
	}
	return results, nil
}

// GetPendingAssignments enumerates unassigned requests older than
// maxWaitMinutes, flagging overdue ones and those the auto path could
// pick up.
func (d *Dispatcher) GetPendingAssignments(ctx context.Context, maxWaitMinutes int) ([]PendingAssignment, error) {
	if maxWaitMinutes <= 0 {
		maxWaitMinutes = d.cfg.MaxWaitMinutes
	}
	cutoff := time.Now().Add(-time.Duration(maxWaitMinutes) * time.Minute)

	reqs, err := d.db.ListUnassignedOlderThan(ctx, cutoff, 500)
	if err != nil {
		return nil, err
	}

	out := make([]PendingAssignment, 0, len(reqs))
	for _, r := range reqs {
		waiting := int(time.Since(r.CreatedAt).Minutes())
		out = append(out, PendingAssignment{
			Request:            r,
			WaitingMinutes:     waiting,
			Overdue:            waiting >= 2*maxWaitMinutes,
			AutoAssignEligible: r.Category != "" && !Terminal(r.Status),
		})
	}
	observability.PendingUnassigned.Set(float64(len(out)))
	return out, nil
}

// ConfirmAssignment writes an assignment a human approved from the
// suggestion list (manual and ai_assisted modes).
func (d *Dispatcher) ConfirmAssignment(ctx context.Context, number, executorID, assignerID string, score float64) error {
	req, err := d.db.GetRequest(ctx, number)
	if err != nil {
		return err
	}
	if req.Status != statemachine.StatusNew {
		return fmt.Errorf("%w: %s is %s", ErrNotDispatchable, number, req.Status)
	}
	a := &store.RequestAssignment{
		ID:             uuid.NewString(),
		RequestNumber:  number,
		AssigneeID:     executorID,
		AssignerID:     assignerID,
		Method:         string(ModeManual),
		Specialization: req.Category,
		Reason:         "confirmed by assigner",
		Score:          score,
		AssignedAt:     time.Now().UTC(),
		Active:         true,
	}
	return d.writeAssignment(ctx, req, a, statemachine.Actor{
		ID:          assignerID,
		Permissions: []string{"requests:assign"},
	})
}

func (d *Dispatcher) findCandidates(ctx context.Context, req *store.Request) ([]discovery.ExecutorSnapshot, bool, error) {
	candidates, degraded, err := d.finder.Find(ctx, discovery.Query{
		Specialization: req.Category,
		District:       req.District,
	})
	if err == nil && len(candidates) == 0 && req.District != "" {
		// widen the search before giving up on a thin district
		candidates, degraded, err = d.finder.Find(ctx, discovery.Query{Specialization: req.Category})
	}
	return candidates, degraded, err
}

// blend folds the ML prediction into the top candidates' scores. Returns
// whether any prediction actually contributed.
func (d *Dispatcher) blend(ctx context.Context, req *store.Request, ranked []discovery.ScoredExecutor) bool {
	usedML := false
	for i := range ranked {
		c := ranked[i]
		features := Features{
			Score:        c.Score,
			Priority:     req.Priority,
			Urgent:       req.Priority >= 4,
			Workload:     c.Executor.Workload,
			Capacity:     c.Executor.Capacity,
			Rating:       c.Executor.Rating,
			SameDistrict: req.District != "" && req.District == c.Executor.HomeDistrict,
		}
		pred, err := d.predict(ctx, req.Number, c.Executor.ID, features)
		if err != nil || pred.Confidence < d.cfg.Hybrid.ConfidenceFloor {
			continue
		}
		ranked[i].Score = d.cfg.Hybrid.RuleWeight*c.Score +
			d.cfg.Hybrid.MLWeight*pred.SuccessProbability
		usedML = true
	}
	if usedML {
		sortScored(ranked)
	}
	return usedML
}

const opPredict = "dispatch.predict"

// predict runs the predictor through the fallback chain with the rule
// predictor as the in-process alternative.
func (d *Dispatcher) predict(ctx context.Context, number, executorID string, f Features) (Prediction, error) {
	primary := func(ctx context.Context) (interface{}, error) {
		return d.predictor.Predict(ctx, f)
	}
	alt := func(ctx context.Context) (interface{}, error) {
		return RulePredictor{}.Predict(ctx, f)
	}
	res, err := d.fb.Execute(ctx, opPredict, primary, fallback.Options{
		Timeout:     2 * time.Second,
		Args:        []string{number, executorID},
		Alternative: alt,
	})
	if err != nil {
		return Prediction{}, err
	}
	pred, ok := res.Data.(Prediction)
	if !ok {
		return Prediction{}, fmt.Errorf("unexpected prediction type %T", res.Data)
	}
	return pred, nil
}

// assign writes the auto-produced assignment under the dispatcher's own
// actor identity.
func (d *Dispatcher) assign(ctx context.Context, req *store.Request, executorID string, score float64, method, reason string) error {
	a := &store.RequestAssignment{
		ID:             uuid.NewString(),
		RequestNumber:  req.Number,
		AssigneeID:     executorID,
		AssignerID:     "dispatcher",
		Method:         method,
		Specialization: req.Category,
		Reason:         reason,
		Score:          score,
		AssignedAt:     time.Now().UTC(),
		Active:         true,
	}
	return d.writeAssignment(ctx, req, a, statemachine.Actor{
		ID:          "dispatcher",
		Permissions: []string{"requests:assign"},
	})
}

func (d *Dispatcher) writeAssignment(ctx context.Context, req *store.Request, a *store.RequestAssignment, actor statemachine.Actor) error {
	if err := d.db.CreateAssignment(ctx, a); err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	if err := d.db.SetRequestExecutor(ctx, req.Number, a.AssigneeID); err != nil {
		return fmt.Errorf("set executor: %w", err)
	}
	if err := d.machine.Transition(ctx, statemachine.TransitionInput{
		RequestNumber: req.Number,
		To:            statemachine.StatusAssigned,
		Actor:         actor,
		Comment:       a.Reason,
	}); err != nil {
		return err
	}
	d.notifier.RequestAssigned(ctx, notify.BuildAssignment(req, a))
	return nil
}

func (d *Dispatcher) count(mode Mode, outcome string) {
	observability.DispatchDecisions.WithLabelValues(string(mode), outcome).Inc()
}

func sortScored(ranked []discovery.ScoredExecutor) {
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
}

// Terminal reports whether status admits no further dispatch.
func Terminal(status string) bool {
	return statemachine.Terminal(status)
}

func taskFromRequest(req *store.Request) optimizer.Task {
	t := optimizer.Task{
		RequestNumber:  req.Number,
		Specialization: req.Category,
		Priority:       req.Priority,
		Urgent:         req.Priority >= 4,
		District:       req.District,
		CreatedAt:      req.CreatedAt,
	}
	if req.Latitude != nil && req.Longitude != nil {
		t.Point = &geo.Point{Lat: *req.Latitude, Lon: *req.Longitude}
	}
	return t
}
