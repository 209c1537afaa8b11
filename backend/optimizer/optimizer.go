// Package optimizer assigns a batch of requests to executors. Four
// interchangeable algorithms share one objective: maximize the summed
// pair score under executor capacity, with a penalty on inter-district
// moves. Every algorithm is deterministic for a fixed seed.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/zhilfond/domo/backend/discovery"
	"github.com/zhilfond/domo/backend/geo"
	"github.com/zhilfond/domo/backend/observability"
	"github.com/zhilfond/domo/backend/servicemode"
)

// Algorithm names are part of the dispatch API and stored in results.
const (
	AlgorithmGreedy  = "greedy"
	AlgorithmAnneal  = "simulated_annealing"
	AlgorithmGenetic = "genetic"
	AlgorithmHybrid  = "hybrid"
)

var (
	ErrUnknownAlgorithm = errors.New("unknown optimizer algorithm")
	ErrNoExecutors      = errors.New("no executors to assign")
)

// Task is one request awaiting assignment.
type Task struct {
	RequestNumber  string
	Specialization string
	Priority       int
	Urgent         bool
	District       string
	Point          *geo.Point
	CreatedAt      time.Time
}

// Assignment pairs one request with the executor the optimizer chose.
type Assignment struct {
	RequestNumber string  `json:"request_number"`
	ExecutorID    string  `json:"executor_id"`
	Score         float64 `json:"score"`
}

// Result is the outcome of one optimizer run.
type Result struct {
	Assignments       []Assignment `json:"assignments"`
	OptimizationScore float64      `json:"optimization_score"`
	AlgorithmUsed     string       `json:"algorithm_used"`
	Iterations        int          `json:"iterations"`
	ElapsedMS         int64        `json:"elapsed_ms"`
}

// Config carries the budgets and rates of the iterative algorithms.
type Config struct {
	Seed int64

	// Simulated annealing.
	Iterations int
	T0         float64
	Alpha      float64
	TMin       float64

	// Genetic.
	Population     int
	Generations    int
	MutationRate   float64
	CrossoverRate  float64
	EliteSize      int
	TournamentSize int

	// Objective.
	Weights         discovery.ScoreWeights
	DistrictPenalty float64 // score deducted per normalized travel distance
	PenaltyNormKm   float64
}

// DefaultConfig returns budgets sized for batches of up to a few hundred
// requests.
func DefaultConfig() Config {
	return Config{
		Seed:            1,
		Iterations:      2000,
		T0:              1.0,
		Alpha:           0.995,
		TMin:            0.001,
		Population:      40,
		Generations:     60,
		MutationRate:    0.05,
		CrossoverRate:   0.8,
		EliteSize:       4,
		TournamentSize:  3,
		Weights:         discovery.DefaultScoreWeights(),
		DistrictPenalty: 0.15,
		PenaltyNormKm:   20,
	}
}

// problem is the immutable input shared by all algorithms.
type problem struct {
	tasks     []Task
	executors []discovery.ExecutorSnapshot
	remaining []int // assignable slots per executor
	pairScore [][]float64
	cfg       Config
}

func buildProblem(tasks []Task, executors []discovery.ExecutorSnapshot, cfg Config) *problem {
	p := &problem{
		tasks:     tasks,
		executors: executors,
		remaining: make([]int, len(executors)),
		pairScore: make([][]float64, len(tasks)),
		cfg:       cfg,
	}
	for j, e := range executors {
		capacity := e.Capacity
		if capacity <= 0 {
			capacity = 10
		}
		p.remaining[j] = capacity - e.Workload
	}
	for i, t := range tasks {
		row := make([]float64, len(executors))
		for j, e := range executors {
			row[j] = p.score(t, e)
		}
		p.pairScore[i] = row
	}
	return p
}

func (p *problem) score(t Task, e discovery.ExecutorSnapshot) float64 {
	s := p.cfg.Weights.Score(t.Specialization, e)
	dist := geo.Distance(t.Point, nil, t.District, e.HomeDistrict)
	norm := dist / p.cfg.PenaltyNormKm
	if norm > 1 {
		norm = 1
	}
	return s - p.cfg.DistrictPenalty*norm
}

// solution maps task index to executor index, -1 for unassigned.
type solution []int

func (p *problem) objective(s solution) float64 {
	total := 0.0
	for i, j := range s {
		if j >= 0 {
			total += p.pairScore[i][j]
		}
	}
	return total
}

// feasible reports whether s respects every executor's remaining slots.
func (p *problem) feasible(s solution) bool {
	used := make([]int, len(p.executors))
	for _, j := range s {
		if j < 0 {
			continue
		}
		used[j]++
		if used[j] > p.remaining[j] {
			return false
		}
	}
	return true
}

// repair drops the lowest-scoring assignments of overloaded executors
// until s is feasible again.
func (p *problem) repair(s solution) {
	load := make([]int, len(p.executors))
	for _, j := range s {
		if j >= 0 {
			load[j]++
		}
	}
	for j := range p.executors {
		for load[j] > p.remaining[j] {
			worst, worstScore := -1, 0.0
			for i, g := range s {
				if g != j {
					continue
				}
				if worst == -1 || p.pairScore[i][j] < worstScore {
					worst, worstScore = i, p.pairScore[i][j]
				}
			}
			if worst == -1 {
				break
			}
			s[worst] = -1
			load[j]--
		}
	}
}

func (p *problem) toResult(s solution, algorithm string, iterations int, started time.Time) Result {
	res := Result{
		Assignments:   make([]Assignment, 0, len(s)),
		AlgorithmUsed: algorithm,
		Iterations:    iterations,
		ElapsedMS:     time.Since(started).Milliseconds(),
	}
	for i, j := range s {
		if j < 0 {
			continue
		}
		res.Assignments = append(res.Assignments, Assignment{
			RequestNumber: p.tasks[i].RequestNumber,
			ExecutorID:    p.executors[j].ID,
			Score:         p.pairScore[i][j],
		})
		res.OptimizationScore += p.pairScore[i][j]
	}
	return res
}

// Engine runs batch assignments with mode-scaled budgets.
type Engine struct {
	cfg   Config
	modes *servicemode.Controller
}

func NewEngine(cfg Config, modes *servicemode.Controller) *Engine {
	return &Engine{cfg: cfg, modes: modes}
}

// Run executes the named algorithm. In MINIMAL and EMERGENCY modes the
// iterative algorithms are unavailable and every run degrades to greedy.
func (e *Engine) Run(ctx context.Context, algorithm string, tasks []Task, executors []discovery.ExecutorSnapshot) (Result, error) {
	if len(executors) == 0 {
		return Result{}, ErrNoExecutors
	}
	switch algorithm {
	case AlgorithmGreedy, AlgorithmAnneal, AlgorithmGenetic, AlgorithmHybrid:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
	if !e.modes.HeavyAllowed() && algorithm != AlgorithmGreedy {
		algorithm = AlgorithmGreedy
	}

	cfg := e.cfg
	cfg.Iterations = e.modes.ScaleIterations(cfg.Iterations)
	cfg.Generations = e.modes.ScaleIterations(cfg.Generations)

	p := buildProblem(tasks, executors, cfg)
	rng := rand.New(rand.NewSource(cfg.Seed))
	started := time.Now()

	var (
		res Result
		err error
	)
	switch algorithm {
	case AlgorithmGreedy:
		res = p.toResult(p.greedy(), AlgorithmGreedy, len(tasks), started)
	case AlgorithmAnneal:
		res, err = p.anneal(ctx, rng, p.greedy(), cfg.Iterations, started)
	case AlgorithmGenetic:
		res, err = p.genetic(ctx, rng, cfg.Generations, started)
	case AlgorithmHybrid:
		res, err = p.hybrid(ctx, rng, started)
	}
	if err != nil {
		return Result{}, err
	}

	observability.OptimizerRuns.WithLabelValues(res.AlgorithmUsed).Inc()
	observability.OptimizerIterations.WithLabelValues(res.AlgorithmUsed).Observe(float64(res.Iterations))
	observability.OptimizerScore.WithLabelValues(res.AlgorithmUsed).Observe(res.OptimizationScore)
	return res, nil
}

// hybrid spends half the generation budget on the genetic search, then
// refines the champion with annealing for half the iteration budget.
func (p *problem) hybrid(ctx context.Context, rng *rand.Rand, started time.Time) (Result, error) {
	champion, gaIters, err := p.geneticSearch(ctx, rng, p.cfg.Generations/2)
	if err != nil {
		return Result{}, err
	}
	saRes, err := p.anneal(ctx, rng, champion, p.cfg.Iterations/2, started)
	if err != nil {
		return Result{}, err
	}
	saRes.AlgorithmUsed = AlgorithmHybrid
	saRes.Iterations += gaIters
	return saRes, nil
}

// taskOrder returns task indices sorted by priority desc, urgency, FIFO.
func (p *problem) taskOrder() []int {
	order := make([]int, len(p.tasks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, tb := p.tasks[order[a]], p.tasks[order[b]]
		if ta.Priority != tb.Priority {
			return ta.Priority > tb.Priority
		}
		if ta.Urgent != tb.Urgent {
			return ta.Urgent
		}
		return ta.CreatedAt.Before(tb.CreatedAt)
	})
	return order
}
