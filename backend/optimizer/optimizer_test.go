package optimizer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zhilfond/domo/backend/discovery"
	"github.com/zhilfond/domo/backend/servicemode"
)

func testTasks(n int) []Task {
	base := time.Date(2025, 9, 27, 8, 0, 0, 0, time.UTC)
	tasks := make([]Task, n)
	for i := range tasks {
		spec := "plumbing"
		if i%3 == 0 {
			spec = "electrics"
		}
		tasks[i] = Task{
			RequestNumber:  fmt.Sprintf("250927-%03d", i+1),
			Specialization: spec,
			Priority:       1 + i%5,
			District:       []string{"chilanzar", "yunusabad", "sergeli"}[i%3],
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
	}
	return tasks
}

func testExecutors() []discovery.ExecutorSnapshot {
	return []discovery.ExecutorSnapshot{
		{ID: "e1", Specializations: []string{"plumbing"}, HomeDistrict: "chilanzar", Capacity: 5, Efficiency: 90, Rating: 4.8, Available: true},
		{ID: "e2", Specializations: []string{"electrics"}, HomeDistrict: "yunusabad", Capacity: 5, Efficiency: 75, Rating: 4.1, Available: true},
		{ID: "e3", Specializations: []string{"general"}, HomeDistrict: "sergeli", Capacity: 4, Efficiency: 60, Rating: 3.9, Available: true},
		{ID: "e4", Specializations: []string{"plumbing", "electrics"}, HomeDistrict: "chilanzar", Workload: 4, Capacity: 5, Efficiency: 85, Rating: 4.5, Available: false},
	}
}

func newTestEngine(seed int64) *Engine {
	cfg := DefaultConfig()
	cfg.Seed = seed
	cfg.Iterations = 300
	cfg.Generations = 20
	cfg.Population = 16
	return NewEngine(cfg, servicemode.NewController())
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	e := newTestEngine(1)
	_, err := e.Run(context.Background(), "quantum", testTasks(3), testExecutors())
	if !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("want ErrUnknownAlgorithm, got %v", err)
	}
}

func TestNoExecutors(t *testing.T) {
	e := newTestEngine(1)
	_, err := e.Run(context.Background(), AlgorithmGreedy, testTasks(3), nil)
	if !errors.Is(err, ErrNoExecutors) {
		t.Fatalf("want ErrNoExecutors, got %v", err)
	}
}

func TestGreedyRespectsCapacity(t *testing.T) {
	e := newTestEngine(1)
	res, err := e.Run(context.Background(), AlgorithmGreedy, testTasks(30), testExecutors())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.AlgorithmUsed != AlgorithmGreedy {
		t.Fatalf("algorithm_used %q", res.AlgorithmUsed)
	}

	load := make(map[string]int)
	seen := make(map[string]bool)
	for _, a := range res.Assignments {
		if seen[a.RequestNumber] {
			t.Fatalf("request %s assigned twice", a.RequestNumber)
		}
		seen[a.RequestNumber] = true
		load[a.ExecutorID]++
	}
	// remaining slots: e1=5, e2=5, e3=4, e4=1
	limits := map[string]int{"e1": 5, "e2": 5, "e3": 4, "e4": 1}
	for id, n := range load {
		if n > limits[id] {
			t.Fatalf("executor %s overloaded: %d > %d", id, n, limits[id])
		}
	}
}

func TestDeterministicForFixedSeed(t *testing.T) {
	for _, alg := range []string{AlgorithmGreedy, AlgorithmAnneal, AlgorithmGenetic, AlgorithmHybrid} {
		a, err := newTestEngine(42).Run(context.Background(), alg, testTasks(12), testExecutors())
		if err != nil {
			t.Fatalf("%s first run: %v", alg, err)
		}
		b, err := newTestEngine(42).Run(context.Background(), alg, testTasks(12), testExecutors())
		if err != nil {
			t.Fatalf("%s second run: %v", alg, err)
		}
		if a.OptimizationScore != b.OptimizationScore {
			t.Errorf("%s: scores differ for same seed: %f vs %f", alg, a.OptimizationScore, b.OptimizationScore)
		}
		if len(a.Assignments) != len(b.Assignments) {
			t.Errorf("%s: assignment counts differ: %d vs %d", alg, len(a.Assignments), len(b.Assignments))
			continue
		}
		for i := range a.Assignments {
			if a.Assignments[i] != b.Assignments[i] {
				t.Errorf("%s: assignment %d differs: %+v vs %+v", alg, i, a.Assignments[i], b.Assignments[i])
				break
			}
		}
	}
}

func TestIterativeAlgorithmsAtLeastGreedy(t *testing.T) {
	ctx := context.Background()
	tasks, execs := testTasks(12), testExecutors()

	greedy, err := newTestEngine(7).Run(ctx, AlgorithmGreedy, tasks, execs)
	if err != nil {
		t.Fatalf("greedy: %v", err)
	}

	// annealing tracks the best state starting from greedy; the genetic
	// population is seeded with greedy and keeps elites
	for _, alg := range []string{AlgorithmAnneal, AlgorithmGenetic, AlgorithmHybrid} {
		res, err := newTestEngine(7).Run(ctx, alg, tasks, execs)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if res.OptimizationScore < greedy.OptimizationScore-1e-9 {
			t.Errorf("%s score %f below greedy %f", alg, res.OptimizationScore, greedy.OptimizationScore)
		}
	}
}

func TestFeasibilityAfterGeneticRepair(t *testing.T) {
	res, err := newTestEngine(3).Run(context.Background(), AlgorithmGenetic, testTasks(25), testExecutors())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	load := make(map[string]int)
	for _, a := range res.Assignments {
		load[a.ExecutorID]++
	}
	limits := map[string]int{"e1": 5, "e2": 5, "e3": 4, "e4": 1}
	for id, n := range load {
		if n > limits[id] {
			t.Fatalf("executor %s overloaded after repair: %d > %d", id, n, limits[id])
		}
	}
}

func TestCancellationStopsIterativeRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, alg := range []string{AlgorithmAnneal, AlgorithmGenetic, AlgorithmHybrid} {
		if _, err := newTestEngine(1).Run(ctx, alg, testTasks(10), testExecutors()); !errors.Is(err, context.Canceled) {
			t.Errorf("%s: want context.Canceled, got %v", alg, err)
		}
	}
}

func TestMinimalModeForcesGreedy(t *testing.T) {
	modes := servicemode.NewController()
	modes.Set(servicemode.ModeMinimal)
	cfg := DefaultConfig()
	cfg.Iterations = 300
	e := NewEngine(cfg, modes)

	res, err := e.Run(context.Background(), AlgorithmGenetic, testTasks(6), testExecutors())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.AlgorithmUsed != AlgorithmGreedy {
		t.Fatalf("minimal mode ran %q, want greedy", res.AlgorithmUsed)
	}
}
