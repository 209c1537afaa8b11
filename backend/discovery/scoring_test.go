package discovery

import (
	"testing"
)

func executor(id string) ExecutorSnapshot {
	return ExecutorSnapshot{
		ID:              id,
		Specializations: []string{"plumbing"},
		Workload:        2,
		Capacity:        10,
		Efficiency:      80,
		Rating:          4.2,
		Available:       true,
	}
}

func TestScoreWithinUnitInterval(t *testing.T) {
	w := DefaultScoreWeights()
	cases := []ExecutorSnapshot{
		executor("best"),
		{ID: "idle"},
		{ID: "overloaded", Workload: 50, Capacity: 10, Efficiency: 200, Rating: 5, Available: true},
		{ID: "zero-capacity", Workload: 3, Efficiency: -10},
		{ID: "general", Specializations: []string{"general"}, Efficiency: 50, Available: true},
	}
	for _, e := range cases {
		for _, spec := range []string{"plumbing", "electrics", ""} {
			s := w.Score(spec, e)
			if s < 0 || s > 1 {
				t.Errorf("score(%s, %s) = %f outside [0,1]", spec, e.ID, s)
			}
		}
	}
}

func TestScoreComponents(t *testing.T) {
	w := DefaultScoreWeights()
	e := executor("e1")

	// exact: 0.40*1 + 0.30*0.8 + 0.20*0.8 + 0.10*1 = 0.90
	if s := w.Score("plumbing", e); !roughly(s, 0.90) {
		t.Fatalf("exact-match score %f, want 0.90", s)
	}

	e.Specializations = []string{"general"}
	// general: 0.40*0.7 + 0.24 + 0.16 + 0.10 = 0.78
	if s := w.Score("plumbing", e); !roughly(s, 0.78) {
		t.Fatalf("general score %f, want 0.78", s)
	}

	e.Specializations = []string{"electrics"}
	// mismatch: 0.40*0.5 + 0.24 + 0.16 + 0.10 = 0.70
	if s := w.Score("plumbing", e); !roughly(s, 0.70) {
		t.Fatalf("mismatch score %f, want 0.70", s)
	}
}

func TestHeadroomFloor(t *testing.T) {
	w := DefaultScoreWeights()
	e := executor("busy")
	e.Workload = 10 // at capacity

	// headroom clamps to 0.1: 0.40 + 0.24 + 0.20*0.1 + 0.10 = 0.76
	if s := w.Score("plumbing", e); !roughly(s, 0.76) {
		t.Fatalf("at-capacity score %f, want 0.76", s)
	}
}

func TestRankTieBreaks(t *testing.T) {
	w := DefaultScoreWeights()
	base := executor("")

	higherRating := base
	higherRating.ID = "rated"
	higherRating.Rating = 4.9

	lowerWorkloadSameRating := base
	lowerWorkloadSameRating.ID = "idle"

	sameEverything := base
	sameEverything.ID = "aaa"

	// all three have identical scores (rating and workload are tie-break
	// only; they do not enter the score)
	ranked := w.Rank("plumbing", []ExecutorSnapshot{sameEverything, lowerWorkloadSameRating, higherRating})
	if ranked[0].Executor.ID != "rated" {
		t.Fatalf("highest rating should rank first, got %s", ranked[0].Executor.ID)
	}
	// remaining two tie on rating and workload; lower id wins
	if ranked[1].Executor.ID != "aaa" || ranked[2].Executor.ID != "idle" {
		t.Fatalf("id tie-break broken: %s, %s", ranked[1].Executor.ID, ranked[2].Executor.ID)
	}
}

func roughly(got, want float64) bool {
	diff := got - want
	return diff > -1e-9 && diff < 1e-9
}
