// Package discovery queries the external user directory for executor
// candidates and scores them for the dispatcher.
package discovery

import (
	"sort"
)

// ExecutorSnapshot is the dispatcher's transient view of one executor.
type ExecutorSnapshot struct {
	ID              string   `json:"id"`
	Specializations []string `json:"specializations"`
	HomeDistrict    string   `json:"home_district,omitempty"`
	Workload        int      `json:"workload"` // active-request count
	Capacity        int      `json:"capacity"`
	Efficiency      float64  `json:"efficiency"` // 0..100
	Rating          float64  `json:"rating"`     // 1..5
	Available       bool     `json:"available"`
}

func (e ExecutorSnapshot) hasSpecialization(tag string) bool {
	for _, s := range e.Specializations {
		if s == tag {
			return true
		}
	}
	return false
}

// ScoreWeights are the unit weights of the candidate scoring function.
type ScoreWeights struct {
	Specialization float64
	Efficiency     float64
	Headroom       float64
	Availability   float64
}

// DefaultScoreWeights returns the standard 0.40/0.30/0.20/0.10 split.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Specialization: 0.40,
		Efficiency:     0.30,
		Headroom:       0.20,
		Availability:   0.10,
	}
}

const defaultCapacity = 10

// Score rates an executor for a required specialization. The result is
// always within [0, 1] for weights summing to 1.
func (w ScoreWeights) Score(requiredSpecialization string, e ExecutorSnapshot) float64 {
	specMatch := 0.5
	switch {
	case requiredSpecialization == "":
		specMatch = 1.0
	case e.hasSpecialization(requiredSpecialization):
		specMatch = 1.0
	case e.hasSpecialization("general"):
		specMatch = 0.7
	}

	efficiency := e.Efficiency / 100
	if efficiency < 0 {
		efficiency = 0
	}
	if efficiency > 1 {
		efficiency = 1
	}

	capacity := e.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	headroom := 1 - float64(e.Workload)/float64(capacity)
	if headroom < 0.1 {
		headroom = 0.1
	}

	availability := 0.0
	if e.Available {
		availability = 1.0
	}

	return w.Specialization*specMatch +
		w.Efficiency*efficiency +
		w.Headroom*headroom +
		w.Availability*availability
}

// Rank sorts candidates by score descending; ties break by higher rating,
// then lower workload, then lower id.
func (w ScoreWeights) Rank(requiredSpecialization string, candidates []ExecutorSnapshot) []ScoredExecutor {
	out := make([]ScoredExecutor, 0, len(candidates))
	for _, e := range candidates {
		out = append(out, ScoredExecutor{Executor: e, Score: w.Score(requiredSpecialization, e)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Executor.Rating != b.Executor.Rating {
			return a.Executor.Rating > b.Executor.Rating
		}
		if a.Executor.Workload != b.Executor.Workload {
			return a.Executor.Workload < b.Executor.Workload
		}
		return a.Executor.ID < b.Executor.ID
	})
	return out
}

// ScoredExecutor pairs a candidate with its score.
type ScoredExecutor struct {
	Executor ExecutorSnapshot `json:"executor"`
	Score    float64          `json:"score"`
}
