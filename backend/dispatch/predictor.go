package dispatch

import (
	"context"
)

// Features is the input to an assignment-success predictor.
type Features struct {
	Score        float64 `json:"score"` // candidate score from discovery
	Priority     int     `json:"priority"`
	Urgent       bool    `json:"urgent"`
	Workload     int     `json:"workload"`
	Capacity     int     `json:"capacity"`
	Rating       float64 `json:"rating"`
	SameDistrict bool    `json:"same_district"`
}

// Prediction is the predictor's estimate for one (request, executor) pair.
type Prediction struct {
	SuccessProbability float64 `json:"success_probability"`
	Confidence         float64 `json:"confidence"`
}

// Predictor estimates assignment success. Implementations may be remote
// (ML service) or local; the dispatcher works with any of them and never
// requires the remote one to be reachable.
type Predictor interface {
	Predict(ctx context.Context, f Features) (Prediction, error)
}

// RulePredictor is the always-available rule-based implementation: the
// candidate score adjusted by rating and load, with fixed confidence.
type RulePredictor struct{}

func (RulePredictor) Predict(_ context.Context, f Features) (Prediction, error) {
	p := f.Score

	if f.Rating >= 4.5 {
		p += 0.05
	} else if f.Rating > 0 && f.Rating < 3.0 {
		p -= 0.10
	}

	capacity := f.Capacity
	if capacity <= 0 {
		capacity = 10
	}
	if float64(f.Workload)/float64(capacity) > 0.8 {
		p -= 0.10
	}
	if f.SameDistrict {
		p += 0.05
	}
	if f.Urgent && f.Workload > 0 {
		p -= 0.05
	}

	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return Prediction{SuccessProbability: p, Confidence: 0.6}, nil
}
