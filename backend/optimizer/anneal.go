package optimizer

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// anneal refines an initial assignment by local moves. Neighbors either
// swap the executors of two tasks or move one task to another executor;
// infeasible neighbors are discarded. Worse states are accepted with
// probability exp(-delta/T) under multiplicative cooling.
func (p *problem) anneal(ctx context.Context, rng *rand.Rand, initial solution, iterations int, started time.Time) (Result, error) {
	cur := make(solution, len(initial))
	copy(cur, initial)
	curScore := p.objective(cur)

	best := make(solution, len(cur))
	copy(best, cur)
	bestScore := curScore

	temp := p.cfg.T0
	done := 0

	for done < iterations && temp >= p.cfg.TMin {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		done++

		next := p.neighbor(rng, cur)
		if next == nil {
			temp *= p.cfg.Alpha
			continue
		}
		nextScore := p.objective(next)

		delta := curScore - nextScore // positive when next is worse
		if delta <= 0 || rng.Float64() < math.Exp(-delta/temp) {
			cur, curScore = next, nextScore
			if curScore > bestScore {
				copy(best, cur)
				bestScore = curScore
			}
		}
		temp *= p.cfg.Alpha
	}

	return p.toResult(best, AlgorithmAnneal, done, started), nil
}

func (p *problem) neighbor(rng *rand.Rand, cur solution) solution {
	if len(cur) == 0 {
		return nil
	}
	next := make(solution, len(cur))
	copy(next, cur)

	if len(cur) >= 2 && rng.Intn(2) == 0 {
		a, b := rng.Intn(len(cur)), rng.Intn(len(cur))
		if a == b {
			b = (b + 1) % len(cur)
		}
		next[a], next[b] = next[b], next[a]
	} else {
		i := rng.Intn(len(cur))
		next[i] = rng.Intn(len(p.executors))
	}

	if !p.feasible(next) {
		return nil
	}
	return next
}
