package optimizer

import (
	"context"
	"math/rand"
	"sort"
	"time"
)

// genetic evolves a population of assignment vectors. The greedy
// solution seeds the population so the search never starts worse than
// the deterministic baseline.
func (p *problem) genetic(ctx context.Context, rng *rand.Rand, generations int, started time.Time) (Result, error) {
	best, done, err := p.geneticSearch(ctx, rng, generations)
	if err != nil {
		return Result{}, err
	}
	return p.toResult(best, AlgorithmGenetic, done, started), nil
}

func (p *problem) geneticSearch(ctx context.Context, rng *rand.Rand, generations int) (solution, int, error) {
	popSize := p.cfg.Population
	if popSize < 2 {
		popSize = 2
	}

	pop := make([]solution, 0, popSize)
	pop = append(pop, p.greedy())
	for len(pop) < popSize {
		pop = append(pop, p.randomFeasible(rng))
	}

	done := 0
	for done < generations {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		done++

		sortByFitness(pop, p)

		next := make([]solution, 0, popSize)
		elite := p.cfg.EliteSize
		if elite > len(pop) {
			elite = len(pop)
		}
		for i := 0; i < elite; i++ {
			clone := make(solution, len(pop[i]))
			copy(clone, pop[i])
			next = append(next, clone)
		}

		for len(next) < popSize {
			a := p.tournament(rng, pop)
			b := p.tournament(rng, pop)
			child := p.crossover(rng, a, b)
			p.mutate(rng, child)
			p.repair(child)
			next = append(next, child)
		}
		pop = next
	}

	sortByFitness(pop, p)
	return pop[0], done, nil
}

func sortByFitness(pop []solution, p *problem) {
	sort.SliceStable(pop, func(i, j int) bool {
		return p.objective(pop[i]) > p.objective(pop[j])
	})
}

func (p *problem) randomFeasible(rng *rand.Rand) solution {
	s := make(solution, len(p.tasks))
	slots := make([]int, len(p.remaining))
	copy(slots, p.remaining)
	for i := range s {
		j := rng.Intn(len(p.executors))
		if slots[j] > 0 {
			s[i] = j
			slots[j]--
		} else {
			s[i] = -1
		}
	}
	return s
}

func (p *problem) tournament(rng *rand.Rand, pop []solution) solution {
	size := p.cfg.TournamentSize
	if size < 1 {
		size = 1
	}
	best := pop[rng.Intn(len(pop))]
	bestScore := p.objective(best)
	for k := 1; k < size; k++ {
		c := pop[rng.Intn(len(pop))]
		if s := p.objective(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// crossover is uniform; the caller repairs capacity afterwards.
func (p *problem) crossover(rng *rand.Rand, a, b solution) solution {
	child := make(solution, len(a))
	if rng.Float64() >= p.cfg.CrossoverRate {
		copy(child, a)
		return child
	}
	for i := range child {
		if rng.Intn(2) == 0 {
			child[i] = a[i]
		} else {
			child[i] = b[i]
		}
	}
	return child
}

func (p *problem) mutate(rng *rand.Rand, s solution) {
	for i := range s {
		if rng.Float64() < p.cfg.MutationRate {
			s[i] = rng.Intn(len(p.executors))
		}
	}
}
