package optimizer

// greedy assigns each task, in priority order, to the highest-scoring
// executor that still has a free slot. O(R*E).
func (p *problem) greedy() solution {
	s := make(solution, len(p.tasks))
	for i := range s {
		s[i] = -1
	}
	slots := make([]int, len(p.remaining))
	copy(slots, p.remaining)

	for _, i := range p.taskOrder() {
		best, bestScore := -1, 0.0
		for j := range p.executors {
			if slots[j] <= 0 {
				continue
			}
			if best == -1 || p.pairScore[i][j] > bestScore {
				best, bestScore = j, p.pairScore[i][j]
			}
		}
		if best >= 0 {
			s[i] = best
			slots[best]--
		}
	}
	return s
}
