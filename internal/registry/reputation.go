package registry

// Reputation bounds a node's score. Losses are larger than gains so a failing
// node drops out of eligibility faster than it can earn its way back.
type Reputation struct {
	Floor    int
	Ceiling  int
	Baseline int
	GainStep int
	LossStep int
	// Threshold is the minimum score for assignment eligibility.
	Threshold int
}

func DefaultReputation() Reputation {
	return Reputation{Floor: 0, Ceiling: 1000, Baseline: 100, GainStep: 10, LossStep: 50}
}

func (r Reputation) Gain(score int) int {
	score += r.GainStep
	if score > r.Ceiling {
		return r.Ceiling
	}
	return score
}

func (r Reputation) Lose(score int) int {
	score -= r.LossStep
	if score < r.Floor {
		return r.Floor
	}
	return score
}

func (r Reputation) Eligible(score int) bool {
	return score >= r.Threshold
}
