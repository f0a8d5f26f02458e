package population

import "sort"

// Fitness weights. Fixed and summing to 1.0.
const (
	weightReputation    = 0.35
	weightCompletion    = 0.30
	weightNetworkEffect = 0.20
	weightAge           = 0.15

	// networkEffectSaturation is the vouch count at which the network term
	// maxes out.
	networkEffectSaturation = 10.0
	// maturityGenerations is the age at which the age term maxes out.
	maturityGenerations = 20.0
)

// Fitness scores one agent against the population's reputation ceiling.
func Fitness(a *Agent, maxReputation float64, currentGeneration int) float64 {
	if maxReputation < 1 {
		maxReputation = 1
	}
	repNorm := a.Reputation / maxReputation
	if repNorm > 1 {
		repNorm = 1
	}

	// Newcomers with no track record score neutral.
	completionRate := 0.5
	if total := a.Completed + a.Failed; total > 0 {
		completionRate = float64(a.Completed) / float64(total)
	}

	networkEffect := float64(a.VouchedFor+a.ReceivedVouches) / networkEffectSaturation
	if networkEffect > 1 {
		networkEffect = 1
	}

	ageNorm := float64(a.Lived(currentGeneration)) / maturityGenerations
	if ageNorm > 1 {
		ageNorm = 1
	}

	return weightReputation*repNorm +
		weightCompletion*completionRate +
		weightNetworkEffect*networkEffect +
		weightAge*ageNorm
}

// Rescore recomputes fitness for every agent.
func (p *Population) Rescore(currentGeneration int) {
	maxRep := p.MaxReputation()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		a.Fitness = Fitness(a, maxRep, currentGeneration)
	}
}

// WeakestActive returns up to n active agents ranked by lowest fitness.
func (p *Population) WeakestActive(n int) []*Agent {
	active := p.Active()
	sort.SliceStable(active, func(i, j int) bool { return active[i].Fitness < active[j].Fitness })
	if n > len(active) {
		n = len(active)
	}
	return active[:n]
}
