package orchestrator

import (
	"math"
	"math/rand"

	"github.com/fibernet/backend/internal/workflows"
)

// Choice is one candidate transition for an actor this tick.
type Choice struct {
	FiberID    string
	Workflow   *workflows.Workflow
	Transition workflows.Transition
	Weight     float64
}

// Softmax draws one index with p_i proportional to exp(w_i / T). Weights are
// shifted by their max before exponentiation so large ratios stay finite.
// Returns -1 for an empty choice set.
func Softmax(choices []Choice, temperature float64, rng *rand.Rand) int {
	if len(choices) == 0 {
		return -1
	}
	if temperature <= 0 {
		temperature = 1e-6
	}

	maxW := choices[0].Weight
	for _, c := range choices[1:] {
		if c.Weight > maxW {
			maxW = c.Weight
		}
	}

	probs := make([]float64, len(choices))
	var sum float64
	for i, c := range choices {
		probs[i] = math.Exp((c.Weight - maxW) / temperature)
		sum += probs[i]
	}

	r := rng.Float64() * sum
	for i, p := range probs {
		r -= p
		if r <= 0 {
			return i
		}
	}
	return len(choices) - 1
}

// WeightedIndex draws one index with probability proportional to weights.
// Non-positive weights are treated as a small floor so no candidate is
// unreachable. Returns -1 for an empty set.
func WeightedIndex(weights []float64, rng *rand.Rand) int {
	if len(weights) == 0 {
		return -1
	}
	const floor = 1e-3
	var sum float64
	for _, w := range weights {
		if w < floor {
			w = floor
		}
		sum += w
	}
	r := rng.Float64() * sum
	for i, w := range weights {
		if w < floor {
			w = floor
		}
		r -= w
		if r <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

// mutateWeight flips a weight with probability rate. The flip w' = 1 - w is
// the exploration knob: strong habits become weak and vice versa.
func mutateWeight(w, rate float64, rng *rand.Rand) float64 {
	if rate > 0 && rng.Float64() < rate {
		return 1 - w
	}
	return w
}
