// Package population tracks the living agent set: identities on chain,
// fitness scoring, and the birth/death cycle that holds the population at its
// target size.
package population

import (
	"sort"
	"sync"
)

// Agent is one living participant.
type Agent struct {
	Address     string
	FiberID     string
	PrivateKey  string
	DisplayName string
	State       string

	Reputation      float64
	Completed       int
	Failed          int
	VouchedFor      int
	ReceivedVouches int

	BornGeneration int
	Fitness        float64
}

// Lived returns the generations the agent has survived.
func (a *Agent) Lived(currentGeneration int) int {
	n := currentGeneration - a.BornGeneration
	if n < 0 {
		return 0
	}
	return n
}

// Population is the concurrent-safe agent registry.
type Population struct {
	mu     sync.RWMutex
	agents map[string]*Agent // by address
}

// New creates an empty population.
func New() *Population {
	return &Population{agents: make(map[string]*Agent)}
}

// Add registers an agent, replacing any prior record for the address.
func (p *Population) Add(a *Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[a.Address] = a
}

// Remove drops an agent.
func (p *Population) Remove(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.agents, address)
}

// MarkWithdrawn retires an agent but keeps the record: withdrawn agents drop
// out of Active() while historical references still resolve through Get.
func (p *Population) MarkWithdrawn(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[address]; ok {
		a.State = "WITHDRAWN"
	}
}

// Get returns the agent for an address.
func (p *Population) Get(address string) (*Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.agents[address]
	return a, ok
}

// Size returns the population count.
func (p *Population) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// All returns agents sorted by address for deterministic iteration.
func (p *Population) All() []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Active returns agents in the given state.
func (p *Population) Active() []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Agent
	for _, a := range p.agents {
		if a.State == "ACTIVE" {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// MaxReputation returns the highest reputation seen, minimum 1 so
// normalization never divides by zero.
func (p *Population) MaxReputation() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	max := 1.0
	for _, a := range p.agents {
		if a.Reputation > max {
			max = a.Reputation
		}
	}
	return max
}

// RecordOutcome updates an agent's track record after a submission.
func (p *Population) RecordOutcome(address string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[address]
	if !ok {
		return
	}
	if success {
		a.Completed++
		a.Reputation++
	} else {
		a.Failed++
	}
}
