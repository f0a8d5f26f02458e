// Package workflows is the declarative registry of fiber state machines the
// orchestrator can drive: identities, contracts, the four market flavors,
// and a handful of custom workflows. Each entry carries the client-side view
// (states, role-guarded transitions, selection weights, payload generators)
// plus a builder for the on-chain definition with its opaque guard/effect
// expressions.
package workflows

import (
	"math/rand"
	"time"
)

// Kind tags the workflow family; dispatch is over this tag.
type Kind string

const (
	KindAgentIdentity Kind = "AgentIdentity"
	KindContract      Kind = "Contract"
	KindMarket        Kind = "Market"
	KindCustom        Kind = "Custom"
)

// MarketType parameterizes the shared market state machine.
type MarketType string

const (
	MarketPrediction MarketType = "prediction"
	MarketAuction    MarketType = "auction"
	MarketCrowdfund  MarketType = "crowdfund"
	MarketGroupBuy   MarketType = "group_buy"
)

// AllMarketTypes lists every market flavor.
var AllMarketTypes = []MarketType{MarketPrediction, MarketAuction, MarketCrowdfund, MarketGroupBuy}

// Roles an agent can hold with respect to a fiber.
const (
	RoleAnyone       = "anyone"
	RoleOwner        = "owner"
	RoleProposer     = "proposer"
	RoleCounterparty = "counterparty"
	RoleCreator      = "creator"
	RoleParticipant  = "participant"
	RoleOracle       = "oracle"
)

// PayloadContext is what a payload generator sees when producing an event
// payload: the acting agent, the fiber's last-known state data, and a clock.
type PayloadContext struct {
	Agent     string
	StateData map[string]interface{}
	NowMillis int64
	Rand      *rand.Rand
}

// PayloadGenerator produces the event-specific payload for a transition.
// The `agent` field is injected by the bridge; generators add the rest.
type PayloadGenerator func(pc PayloadContext) map[string]interface{}

// Transition is one client-side edge: who may fire which event from which
// state, with a base weight for softmax selection.
type Transition struct {
	From       string
	To         string
	EventName  string
	Role       string
	BaseWeight float64
	Payload    PayloadGenerator
}

// Workflow is one registry entry.
type Workflow struct {
	Name         string
	Kind         Kind
	MarketType   MarketType
	Roles        []string
	States       []string
	InitialState string
	FinalStates  []string
	Transitions  []Transition
}

// IsFinal reports whether state terminates the workflow.
func (w *Workflow) IsFinal(state string) bool {
	for _, s := range w.FinalStates {
		if s == state {
			return true
		}
	}
	return false
}

// AvailableEvents returns the transitions an actor holding the given roles
// may fire from state. Role guards are authoritative client-side so the
// orchestrator never submits what the on-chain guard would reject; the
// on-chain guard remains the source of truth.
func (w *Workflow) AvailableEvents(state string, roles ...string) []Transition {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	var out []Transition
	for _, t := range w.Transitions {
		if t.From != state {
			continue
		}
		if t.Role == RoleAnyone || roleSet[t.Role] {
			out = append(out, t)
		}
	}
	return out
}

// Registry holds the known workflows.
type Registry struct {
	byName map[string]*Workflow
	order  []string
}

// NewRegistry builds the default registry with every workflow this system
// drives.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]*Workflow)}
	r.add(agentIdentityWorkflow())
	r.add(contractWorkflow())
	for _, mt := range AllMarketTypes {
		r.add(marketWorkflow(mt))
	}
	r.add(votingWorkflow())
	r.add(tokenEscrowWorkflow())
	r.add(ticTacToeWorkflow())
	r.add(approvalWorkflow())
	return r
}

func (r *Registry) add(w *Workflow) {
	r.byName[w.Name] = w
	r.order = append(r.order, w.Name)
}

// Get returns a workflow by name.
func (r *Registry) Get(name string) (*Workflow, bool) {
	w, ok := r.byName[name]
	return w, ok
}

// Market returns the workflow for a market flavor.
func (r *Registry) Market(mt MarketType) *Workflow {
	return r.byName["Market:"+string(mt)]
}

// Names returns registry entries in insertion order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func nowMillis() int64 { return time.Now().UnixMilli() }
