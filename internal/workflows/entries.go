package workflows

import "fmt"

// Agent lifecycle states.
const (
	AgentUnregistered = "UNREGISTERED"
	AgentRegistered   = "REGISTERED"
	AgentActive       = "ACTIVE"
	AgentChallenged   = "CHALLENGED"
	AgentSuspended    = "SUSPENDED"
	AgentProbation    = "PROBATION"
	AgentWithdrawn    = "WITHDRAWN"
)

// Contract lifecycle states.
const (
	ContractProposed  = "PROPOSED"
	ContractActive    = "ACTIVE"
	ContractCompleted = "COMPLETED"
	ContractRejected  = "REJECTED"
	ContractDisputed  = "DISPUTED"
)

// Market lifecycle states, shared by every market flavor.
const (
	MarketProposed  = "PROPOSED"
	MarketOpen      = "OPEN"
	MarketClosed    = "CLOSED"
	MarketResolving = "RESOLVING"
	MarketSettled   = "SETTLED"
	MarketRefunded  = "REFUNDED"
	MarketCancelled = "CANCELLED"
)

func agentIdentityWorkflow() *Workflow {
	return &Workflow{
		Name:         "AgentIdentity",
		Kind:         KindAgentIdentity,
		Roles:        []string{RoleOwner, RoleAnyone},
		States:       []string{AgentRegistered, AgentActive, AgentChallenged, AgentSuspended, AgentProbation, AgentWithdrawn},
		InitialState: AgentRegistered,
		FinalStates:  []string{AgentWithdrawn},
		Transitions: []Transition{
			{From: AgentRegistered, To: AgentActive, EventName: "activate", Role: RoleOwner, BaseWeight: 0.9},
			{From: AgentActive, To: AgentActive, EventName: "vouch", Role: RoleOwner, BaseWeight: 0.5,
				Payload: func(pc PayloadContext) map[string]interface{} {
					return map[string]interface{}{"vouchedAt": pc.NowMillis}
				}},
			{From: AgentActive, To: AgentChallenged, EventName: "challenge", Role: RoleAnyone, BaseWeight: 0.1,
				Payload: func(pc PayloadContext) map[string]interface{} {
					return map[string]interface{}{"reason": "conduct_review", "challengedAt": pc.NowMillis}
				}},
			{From: AgentChallenged, To: AgentActive, EventName: "resolve_challenge", Role: RoleOwner, BaseWeight: 0.7},
			{From: AgentChallenged, To: AgentSuspended, EventName: "suspend", Role: RoleAnyone, BaseWeight: 0.2},
			{From: AgentSuspended, To: AgentProbation, EventName: "reinstate", Role: RoleOwner, BaseWeight: 0.5},
			{From: AgentProbation, To: AgentActive, EventName: "clear_probation", Role: RoleOwner, BaseWeight: 0.6},
			{From: AgentActive, To: AgentWithdrawn, EventName: "withdraw", Role: RoleOwner, BaseWeight: 0.05},
			{From: AgentProbation, To: AgentWithdrawn, EventName: "withdraw", Role: RoleOwner, BaseWeight: 0.15},
		},
	}
}

func contractWorkflow() *Workflow {
	return &Workflow{
		Name:         "Contract",
		Kind:         KindContract,
		Roles:        []string{RoleProposer, RoleCounterparty},
		States:       []string{ContractProposed, ContractActive, ContractCompleted, ContractRejected, ContractDisputed},
		InitialState: ContractProposed,
		FinalStates:  []string{ContractCompleted, ContractRejected},
		Transitions: []Transition{
			{From: ContractProposed, To: ContractActive, EventName: "accept", Role: RoleCounterparty, BaseWeight: 0.7},
			{From: ContractProposed, To: ContractRejected, EventName: "reject", Role: RoleCounterparty, BaseWeight: 0.2,
				Payload: func(pc PayloadContext) map[string]interface{} {
					return map[string]interface{}{"reason": "terms_declined"}
				}},
			// complete is self-looping: each party records its completion
			// proof; finalize closes once both sides have completed.
			{From: ContractActive, To: ContractActive, EventName: "complete", Role: RoleProposer, BaseWeight: 0.6,
				Payload: completionPayload},
			{From: ContractActive, To: ContractActive, EventName: "complete", Role: RoleCounterparty, BaseWeight: 0.6,
				Payload: completionPayload},
			{From: ContractActive, To: ContractCompleted, EventName: "finalize", Role: RoleProposer, BaseWeight: 0.5},
			{From: ContractActive, To: ContractDisputed, EventName: "dispute", Role: RoleCounterparty, BaseWeight: 0.1,
				Payload: func(pc PayloadContext) map[string]interface{} {
					return map[string]interface{}{"reason": "deliverable_mismatch", "disputedAt": pc.NowMillis}
				}},
			{From: ContractDisputed, To: ContractCompleted, EventName: "finalize", Role: RoleProposer, BaseWeight: 0.3},
			{From: ContractDisputed, To: ContractRejected, EventName: "reject", Role: RoleCounterparty, BaseWeight: 0.3},
		},
	}
}

func completionPayload(pc PayloadContext) map[string]interface{} {
	return map[string]interface{}{
		"proof":       fmt.Sprintf("proof-%d", pc.NowMillis),
		"completedAt": pc.NowMillis,
	}
}

func marketWorkflow(mt MarketType) *Workflow {
	return &Workflow{
		Name:         "Market:" + string(mt),
		Kind:         KindMarket,
		MarketType:   mt,
		Roles:        []string{RoleCreator, RoleParticipant, RoleOracle},
		States:       []string{MarketProposed, MarketOpen, MarketClosed, MarketResolving, MarketSettled, MarketRefunded, MarketCancelled},
		InitialState: MarketProposed,
		FinalStates:  []string{MarketSettled, MarketRefunded, MarketCancelled},
		Transitions: []Transition{
			{From: MarketProposed, To: MarketOpen, EventName: "open", Role: RoleCreator, BaseWeight: 0.9},
			{From: MarketProposed, To: MarketCancelled, EventName: "cancel", Role: RoleCreator, BaseWeight: 0.05},
			{From: MarketOpen, To: MarketOpen, EventName: "commit", Role: RoleParticipant, BaseWeight: 0.8,
				Payload: commitPayload(mt)},
			{From: MarketOpen, To: MarketClosed, EventName: "close", Role: RoleCreator, BaseWeight: 0.3},
			{From: MarketOpen, To: MarketCancelled, EventName: "cancel", Role: RoleCreator, BaseWeight: 0.02},
			{From: MarketClosed, To: MarketResolving, EventName: "begin_resolution", Role: RoleCreator, BaseWeight: 0.8},
			// Only oracles who have not yet resolved may submit; the bridge
			// pre-check enforces the one-resolution-per-oracle rule.
			{From: MarketResolving, To: MarketResolving, EventName: "submit_resolution", Role: RoleOracle, BaseWeight: 0.8,
				Payload: resolutionPayload(mt)},
			{From: MarketResolving, To: MarketSettled, EventName: "finalize", Role: RoleAnyone, BaseWeight: 0.6},
			{From: MarketClosed, To: MarketRefunded, EventName: "refund", Role: RoleAnyone, BaseWeight: 0.3},
			{From: MarketSettled, To: MarketSettled, EventName: "claim", Role: RoleParticipant, BaseWeight: 0.9},
			{From: MarketRefunded, To: MarketRefunded, EventName: "claim", Role: RoleParticipant, BaseWeight: 0.9},
		},
	}
}

func commitPayload(mt MarketType) PayloadGenerator {
	return func(pc PayloadContext) map[string]interface{} {
		amount := float64(10 + pc.Rand.Intn(190))
		payload := map[string]interface{}{"amount": amount}
		switch mt {
		case MarketPrediction:
			outcome := "YES"
			if pc.Rand.Float64() < 0.5 {
				outcome = "NO"
			}
			payload["data"] = map[string]interface{}{"outcome": outcome}
		case MarketAuction:
			payload["data"] = map[string]interface{}{"bid": amount}
		case MarketCrowdfund:
			payload["data"] = map[string]interface{}{"pledgedAt": pc.NowMillis}
		case MarketGroupBuy:
			payload["data"] = map[string]interface{}{"quantity": 1 + pc.Rand.Intn(5)}
		}
		return payload
	}
}

func resolutionPayload(mt MarketType) PayloadGenerator {
	return func(pc PayloadContext) map[string]interface{} {
		outcome := "FULFILLED"
		if mt == MarketPrediction {
			outcome = "YES"
			if pc.Rand.Float64() < 0.5 {
				outcome = "NO"
			}
		}
		return map[string]interface{}{
			"outcome": outcome,
			"proof":   fmt.Sprintf("oracle-proof-%d", pc.NowMillis),
		}
	}
}

func votingWorkflow() *Workflow {
	return &Workflow{
		Name:         "Voting",
		Kind:         KindCustom,
		Roles:        []string{RoleCreator, RoleParticipant},
		States:       []string{"CREATED", "OPEN", "CLOSED", "TALLIED"},
		InitialState: "CREATED",
		FinalStates:  []string{"TALLIED"},
		Transitions: []Transition{
			{From: "CREATED", To: "OPEN", EventName: "open_voting", Role: RoleCreator, BaseWeight: 0.9},
			{From: "OPEN", To: "OPEN", EventName: "cast_vote", Role: RoleParticipant, BaseWeight: 0.8,
				Payload: func(pc PayloadContext) map[string]interface{} {
					choice := "FOR"
					if pc.Rand.Float64() < 0.4 {
						choice = "AGAINST"
					}
					return map[string]interface{}{"choice": choice}
				}},
			{From: "OPEN", To: "CLOSED", EventName: "close_voting", Role: RoleCreator, BaseWeight: 0.3},
			{From: "CLOSED", To: "TALLIED", EventName: "tally", Role: RoleAnyone, BaseWeight: 0.9},
		},
	}
}

func tokenEscrowWorkflow() *Workflow {
	return &Workflow{
		Name:         "TokenEscrow",
		Kind:         KindCustom,
		Roles:        []string{RoleProposer, RoleCounterparty},
		States:       []string{"CREATED", "FUNDED", "RELEASED", "REFUNDED"},
		InitialState: "CREATED",
		FinalStates:  []string{"RELEASED", "REFUNDED"},
		Transitions: []Transition{
			{From: "CREATED", To: "FUNDED", EventName: "fund", Role: RoleProposer, BaseWeight: 0.8,
				Payload: func(pc PayloadContext) map[string]interface{} {
					return map[string]interface{}{"amount": float64(50 + pc.Rand.Intn(450))}
				}},
			{From: "FUNDED", To: "RELEASED", EventName: "release", Role: RoleProposer, BaseWeight: 0.6},
			{From: "FUNDED", To: "REFUNDED", EventName: "refund", Role: RoleCounterparty, BaseWeight: 0.2},
		},
	}
}

func ticTacToeWorkflow() *Workflow {
	return &Workflow{
		Name:         "TicTacToe",
		Kind:         KindCustom,
		Roles:        []string{RoleProposer, RoleCounterparty},
		States:       []string{"WAITING", "IN_PROGRESS", "FINISHED"},
		InitialState: "WAITING",
		FinalStates:  []string{"FINISHED"},
		Transitions: []Transition{
			{From: "WAITING", To: "IN_PROGRESS", EventName: "join", Role: RoleCounterparty, BaseWeight: 0.9},
			{From: "IN_PROGRESS", To: "IN_PROGRESS", EventName: "move", Role: RoleAnyone, BaseWeight: 0.8,
				Payload: func(pc PayloadContext) map[string]interface{} {
					return map[string]interface{}{"cell": pc.Rand.Intn(9)}
				}},
			{From: "IN_PROGRESS", To: "FINISHED", EventName: "resign", Role: RoleAnyone, BaseWeight: 0.1},
		},
	}
}

func approvalWorkflow() *Workflow {
	return &Workflow{
		Name:         "Approval",
		Kind:         KindCustom,
		Roles:        []string{RoleProposer, RoleCounterparty},
		States:       []string{"PENDING", "APPROVED", "REJECTED"},
		InitialState: "PENDING",
		FinalStates:  []string{"APPROVED", "REJECTED"},
		Transitions: []Transition{
			{From: "PENDING", To: "APPROVED", EventName: "approve", Role: RoleCounterparty, BaseWeight: 0.7},
			{From: "PENDING", To: "REJECTED", EventName: "reject", Role: RoleCounterparty, BaseWeight: 0.3},
		},
	}
}
