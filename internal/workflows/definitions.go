package workflows

import (
	"encoding/json"
	"fmt"

	"github.com/fibernet/backend/internal/chain"
)

// ChainDefinition builds the on-chain state machine definition for a
// workflow. Guards and effects are JSON expression trees evaluated only by
// the metagraph; the client emits them once at creation and treats them as
// opaque afterwards.
func (w *Workflow) ChainDefinition() chain.Definition {
	states := make(map[string]chain.StateSpec, len(w.States))
	for _, s := range w.States {
		states[s] = chain.StateSpec{
			ID:      chain.StateID{Value: s},
			IsFinal: w.IsFinal(s),
		}
	}

	transitions := make([]chain.TransitionSpec, 0, len(w.Transitions))
	for _, t := range w.Transitions {
		transitions = append(transitions, chain.TransitionSpec{
			From:      chain.StateID{Value: t.From},
			To:        chain.StateID{Value: t.To},
			EventName: t.EventName,
			Guard:     roleGuard(t.Role),
			Effect:    mergeEffect(),
		})
	}

	schema := string(w.Kind)
	if w.Kind == KindCustom {
		schema = w.Name
	}
	return chain.Definition{
		States:       states,
		InitialState: chain.StateID{Value: w.InitialState},
		Transitions:  transitions,
		Metadata: chain.DefinitionMetadata{
			Name:        w.Name,
			Description: fmt.Sprintf("%s workflow", schema),
			Version:     "1.0.0",
		},
	}
}

// roleGuard renders the role requirement as a guard expression over the
// fiber's stateData and the incoming event.
func roleGuard(role string) json.RawMessage {
	switch role {
	case RoleOwner:
		return expr(`{"in":[{"var":"event.agent"},{"var":"state.owners"}]}`)
	case RoleProposer:
		return expr(`{"==":[{"var":"event.agent"},{"var":"state.proposer"}]}`)
	case RoleCounterparty:
		return expr(`{"==":[{"var":"event.agent"},{"var":"state.counterparty"}]}`)
	case RoleCreator:
		return expr(`{"==":[{"var":"event.agent"},{"var":"state.creator"}]}`)
	case RoleParticipant:
		return expr(`{"!":[{"==":[{"var":"event.agent"},{"var":"state.creator"}]}]}`)
	case RoleOracle:
		return expr(`{"in":[{"var":"event.agent"},{"var":"state.oracles"}]}`)
	default:
		return expr(`{"==":[true,true]}`)
	}
}

// mergeEffect folds the event payload into stateData and stamps the time.
func mergeEffect() json.RawMessage {
	return expr(`{"merge":[{"var":"state"},{"var":"event"},{"updatedAt":{"var":"$timestamp"}}]}`)
}

func expr(s string) json.RawMessage { return json.RawMessage(s) }
