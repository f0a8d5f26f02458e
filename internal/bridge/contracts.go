package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/workflows"
)

// ProposeContractRequest opens a contract between the signer and a
// counterparty.
type ProposeContractRequest struct {
	PrivateKey   string                 `json:"privateKey"`
	Counterparty string                 `json:"counterparty"`
	Terms        map[string]interface{} `json:"terms"`
}

// ProposeContractResult reports the new contract fiber.
type ProposeContractResult struct {
	FiberID string `json:"fiberId"`
	Hash    string `json:"hash"`
}

// ProposeContract creates a Contract fiber in state PROPOSED.
func (e *Engine) ProposeContract(ctx context.Context, req ProposeContractRequest) (*ProposeContractResult, *OpError) {
	kp, oerr := keypairFor(req.PrivateKey)
	if oerr != nil {
		return nil, oerr
	}
	if req.Counterparty == "" {
		return nil, opErr(KindValidation, "counterparty is required")
	}
	if req.Counterparty == kp.Address {
		return nil, opErr(KindValidation, "counterparty must differ from proposer")
	}
	wf, _ := e.registry.Get("Contract")

	fiberID := uuid.NewString()
	msg := chain.CreateStateMachine{
		FiberID:    fiberID,
		Definition: wf.ChainDefinition(),
		InitialData: map[string]interface{}{
			"schema":       "Contract",
			"proposer":     kp.Address,
			"counterparty": req.Counterparty,
			"terms":        req.Terms,
			"owners":       []string{kp.Address, req.Counterparty},
			"completions":  []interface{}{},
			"proposedAt":   time.Now().UnixMilli(),
		},
	}
	resp, err := e.recon.Create(ctx, msg, kp)
	if err != nil {
		return nil, translate(err)
	}
	return &ProposeContractResult{FiberID: fiberID, Hash: resp.Hash}, nil
}

// AcceptContract moves PROPOSED to ACTIVE. Only the counterparty may accept;
// the pre-check fails without a network submission.
func (e *Engine) AcceptContract(ctx context.Context, privateKey, fiberID string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	fiber, oerr := e.fetchFiber(ctx, fiberID)
	if oerr != nil {
		return nil, oerr
	}
	if fiber.CurrentState != workflows.ContractProposed {
		return nil, opErr(KindStateConflict, "contract is %s, expected %s", fiber.CurrentState, workflows.ContractProposed)
	}
	if kp.Address != stateString(fiber, "counterparty") {
		return nil, opErr(KindForbidden, "only the counterparty may accept")
	}
	return e.submitAs(ctx, kp, fiberID, "accept", map[string]interface{}{
		"acceptedAt": time.Now().UnixMilli(),
	})
}

// RejectContract declines a proposal or a disputed contract. Counterparty only.
func (e *Engine) RejectContract(ctx context.Context, privateKey, fiberID, reason string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	fiber, oerr := e.fetchFiber(ctx, fiberID)
	if oerr != nil {
		return nil, oerr
	}
	if fiber.CurrentState != workflows.ContractProposed && fiber.CurrentState != workflows.ContractDisputed {
		return nil, opErr(KindStateConflict, "contract is %s, cannot reject", fiber.CurrentState)
	}
	if kp.Address != stateString(fiber, "counterparty") {
		return nil, opErr(KindForbidden, "only the counterparty may reject")
	}
	if reason == "" {
		reason = "terms_declined"
	}
	return e.submitAs(ctx, kp, fiberID, "reject", map[string]interface{}{
		"reason":     reason,
		"rejectedAt": time.Now().UnixMilli(),
	})
}

// CompleteContract records one party's completion proof. Either party may
// complete once; the merged completions list feeds the finalize pre-check.
func (e *Engine) CompleteContract(ctx context.Context, privateKey, fiberID, proof string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	fiber, oerr := e.fetchFiber(ctx, fiberID)
	if oerr != nil {
		return nil, oerr
	}
	if fiber.CurrentState != workflows.ContractActive {
		return nil, opErr(KindStateConflict, "contract is %s, expected %s", fiber.CurrentState, workflows.ContractActive)
	}
	if kp.Address != stateString(fiber, "proposer") && kp.Address != stateString(fiber, "counterparty") {
		return nil, opErr(KindForbidden, "caller is not a contract party")
	}
	completions := completionList(fiber)
	for _, c := range completions {
		if c == kp.Address {
			return nil, opErr(KindStateConflict, "party already submitted completion")
		}
	}

	entry := map[string]interface{}{
		"agent":       kp.Address,
		"proof":       proof,
		"completedAt": time.Now().UnixMilli(),
	}
	// The on-chain effect merges the event into stateData, so the client
	// carries the whole appended list.
	merged := append(rawCompletions(fiber), entry)
	return e.submitAs(ctx, kp, fiberID, "complete", map[string]interface{}{
		"proof":       proof,
		"completions": merged,
	})
}

// DisputeContract flags an active contract. Counterparty only.
func (e *Engine) DisputeContract(ctx context.Context, privateKey, fiberID, reason string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	fiber, oerr := e.fetchFiber(ctx, fiberID)
	if oerr != nil {
		return nil, oerr
	}
	if fiber.CurrentState != workflows.ContractActive {
		return nil, opErr(KindStateConflict, "contract is %s, expected %s", fiber.CurrentState, workflows.ContractActive)
	}
	if kp.Address != stateString(fiber, "counterparty") {
		return nil, opErr(KindForbidden, "only the counterparty may dispute")
	}
	return e.submitAs(ctx, kp, fiberID, "dispute", map[string]interface{}{
		"reason":     reason,
		"disputedAt": time.Now().UnixMilli(),
	})
}

// FinalizeContract closes an active or disputed contract. Proposer only.
// From ACTIVE, both parties must have previously submitted completions.
func (e *Engine) FinalizeContract(ctx context.Context, privateKey, fiberID string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	fiber, oerr := e.fetchFiber(ctx, fiberID)
	if oerr != nil {
		return nil, oerr
	}
	if fiber.CurrentState != workflows.ContractActive && fiber.CurrentState != workflows.ContractDisputed {
		return nil, opErr(KindStateConflict, "contract is %s, cannot finalize", fiber.CurrentState)
	}
	if kp.Address != stateString(fiber, "proposer") {
		return nil, opErr(KindForbidden, "only the proposer may finalize")
	}
	if fiber.CurrentState == workflows.ContractActive {
		done := completionList(fiber)
		if !contains(done, stateString(fiber, "proposer")) || !contains(done, stateString(fiber, "counterparty")) {
			return nil, opErr(KindStateConflict, "both parties must complete before finalize (%d/2)", len(done))
		}
	}
	return e.submitAs(ctx, kp, fiberID, "finalize", map[string]interface{}{
		"finalizedAt": time.Now().UnixMilli(),
	})
}

// rawCompletions returns the stored completions entries as-is.
func rawCompletions(fiber *chain.Fiber) []interface{} {
	if fiber.StateData == nil {
		return nil
	}
	list, _ := fiber.StateData["completions"].([]interface{})
	return list
}

// completionList returns the distinct agents that have completed.
func completionList(fiber *chain.Fiber) []string {
	var out []string
	for _, raw := range rawCompletions(fiber) {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if agent, _ := m["agent"].(string); agent != "" && !contains(out, agent) {
			out = append(out, agent)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
