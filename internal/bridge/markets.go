package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/workflows"
)

// CreateMarketRequest opens a market fiber in state PROPOSED.
type CreateMarketRequest struct {
	PrivateKey string                 `json:"privateKey"`
	MarketType workflows.MarketType   `json:"marketType"`
	Oracles    []string               `json:"oracles"`
	Quorum     int                    `json:"quorum"`
	Deadline   int64                  `json:"deadline,omitempty"`  // epoch millis, 0 = none
	Threshold  float64                `json:"threshold,omitempty"` // refund floor, 0 = none
	Terms      map[string]interface{} `json:"terms,omitempty"`
}

// CreateMarketResult reports the new market fiber.
type CreateMarketResult struct {
	FiberID string `json:"fiberId"`
	Hash    string `json:"hash"`
}

// ClaimResult reports a settled claim payout.
type ClaimResult struct {
	Hash   string  `json:"hash"`
	Amount float64 `json:"amount"`
}

// CreateMarket creates a market fiber of the requested flavor.
func (e *Engine) CreateMarket(ctx context.Context, req CreateMarketRequest) (*CreateMarketResult, *OpError) {
	kp, oerr := keypairFor(req.PrivateKey)
	if oerr != nil {
		return nil, oerr
	}
	wf := e.registry.Market(req.MarketType)
	if wf == nil {
		return nil, opErr(KindValidation, "unknown market type %q", req.MarketType)
	}
	if len(req.Oracles) == 0 {
		return nil, opErr(KindValidation, "at least one oracle is required")
	}
	if req.Quorum < 1 || req.Quorum > len(req.Oracles) {
		return nil, opErr(KindValidation, "quorum %d out of range for %d oracles", req.Quorum, len(req.Oracles))
	}

	fiberID := uuid.NewString()
	msg := chain.CreateStateMachine{
		FiberID:    fiberID,
		Definition: wf.ChainDefinition(),
		InitialData: map[string]interface{}{
			"schema":         "Market",
			"marketType":     string(req.MarketType),
			"creator":        kp.Address,
			"oracles":        req.Oracles,
			"quorum":         req.Quorum,
			"deadline":       req.Deadline,
			"threshold":      req.Threshold,
			"terms":          req.Terms,
			"commitments":    map[string]interface{}{},
			"totalCommitted": 0,
			"resolutions":    []interface{}{},
			"claims":         map[string]interface{}{},
			"createdAt":      time.Now().UnixMilli(),
		},
	}
	resp, err := e.recon.Create(ctx, msg, kp)
	if err != nil {
		return nil, translate(err)
	}
	return &CreateMarketResult{FiberID: fiberID, Hash: resp.Hash}, nil
}

// marketFor loads a market fiber and verifies its current state is one of
// wanted. On mismatch the current status is in the error body, never
// submitted upstream.
func (e *Engine) marketFor(ctx context.Context, fiberID string, wanted ...string) (*chain.Fiber, *MarketState, *OpError) {
	fiber, oerr := e.fetchFiber(ctx, fiberID)
	if oerr != nil {
		return nil, nil, oerr
	}
	for _, w := range wanted {
		if fiber.CurrentState == w {
			return fiber, parseMarket(fiber), nil
		}
	}
	return nil, nil, opErr(KindStateConflict, "market is %s, operation needs %v", fiber.CurrentState, wanted)
}

// OpenMarket moves PROPOSED to OPEN. Creator only.
func (e *Engine) OpenMarket(ctx context.Context, privateKey, fiberID string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	_, m, oerr := e.marketFor(ctx, fiberID, workflows.MarketProposed)
	if oerr != nil {
		return nil, oerr
	}
	if kp.Address != m.Creator {
		return nil, opErr(KindForbidden, "only the creator may open")
	}
	return e.submitAs(ctx, kp, fiberID, "open", map[string]interface{}{
		"openedAt": time.Now().UnixMilli(),
	})
}

// CommitMarket stakes an amount into an open market. Participants only; a
// passed deadline rejects the commit client-side.
func (e *Engine) CommitMarket(ctx context.Context, privateKey, fiberID string, amount float64, data map[string]interface{}) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	if amount <= 0 {
		return nil, opErr(KindValidation, "amount must be positive")
	}
	fiber, m, oerr := e.marketFor(ctx, fiberID, workflows.MarketOpen)
	if oerr != nil {
		return nil, oerr
	}
	if kp.Address == m.Creator {
		return nil, opErr(KindForbidden, "creator cannot commit to own market")
	}
	now := time.Now().UnixMilli()
	if m.Deadline > 0 && now >= m.Deadline {
		return nil, opErr(KindStateConflict, "market deadline passed")
	}

	prior := m.Commitments[kp.Address]
	merged := rawMap(fiber, "commitments")
	merged[kp.Address] = map[string]interface{}{
		"amount":       prior.Amount + amount,
		"data":         data,
		"lastCommitAt": now,
	}
	return e.submitAs(ctx, kp, fiberID, "commit", map[string]interface{}{
		"amount":         amount,
		"data":           data,
		"commitments":    merged,
		"totalCommitted": m.TotalCommitted + amount,
	})
}

// CloseMarket moves OPEN to CLOSED. The creator may close at any time; anyone
// may close once the deadline has passed, which is how the orchestrator
// auto-closes expired markets.
func (e *Engine) CloseMarket(ctx context.Context, privateKey, fiberID string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	_, m, oerr := e.marketFor(ctx, fiberID, workflows.MarketOpen)
	if oerr != nil {
		return nil, oerr
	}
	now := time.Now().UnixMilli()
	deadlinePassed := m.Deadline > 0 && now >= m.Deadline
	if kp.Address != m.Creator && !deadlinePassed {
		return nil, opErr(KindForbidden, "only the creator may close before the deadline")
	}
	return e.submitAs(ctx, kp, fiberID, "close", map[string]interface{}{
		"closedAt": now,
	})
}

// BeginResolution moves CLOSED to RESOLVING. Creator only.
func (e *Engine) BeginResolution(ctx context.Context, privateKey, fiberID string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	_, m, oerr := e.marketFor(ctx, fiberID, workflows.MarketClosed)
	if oerr != nil {
		return nil, oerr
	}
	if kp.Address != m.Creator {
		return nil, opErr(KindForbidden, "only the creator may begin resolution")
	}
	return e.submitAs(ctx, kp, fiberID, "begin_resolution", nil)
}

// SubmitResolution records one oracle's verdict. Each oracle resolves once.
func (e *Engine) SubmitResolution(ctx context.Context, privateKey, fiberID, outcome, proof string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	if outcome == "" {
		return nil, opErr(KindValidation, "outcome is required")
	}
	fiber, m, oerr := e.marketFor(ctx, fiberID, workflows.MarketResolving)
	if oerr != nil {
		return nil, oerr
	}
	if !contains(m.Oracles, kp.Address) {
		return nil, opErr(KindForbidden, "caller is not an oracle for this market")
	}
	if m.HasResolved(kp.Address) {
		return nil, opErr(KindStateConflict, "oracle already resolved")
	}

	entry := map[string]interface{}{
		"oracle":      kp.Address,
		"outcome":     outcome,
		"proof":       proof,
		"submittedAt": time.Now().UnixMilli(),
	}
	merged := append(rawList(fiber, "resolutions"), entry)
	return e.submitAs(ctx, kp, fiberID, "submit_resolution", map[string]interface{}{
		"outcome":     outcome,
		"proof":       proof,
		"resolutions": merged,
	})
}

// FinalizeMarket moves RESOLVING to SETTLED once quorum is met. Anyone may
// finalize; the majority verdict becomes the final outcome.
func (e *Engine) FinalizeMarket(ctx context.Context, privateKey, fiberID string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	_, m, oerr := e.marketFor(ctx, fiberID, workflows.MarketResolving)
	if oerr != nil {
		return nil, oerr
	}
	if len(m.Resolutions) < m.Quorum {
		return nil, opErr(KindStateConflict, "quorum not met (%d/%d resolutions)", len(m.Resolutions), m.Quorum)
	}
	return e.submitAs(ctx, kp, fiberID, "finalize", map[string]interface{}{
		"finalOutcome": m.MajorityOutcome(),
		"settledAt":    time.Now().UnixMilli(),
	})
}

// RefundMarket moves CLOSED to REFUNDED when the funding threshold was not
// reached by the deadline.
func (e *Engine) RefundMarket(ctx context.Context, privateKey, fiberID string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	_, m, oerr := e.marketFor(ctx, fiberID, workflows.MarketClosed)
	if oerr != nil {
		return nil, oerr
	}
	if m.Threshold <= 0 {
		return nil, opErr(KindStateConflict, "market has no refund threshold")
	}
	if m.TotalCommitted >= m.Threshold {
		return nil, opErr(KindStateConflict, "threshold met (%.2f >= %.2f), cannot refund", m.TotalCommitted, m.Threshold)
	}
	if m.Deadline > 0 && time.Now().UnixMilli() < m.Deadline {
		return nil, opErr(KindStateConflict, "deadline not reached")
	}
	return e.submitAs(ctx, kp, fiberID, "refund", map[string]interface{}{
		"refundedAt": time.Now().UnixMilli(),
	})
}

// ClaimMarket pays out one participant after settlement or refund. Losing
// claims succeed with amount zero and are still recorded.
func (e *Engine) ClaimMarket(ctx context.Context, privateKey, fiberID string) (*ClaimResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	fiber, m, oerr := e.marketFor(ctx, fiberID, workflows.MarketSettled, workflows.MarketRefunded)
	if oerr != nil {
		return nil, oerr
	}
	if _, ok := m.Commitments[kp.Address]; !ok {
		return nil, opErr(KindForbidden, "caller has no commitment in this market")
	}
	if _, claimed := m.Claims[kp.Address]; claimed {
		return nil, opErr(KindStateConflict, "already claimed")
	}

	amount := m.ClaimAmount(kp.Address, fiber.CurrentState)
	merged := rawMap(fiber, "claims")
	merged[kp.Address] = map[string]interface{}{
		"amount":    amount,
		"claimedAt": time.Now().UnixMilli(),
	}
	res, oerr := e.submitAs(ctx, kp, fiberID, "claim", map[string]interface{}{
		"amount": amount,
		"claims": merged,
	})
	if oerr != nil {
		return nil, oerr
	}
	return &ClaimResult{Hash: res.Hash, Amount: amount}, nil
}

// CancelMarket aborts a market before resolution. Creator only.
func (e *Engine) CancelMarket(ctx context.Context, privateKey, fiberID string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	_, m, oerr := e.marketFor(ctx, fiberID, workflows.MarketProposed, workflows.MarketOpen)
	if oerr != nil {
		return nil, oerr
	}
	if kp.Address != m.Creator {
		return nil, opErr(KindForbidden, "only the creator may cancel")
	}
	return e.submitAs(ctx, kp, fiberID, "cancel", map[string]interface{}{
		"cancelledAt": time.Now().UnixMilli(),
	})
}

// rawMap returns a shallow copy of a map-valued stateData field.
func rawMap(fiber *chain.Fiber, key string) map[string]interface{} {
	out := map[string]interface{}{}
	if fiber.StateData == nil {
		return out
	}
	if src, ok := fiber.StateData[key].(map[string]interface{}); ok {
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}

// rawList returns a copy of a list-valued stateData field.
func rawList(fiber *chain.Fiber, key string) []interface{} {
	if fiber.StateData == nil {
		return nil
	}
	src, _ := fiber.StateData[key].([]interface{})
	out := make([]interface{}, len(src))
	copy(out, src)
	return out
}
