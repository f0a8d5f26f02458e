package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/keyring"
)

// RegisterAgentRequest creates an AgentIdentity fiber for a wallet.
type RegisterAgentRequest struct {
	PrivateKey     string `json:"privateKey"`
	DisplayName    string `json:"displayName,omitempty"`
	Platform       string `json:"platform,omitempty"`
	PlatformUserID string `json:"platformUserId,omitempty"`
}

// RegisterAgentResult reports the new fiber and the signer's address.
type RegisterAgentResult struct {
	FiberID string `json:"fiberId"`
	Address string `json:"address"`
	Hash    string `json:"hash"`
}

// TransitionResult is the common success shape for transition operations.
type TransitionResult struct {
	Hash string `json:"hash"`
}

// RegisterAgent creates an AgentIdentity fiber in state REGISTERED, owned by
// the signing address.
func (e *Engine) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*RegisterAgentResult, *OpError) {
	kp, oerr := keypairFor(req.PrivateKey)
	if oerr != nil {
		return nil, oerr
	}
	wf, _ := e.registry.Get("AgentIdentity")

	fiberID := uuid.NewString()
	msg := chain.CreateStateMachine{
		FiberID:    fiberID,
		Definition: wf.ChainDefinition(),
		InitialData: map[string]interface{}{
			"schema":         "AgentIdentity",
			"owners":         []string{kp.Address},
			"displayName":    req.DisplayName,
			"platform":       req.Platform,
			"platformUserId": req.PlatformUserID,
			"registeredAt":   time.Now().UnixMilli(),
		},
	}
	resp, err := e.recon.Create(ctx, msg, kp)
	if err != nil {
		return nil, translate(err)
	}
	e.logger.Printf("✅ Registered agent %s on fiber %s", kp.Address, fiberID)
	return &RegisterAgentResult{FiberID: fiberID, Address: kp.Address, Hash: resp.Hash}, nil
}

// ActivateAgent fires the activate transition on an identity fiber.
func (e *Engine) ActivateAgent(ctx context.Context, privateKey, fiberID string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	if fiberID == "" {
		return nil, opErr(KindValidation, "fiberId is required")
	}
	return e.submitAs(ctx, kp, fiberID, "activate", map[string]interface{}{
		"activatedAt": time.Now().UnixMilli(),
	})
}

// WithdrawAgent retires an identity fiber. Used by population culling.
func (e *Engine) WithdrawAgent(ctx context.Context, privateKey, fiberID string) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	fiber, oerr := e.fetchFiber(ctx, fiberID)
	if oerr != nil {
		return nil, oerr
	}
	if !canWithdraw(fiber.CurrentState) {
		return nil, opErr(KindStateConflict, "cannot withdraw from state %s", fiber.CurrentState)
	}
	return e.submitAs(ctx, kp, fiberID, "withdraw", map[string]interface{}{
		"withdrawnAt": time.Now().UnixMilli(),
	})
}

func canWithdraw(state string) bool {
	return state == "ACTIVE" || state == "PROBATION"
}

// submitAs injects the acting agent into the payload and delegates to the
// reconciler. Guards on chain read event.agent, so every transition carries it.
func (e *Engine) submitAs(ctx context.Context, kp *keyring.KeyPair, fiberID, eventName string, payload map[string]interface{}) (*TransitionResult, *OpError) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["agent"] = kp.Address
	resp, err := e.recon.Submit(ctx, fiberID, eventName, payload, kp)
	if err != nil {
		return nil, translate(err)
	}
	return &TransitionResult{Hash: resp.Hash}, nil
}
