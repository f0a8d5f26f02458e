package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fibernet/backend/internal/chain"
)

// CreateFiberRequest instantiates an arbitrary state machine.
type CreateFiberRequest struct {
	PrivateKey  string                 `json:"privateKey"`
	FiberID     string                 `json:"fiberId,omitempty"`
	Definition  chain.Definition       `json:"definition"`
	InitialData map[string]interface{} `json:"initialData,omitempty"`
}

// CreateFiberResult reports the created fiber.
type CreateFiberResult struct {
	FiberID string `json:"fiberId"`
	Hash    string `json:"hash"`
}

// CreateFiber submits a generic CreateStateMachine for workflows outside the
// registry.
func (e *Engine) CreateFiber(ctx context.Context, req CreateFiberRequest) (*CreateFiberResult, *OpError) {
	kp, oerr := keypairFor(req.PrivateKey)
	if oerr != nil {
		return nil, oerr
	}
	if len(req.Definition.States) == 0 {
		return nil, opErr(KindValidation, "definition must declare states")
	}
	if _, ok := req.Definition.States[req.Definition.InitialState.Value]; !ok {
		return nil, opErr(KindValidation, "initial state %q not among states", req.Definition.InitialState.Value)
	}
	fiberID := req.FiberID
	if fiberID == "" {
		fiberID = uuid.NewString()
	}
	msg := chain.CreateStateMachine{
		FiberID:     fiberID,
		Definition:  req.Definition,
		InitialData: req.InitialData,
	}
	resp, err := e.recon.Create(ctx, msg, kp)
	if err != nil {
		return nil, translate(err)
	}
	return &CreateFiberResult{FiberID: fiberID, Hash: resp.Hash}, nil
}

// TransitionFiber submits a generic transition with the caller's address
// injected as the acting agent.
func (e *Engine) TransitionFiber(ctx context.Context, privateKey, fiberID, eventName string, payload map[string]interface{}) (*TransitionResult, *OpError) {
	kp, oerr := keypairFor(privateKey)
	if oerr != nil {
		return nil, oerr
	}
	if fiberID == "" || eventName == "" {
		return nil, opErr(KindValidation, "fiberId and eventName are required")
	}
	return e.submitAs(ctx, kp, fiberID, eventName, payload)
}

// WaitVisible blocks until the fiber shows up in the snapshot layer.
func (e *Engine) WaitVisible(ctx context.Context, fiberID string, timeout time.Duration) *OpError {
	if err := e.recon.WaitForFiberVisible(ctx, fiberID, timeout); err != nil {
		return &OpError{Kind: KindNotReady, Message: "fiber not visible before timeout", Err: err}
	}
	return nil
}
