package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/keyring"
	"github.com/fibernet/backend/internal/reconciler"
	"github.com/fibernet/backend/internal/workflows"
)

// fakeChain is an in-memory stand-in for the reconciler plus snapshot reads.
// It applies transitions through the workflow registry the way the metagraph
// would and counts writes so tests can prove pre-checks never hit the
// network.
type fakeChain struct {
	mu       sync.Mutex
	registry *workflows.Registry
	fibers   map[string]map[string]interface{} // fiberID -> {state, data}
	creates  int
	submits  int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		registry: workflows.NewRegistry(),
		fibers:   make(map[string]map[string]interface{}),
	}
}

func (f *fakeChain) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + f.submits
}

func (f *fakeChain) Create(ctx context.Context, msg chain.CreateStateMachine, signer reconciler.Signer) (*chain.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.fibers[msg.FiberID] = map[string]interface{}{
		"state": msg.Definition.InitialState.Value,
		"seq":   float64(0),
		"data":  msg.InitialData,
	}
	return &chain.SubmitResponse{Hash: fmt.Sprintf("hash-create-%d", f.creates)}, nil
}

func (f *fakeChain) Submit(ctx context.Context, fiberID, eventName string, payload map[string]interface{}, signer reconciler.Signer) (*chain.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	rec, ok := f.fibers[fiberID]
	if !ok {
		return nil, reconciler.ErrNotReady
	}
	state := rec["state"].(string)
	data := rec["data"].(map[string]interface{})

	wf := f.workflowFor(data)
	if wf == nil {
		return nil, fmt.Errorf("no workflow for fiber %s", fiberID)
	}
	var applied bool
	for _, tr := range wf.Transitions {
		if tr.From == state && tr.EventName == eventName {
			rec["state"] = tr.To
			applied = true
			break
		}
	}
	if !applied {
		return nil, fmt.Errorf("event %s not legal from %s", eventName, state)
	}
	for k, v := range payload {
		data[k] = v
	}
	rec["seq"] = rec["seq"].(float64) + 1
	return &chain.SubmitResponse{Hash: fmt.Sprintf("hash-submit-%d", f.submits)}, nil
}

func (f *fakeChain) workflowFor(data map[string]interface{}) *workflows.Workflow {
	schema, _ := data["schema"].(string)
	if schema == "Market" {
		mt, _ := data["marketType"].(string)
		return f.registry.Market(workflows.MarketType(mt))
	}
	wf, _ := f.registry.Get(schema)
	return wf
}

// GetStateMachine returns a JSON round-trip copy so numbers arrive as
// float64, matching real snapshot reads.
func (f *fakeChain) GetStateMachine(ctx context.Context, fiberID string) (*chain.Fiber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.fibers[fiberID]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	raw, err := json.Marshal(rec["data"])
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return &chain.Fiber{
		FiberID:        fiberID,
		CurrentState:   rec["state"].(string),
		StateData:      data,
		SequenceNumber: uint64(rec["seq"].(float64)),
	}, nil
}

func (f *fakeChain) WaitForFiberVisible(ctx context.Context, fiberID string, timeout time.Duration) error {
	return nil
}

func (f *fakeChain) WaitForSequence(ctx context.Context, fiberID string, minSeq uint64, timeout time.Duration) error {
	return nil
}

func (f *fakeChain) currentState(fiberID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fibers[fiberID]["state"].(string)
}

func newTestEngine(t *testing.T) (*Engine, *fakeChain) {
	t.Helper()
	fake := newFakeChain()
	return NewEngine(fake, fake, workflows.NewRegistry()), fake
}

func mustKey(t *testing.T) *keyring.KeyPair {
	t.Helper()
	kp, err := keyring.Generate()
	require.NoError(t, err)
	return kp
}

func TestContractHappyPath(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()
	a, b := mustKey(t), mustKey(t)

	prop, oerr := e.ProposeContract(ctx, ProposeContractRequest{
		PrivateKey:   a.PrivateKeyHex(),
		Counterparty: b.Address,
		Terms:        map[string]interface{}{"task": "x", "value": 100},
	})
	require.Nil(t, oerr)
	require.NotEmpty(t, prop.Hash)

	_, oerr = e.AcceptContract(ctx, b.PrivateKeyHex(), prop.FiberID)
	require.Nil(t, oerr)
	assert.Equal(t, workflows.ContractActive, fake.currentState(prop.FiberID))

	_, oerr = e.CompleteContract(ctx, a.PrivateKeyHex(), prop.FiberID, "p1")
	require.Nil(t, oerr)
	_, oerr = e.CompleteContract(ctx, b.PrivateKeyHex(), prop.FiberID, "p2")
	require.Nil(t, oerr)

	_, oerr = e.FinalizeContract(ctx, a.PrivateKeyHex(), prop.FiberID)
	require.Nil(t, oerr)
	assert.Equal(t, workflows.ContractCompleted, fake.currentState(prop.FiberID))

	fiber, err := fake.GetStateMachine(ctx, prop.FiberID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(rawCompletions(fiber)), 2)
}

func TestAcceptRequiresCounterparty(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()
	a, b := mustKey(t), mustKey(t)

	prop, oerr := e.ProposeContract(ctx, ProposeContractRequest{
		PrivateKey:   a.PrivateKeyHex(),
		Counterparty: b.Address,
	})
	require.Nil(t, oerr)

	before := fake.writes()
	_, oerr = e.AcceptContract(ctx, a.PrivateKeyHex(), prop.FiberID)
	require.NotNil(t, oerr)
	assert.Equal(t, KindForbidden, oerr.Kind)
	assert.Equal(t, 403, oerr.Kind.HTTPStatus())
	assert.Equal(t, before, fake.writes(), "role pre-check must not submit")
}

func TestFinalizeNeedsBothCompletions(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()
	a, b := mustKey(t), mustKey(t)

	prop, _ := e.ProposeContract(ctx, ProposeContractRequest{PrivateKey: a.PrivateKeyHex(), Counterparty: b.Address})
	_, oerr := e.AcceptContract(ctx, b.PrivateKeyHex(), prop.FiberID)
	require.Nil(t, oerr)
	_, oerr = e.CompleteContract(ctx, a.PrivateKeyHex(), prop.FiberID, "p1")
	require.Nil(t, oerr)

	before := fake.writes()
	_, oerr = e.FinalizeContract(ctx, a.PrivateKeyHex(), prop.FiberID)
	require.NotNil(t, oerr)
	assert.Equal(t, KindStateConflict, oerr.Kind)
	assert.Equal(t, before, fake.writes())

	// Double completion by the same party is also refused.
	_, oerr = e.CompleteContract(ctx, a.PrivateKeyHex(), prop.FiberID, "p1-again")
	require.NotNil(t, oerr)
	assert.Equal(t, KindStateConflict, oerr.Kind)
}

func TestPredictionMarketSettlement(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()
	creator, oracle := mustKey(t), mustKey(t)
	p1, p2, p3 := mustKey(t), mustKey(t), mustKey(t)

	mkt, oerr := e.CreateMarket(ctx, CreateMarketRequest{
		PrivateKey: creator.PrivateKeyHex(),
		MarketType: workflows.MarketPrediction,
		Oracles:    []string{oracle.Address},
		Quorum:     1,
	})
	require.Nil(t, oerr)

	_, oerr = e.OpenMarket(ctx, creator.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)

	commit := func(kp *keyring.KeyPair, amount float64, outcome string) {
		t.Helper()
		_, oerr := e.CommitMarket(ctx, kp.PrivateKeyHex(), mkt.FiberID, amount, map[string]interface{}{"outcome": outcome})
		require.Nil(t, oerr)
	}
	commit(p1, 100, "YES")
	commit(p2, 50, "YES")
	commit(p3, 200, "NO")

	_, oerr = e.CloseMarket(ctx, creator.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)
	_, oerr = e.BeginResolution(ctx, creator.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)

	// Finalize before quorum is a state conflict.
	_, oerr = e.FinalizeMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID)
	require.NotNil(t, oerr)
	assert.Equal(t, KindStateConflict, oerr.Kind)

	_, oerr = e.SubmitResolution(ctx, oracle.PrivateKeyHex(), mkt.FiberID, "YES", "observed")
	require.Nil(t, oerr)
	_, oerr = e.SubmitResolution(ctx, oracle.PrivateKeyHex(), mkt.FiberID, "YES", "again")
	require.NotNil(t, oerr, "one resolution per oracle")

	_, oerr = e.FinalizeMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)
	assert.Equal(t, workflows.MarketSettled, fake.currentState(mkt.FiberID))

	// Losing pool 200, fee 2%, split 100:50 across the winners.
	c1, oerr := e.ClaimMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)
	assert.InDelta(t, 100+200*0.98*(100.0/150.0), c1.Amount, 1e-9)

	c2, oerr := e.ClaimMarket(ctx, p2.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)
	assert.InDelta(t, 50+200*0.98*(50.0/150.0), c2.Amount, 1e-9)

	c3, oerr := e.ClaimMarket(ctx, p3.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)
	assert.Zero(t, c3.Amount, "losing claims pay zero")

	_, oerr = e.ClaimMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID)
	require.NotNil(t, oerr)
	assert.Equal(t, KindStateConflict, oerr.Kind, "double claim refused")
}

func TestCrowdfundRefundBelowThreshold(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()
	creator, p1 := mustKey(t), mustKey(t)

	deadline := time.Now().Add(80 * time.Millisecond).UnixMilli()
	mkt, oerr := e.CreateMarket(ctx, CreateMarketRequest{
		PrivateKey: creator.PrivateKeyHex(),
		MarketType: workflows.MarketCrowdfund,
		Oracles:    []string{creator.Address},
		Quorum:     1,
		Deadline:   deadline,
		Threshold:  500,
	})
	require.Nil(t, oerr)
	_, oerr = e.OpenMarket(ctx, creator.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)

	_, oerr = e.CommitMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID, 120, nil)
	require.Nil(t, oerr)

	// Refund before the deadline is refused.
	_, oerr = e.CloseMarket(ctx, creator.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)
	_, oerr = e.RefundMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID)
	require.NotNil(t, oerr)
	assert.Equal(t, KindStateConflict, oerr.Kind)

	time.Sleep(100 * time.Millisecond)
	_, oerr = e.RefundMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)
	assert.Equal(t, workflows.MarketRefunded, fake.currentState(mkt.FiberID))

	claim, oerr := e.ClaimMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)
	assert.InDelta(t, 120, claim.Amount, 1e-9, "refund returns full stake")
}

func TestCommitPreChecks(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()
	creator, p1 := mustKey(t), mustKey(t)

	mkt, oerr := e.CreateMarket(ctx, CreateMarketRequest{
		PrivateKey: creator.PrivateKeyHex(),
		MarketType: workflows.MarketAuction,
		Oracles:    []string{creator.Address},
		Quorum:     1,
		Deadline:   time.Now().Add(-time.Second).UnixMilli(),
	})
	require.Nil(t, oerr)
	_, oerr = e.OpenMarket(ctx, creator.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)

	before := fake.writes()
	_, oerr = e.CommitMarket(ctx, creator.PrivateKeyHex(), mkt.FiberID, 10, nil)
	require.NotNil(t, oerr)
	assert.Equal(t, KindForbidden, oerr.Kind, "creator cannot commit")

	_, oerr = e.CommitMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID, 10, nil)
	require.NotNil(t, oerr)
	assert.Equal(t, KindStateConflict, oerr.Kind, "deadline passed")
	assert.Equal(t, before, fake.writes())

	// Expired markets close by anyone, which is how auto-close works.
	_, oerr = e.CloseMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID)
	require.Nil(t, oerr)

	before = fake.writes()
	_, oerr = e.CommitMarket(ctx, p1.PrivateKeyHex(), mkt.FiberID, 10, nil)
	require.NotNil(t, oerr)
	assert.Equal(t, KindStateConflict, oerr.Kind, "status in CLOSED refuses commit")
	assert.Contains(t, oerr.Message, workflows.MarketClosed)
	assert.Equal(t, before, fake.writes())
}

func TestCreateMarketValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	creator := mustKey(t)

	_, oerr := e.CreateMarket(ctx, CreateMarketRequest{
		PrivateKey: creator.PrivateKeyHex(),
		MarketType: "lottery",
		Oracles:    []string{creator.Address},
		Quorum:     1,
	})
	require.NotNil(t, oerr)
	assert.Equal(t, KindValidation, oerr.Kind)

	_, oerr = e.CreateMarket(ctx, CreateMarketRequest{
		PrivateKey: creator.PrivateKeyHex(),
		MarketType: workflows.MarketPrediction,
		Oracles:    []string{creator.Address},
		Quorum:     2,
	})
	require.NotNil(t, oerr)
	assert.Equal(t, KindValidation, oerr.Kind)
}

func TestRegisterAndActivateAgent(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()
	kp := mustKey(t)

	reg, oerr := e.RegisterAgent(ctx, RegisterAgentRequest{
		PrivateKey:  kp.PrivateKeyHex(),
		DisplayName: "ada",
		Platform:    "telegram",
	})
	require.Nil(t, oerr)
	assert.Equal(t, kp.Address, reg.Address)
	assert.Equal(t, workflows.AgentRegistered, fake.currentState(reg.FiberID))

	_, oerr = e.ActivateAgent(ctx, kp.PrivateKeyHex(), reg.FiberID)
	require.Nil(t, oerr)
	assert.Equal(t, workflows.AgentActive, fake.currentState(reg.FiberID))
}

func TestKindHTTPStatus(t *testing.T) {
	assert.Equal(t, 400, KindValidation.HTTPStatus())
	assert.Equal(t, 403, KindForbidden.HTTPStatus())
	assert.Equal(t, 425, KindNotReady.HTTPStatus())
	assert.Equal(t, 409, KindStateConflict.HTTPStatus())
	assert.Equal(t, 409, KindSequenceConflict.HTTPStatus())
	assert.Equal(t, 502, KindNetwork.HTTPStatus())
}
