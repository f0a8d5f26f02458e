package population

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibernet/backend/internal/bridge"
	"github.com/fibernet/backend/internal/keyring"
	"github.com/fibernet/backend/internal/workflows"
)

func TestFitnessWeights(t *testing.T) {
	// Perfect agent maxes every term.
	a := &Agent{
		Reputation:      100,
		Completed:       10,
		Failed:          0,
		VouchedFor:      5,
		ReceivedVouches: 5,
		BornGeneration:  0,
	}
	assert.InDelta(t, 1.0, Fitness(a, 100, 20), 1e-9)

	// Newcomer scores neutral completion and nothing else.
	fresh := &Agent{BornGeneration: 10}
	assert.InDelta(t, 0.30*0.5, Fitness(fresh, 100, 10), 1e-9)
}

func TestFitnessNormalization(t *testing.T) {
	a := &Agent{Reputation: 50, Completed: 3, Failed: 1, BornGeneration: 0}
	got := Fitness(a, 200, 10)
	want := 0.35*(50.0/200.0) + 0.30*0.75 + 0.20*0 + 0.15*(10.0/20.0)
	assert.InDelta(t, want, got, 1e-9)

	// Reputation above the ceiling clamps to 1.
	ace := &Agent{Reputation: 500, BornGeneration: 0}
	capped := Fitness(ace, 200, 100)
	assert.InDelta(t, 0.35+0.30*0.5+0.15, capped, 1e-9)
}

func TestWeakestActiveRanking(t *testing.T) {
	p := New()
	for i, fit := range []float64{0.9, 0.2, 0.5, 0.7} {
		p.Add(&Agent{Address: fmt.Sprintf("DAG%d", i), State: workflows.AgentActive, Fitness: fit})
	}
	weak := p.WeakestActive(2)
	require.Len(t, weak, 2)
	assert.Equal(t, 0.2, weak[0].Fitness)
	assert.Equal(t, 0.5, weak[1].Fitness)
}

// fakeLifecycle answers bridge lifecycle calls in memory.
type fakeLifecycle struct {
	mu        sync.Mutex
	nextFiber int
	active    map[string]bool // fiberID -> activated
	withdrawn []string
	flaky     int // NotReady responses before activation succeeds
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{active: make(map[string]bool)}
}

func (f *fakeLifecycle) RegisterAgent(ctx context.Context, req bridge.RegisterAgentRequest) (*bridge.RegisterAgentResult, *bridge.OpError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextFiber++
	id := fmt.Sprintf("fiber-%d", f.nextFiber)
	f.active[id] = false
	kp, err := keyring.FromHex(req.PrivateKey)
	if err != nil {
		return nil, &bridge.OpError{Kind: bridge.KindValidation, Message: "bad key"}
	}
	return &bridge.RegisterAgentResult{FiberID: id, Address: kp.Address, Hash: "h"}, nil
}

func (f *fakeLifecycle) ActivateAgent(ctx context.Context, privateKey, fiberID string) (*bridge.TransitionResult, *bridge.OpError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flaky > 0 {
		f.flaky--
		return nil, &bridge.OpError{Kind: bridge.KindNotReady, Message: "lagging"}
	}
	f.active[fiberID] = true
	return &bridge.TransitionResult{Hash: "h"}, nil
}

func (f *fakeLifecycle) WithdrawAgent(ctx context.Context, privateKey, fiberID string) (*bridge.TransitionResult, *bridge.OpError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn = append(f.withdrawn, fiberID)
	return &bridge.TransitionResult{Hash: "h"}, nil
}

func (f *fakeLifecycle) WaitVisible(ctx context.Context, fiberID string, timeout time.Duration) *bridge.OpError {
	return nil
}

func TestBirthsFillPopulation(t *testing.T) {
	pool, err := keyring.OpenWalletPool(filepath.Join(t.TempDir(), "pool.json"))
	require.NoError(t, err)
	defer pool.Close()

	fake := newFakeLifecycle()
	m := NewManager(New(), pool, fake, 5, 3, 0.1)

	born := m.RunBirths(context.Background(), 1)
	assert.Equal(t, 3, born, "capped by birth rate")
	assert.Equal(t, 3, m.Population().Size())

	born = m.RunBirths(context.Background(), 2)
	assert.Equal(t, 2, born, "capped by target population")
	assert.Equal(t, 5, m.Population().Size())

	born = m.RunBirths(context.Background(), 3)
	assert.Zero(t, born)

	// Minted wallets are persisted with their fiber ids.
	registered := 0
	for _, w := range pool.All() {
		if w.AgentID != "" {
			registered++
		}
	}
	assert.Equal(t, 5, registered)
}

func TestBirthsPreferPooledWallets(t *testing.T) {
	pool, err := keyring.OpenWalletPool(filepath.Join(t.TempDir(), "pool.json"))
	require.NoError(t, err)
	defer pool.Close()

	kp, err := keyring.Generate()
	require.NoError(t, err)
	pool.Add(keyring.WalletRecord{
		Address:    kp.Address,
		PublicKey:  kp.PublicKeyHex,
		PrivateKey: kp.PrivateKeyHex(),
		Platform:   "telegram",
		Handle:     "pooled",
	})

	fake := newFakeLifecycle()
	m := NewManager(New(), pool, fake, 1, 1, 0.1)
	require.Equal(t, 1, m.RunBirths(context.Background(), 1))

	a, ok := m.Population().Get(kp.Address)
	require.True(t, ok, "pooled wallet drawn first")
	assert.Equal(t, "pooled", a.DisplayName)
}

func TestDeathsCullWeakest(t *testing.T) {
	pool, err := keyring.OpenWalletPool(filepath.Join(t.TempDir(), "pool.json"))
	require.NoError(t, err)
	defer pool.Close()

	fake := newFakeLifecycle()
	pop := New()
	m := NewManager(pop, pool, fake, 10, 0, 0.25)

	for i := 0; i < 8; i++ {
		pop.Add(&Agent{
			Address:        fmt.Sprintf("DAG%02d", i),
			FiberID:        fmt.Sprintf("fiber-%d", i),
			State:          workflows.AgentActive,
			Reputation:     float64(i * 10),
			Completed:      i,
			BornGeneration: 0,
		})
	}

	died := m.RunDeaths(context.Background(), 5)
	assert.Equal(t, 2, died, "quota is floor(0.25*8)")
	assert.Len(t, pop.Active(), 6)

	// The lowest-reputation agents went first, and their records survive
	// withdrawal for historical references.
	for _, addr := range []string{"DAG00", "DAG01"} {
		a, ok := pop.Get(addr)
		require.True(t, ok, "withdrawn agent %s must stay resolvable", addr)
		assert.Equal(t, workflows.AgentWithdrawn, a.State)
	}
	assert.Equal(t, 8, pop.Size(), "withdrawal retains the record")

	// A second cull sizes its quota on the active set, not the full roster.
	died = m.RunDeaths(context.Background(), 6)
	assert.Equal(t, 1, died, "quota is floor(0.25*6)")
	assert.Len(t, pop.Active(), 5)
}

func TestRecordOutcome(t *testing.T) {
	p := New()
	p.Add(&Agent{Address: "DAGx", State: workflows.AgentActive})
	p.RecordOutcome("DAGx", true)
	p.RecordOutcome("DAGx", true)
	p.RecordOutcome("DAGx", false)

	a, _ := p.Get("DAGx")
	assert.Equal(t, 2, a.Completed)
	assert.Equal(t, 1, a.Failed)
	assert.Equal(t, 2.0, a.Reputation)
}
