package population

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/fibernet/backend/internal/bridge"
	"github.com/fibernet/backend/internal/keyring"
	"github.com/fibernet/backend/internal/workflows"
)

// Lifecycle is the slice of the bridge engine the manager drives. Satisfied
// by *bridge.Engine.
type Lifecycle interface {
	RegisterAgent(ctx context.Context, req bridge.RegisterAgentRequest) (*bridge.RegisterAgentResult, *bridge.OpError)
	ActivateAgent(ctx context.Context, privateKey, fiberID string) (*bridge.TransitionResult, *bridge.OpError)
	WithdrawAgent(ctx context.Context, privateKey, fiberID string) (*bridge.TransitionResult, *bridge.OpError)
	WaitVisible(ctx context.Context, fiberID string, timeout time.Duration) *bridge.OpError
}

// Manager runs the birth and death cycle over a wallet pool.
type Manager struct {
	pop    *Population
	pool   *keyring.WalletPool
	engine Lifecycle
	logger *log.Logger

	TargetPopulation  int
	BirthRate         int
	DeathRate         float64
	VisibilityTimeout time.Duration
	activationRetries int
}

// NewManager wires a manager over the population, wallet pool, and bridge.
func NewManager(pop *Population, pool *keyring.WalletPool, engine Lifecycle, target, birthRate int, deathRate float64) *Manager {
	return &Manager{
		pop:               pop,
		pool:              pool,
		engine:            engine,
		logger:            log.New(log.Writer(), "[POP] ", log.LstdFlags),
		TargetPopulation:  target,
		BirthRate:         birthRate,
		DeathRate:         deathRate,
		VisibilityTimeout: 30 * time.Second,
		activationRetries: 3,
	}
}

// Population exposes the managed agent set.
func (m *Manager) Population() *Population { return m.pop }

// RunBirths creates up to BirthRate agents while the active population is
// below target. Each birth draws or mints a wallet, registers the identity
// fiber, waits for snapshot visibility, then activates with escalating
// backoff on sync lag.
func (m *Manager) RunBirths(ctx context.Context, generation int) int {
	born := 0
	for born < m.BirthRate && len(m.pop.Active()) < m.TargetPopulation {
		if ctx.Err() != nil {
			return born
		}
		if err := m.birth(ctx, generation); err != nil {
			m.logger.Printf("⚠️ Birth failed: %v", err)
			return born
		}
		born++
	}
	if born > 0 {
		m.logger.Printf("👶 Born %d agents, population now %d", born, m.pop.Size())
	}
	return born
}

func (m *Manager) birth(ctx context.Context, generation int) error {
	wallet, drawn := m.pool.Draw()
	if !drawn {
		kp, err := keyring.Generate()
		if err != nil {
			return fmt.Errorf("mint wallet: %w", err)
		}
		wallet = keyring.WalletRecord{
			Address:    kp.Address,
			PublicKey:  kp.PublicKeyHex,
			PrivateKey: kp.PrivateKeyHex(),
			Platform:   "synthetic",
			Handle:     fmt.Sprintf("agent-%s", kp.Address[len(kp.Address)-6:]),
		}
		m.pool.Add(wallet)
	}

	reg, oerr := m.engine.RegisterAgent(ctx, bridge.RegisterAgentRequest{
		PrivateKey:     wallet.PrivateKey,
		DisplayName:    wallet.Handle,
		Platform:       wallet.Platform,
		PlatformUserID: wallet.Handle,
	})
	if oerr != nil {
		return fmt.Errorf("register %s: %w", wallet.Address, oerr)
	}
	m.pool.MarkRegistered(wallet.Address, reg.FiberID)

	if oerr := m.engine.WaitVisible(ctx, reg.FiberID, m.VisibilityTimeout); oerr != nil {
		return fmt.Errorf("fiber %s never became visible: %w", reg.FiberID, oerr)
	}

	if err := m.activate(ctx, wallet.PrivateKey, reg.FiberID); err != nil {
		return err
	}
	m.pop.Add(&Agent{
		Address:        wallet.Address,
		FiberID:        reg.FiberID,
		PrivateKey:     wallet.PrivateKey,
		DisplayName:    wallet.Handle,
		State:          workflows.AgentActive,
		BornGeneration: generation,
	})
	return nil
}

// activate retries on sync lag with 1s/2s/4s escalation.
func (m *Manager) activate(ctx context.Context, privateKey, fiberID string) error {
	backoff := time.Second
	var last *bridge.OpError
	for attempt := 0; attempt <= m.activationRetries; attempt++ {
		_, oerr := m.engine.ActivateAgent(ctx, privateKey, fiberID)
		if oerr == nil {
			return nil
		}
		last = oerr
		if oerr.Kind != bridge.KindNotReady && oerr.Kind != bridge.KindNetwork {
			return fmt.Errorf("activate %s: %w", fiberID, oerr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("activate %s after retries: %w", fiberID, last)
}

// RunDeaths withdraws the lowest-fitness agents, up to DeathRate times the
// active population per generation. Withdrawn agents stay in the population
// as WITHDRAWN records so historical references keep resolving.
func (m *Manager) RunDeaths(ctx context.Context, generation int) int {
	m.pop.Rescore(generation)
	quota := int(math.Floor(m.DeathRate * float64(len(m.pop.Active()))))
	if quota == 0 {
		return 0
	}

	died := 0
	for _, a := range m.pop.WeakestActive(quota) {
		if ctx.Err() != nil {
			break
		}
		if _, oerr := m.engine.WithdrawAgent(ctx, a.PrivateKey, a.FiberID); oerr != nil {
			m.logger.Printf("⚠️ Withdraw %s failed: %v", a.Address, oerr)
			continue
		}
		m.pop.MarkWithdrawn(a.Address)
		died++
	}
	if died > 0 {
		m.logger.Printf("💀 Culled %d agents, %d active", died, len(m.pop.Active()))
	}
	return died
}
