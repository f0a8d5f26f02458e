// Package orchestrator drives the agent economy: each generation it gates on
// cluster health, runs population dynamics, samples actors, selects their
// next transitions by softmax over weighted choices, and advances contracts
// and markets through their lifecycles.
package orchestrator

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/fibernet/backend/internal/bridge"
	"github.com/fibernet/backend/internal/config"
	"github.com/fibernet/backend/internal/metrics"
	"github.com/fibernet/backend/internal/population"
	"github.com/fibernet/backend/internal/workflows"
)

// marketHealth smoothing and clamping.
const (
	healthSmoothing  = 0.8
	healthFloor      = 0.3
	healthCeiling    = 1.0
	healthPerturb    = 0.02
	contractMaturity = 2 // generations from ACTIVE to completion attempts
)

// trackedContract is the orchestrator's view of a contract it created.
type trackedContract struct {
	FiberID      string
	Proposer     string
	Counterparty string
	CreatedGen   int
	State        string
}

// trackedMarket is the orchestrator's view of a market it created.
type trackedMarket struct {
	FiberID    string
	MarketType workflows.MarketType
	Creator    string
	Oracles    []string
	Quorum     int
	Deadline   int64
	Threshold  float64
	CreatedGen int
	State      string
	Resolved   int
	Committers []string
}

// tickStats is the per-generation summary.
type tickStats struct {
	successes int
	failures  int
	skips     int
}

// Orchestrator owns the generational loop. The tick loop is the single
// writer of the contract and market maps.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	engine  *bridge.Engine
	reader  bridge.FiberReader
	popMgr  *population.Manager
	gate    *HealthGate
	metrics *metrics.Metrics
	logger  *log.Logger
	rng     *rand.Rand

	generation   int
	temperature  float64
	marketHealth float64
	contracts    map[string]*trackedContract
	markets      map[string]*trackedMarket
	generics     map[string]*trackedGeneric
}

// New builds an orchestrator. gate may be nil to disable the health check
// (used by tests and by the weighted mode against local stacks).
func New(cfg config.OrchestratorConfig, engine *bridge.Engine, reader bridge.FiberReader, popMgr *population.Manager, gate *HealthGate, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		engine:       engine,
		reader:       reader,
		popMgr:       popMgr,
		gate:         gate,
		metrics:      m,
		logger:       log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		temperature:  cfg.InitialTemperature,
		marketHealth: 1.0,
		contracts:    make(map[string]*trackedContract),
		markets:      make(map[string]*trackedMarket),
		generics:     make(map[string]*trackedGeneric),
	}
}

// Generation returns the current generation counter.
func (o *Orchestrator) Generation() int { return o.generation }

// Temperature returns the current softmax temperature.
func (o *Orchestrator) Temperature() float64 { return o.temperature }

// MarketHealth returns the smoothed health factor.
func (o *Orchestrator) MarketHealth() float64 { return o.marketHealth }

// Run ticks until the context is cancelled or maxGenerations is reached.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := time.Duration(o.cfg.GenerationIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Printf("🚀 Starting in %s mode, interval %s", o.cfg.Mode, interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Tick(ctx)
			if o.cfg.MaxGenerations > 0 && o.generation >= o.cfg.MaxGenerations {
				o.logger.Printf("🏁 Reached %d generations, stopping", o.cfg.MaxGenerations)
				return nil
			}
		}
	}
}

// Tick runs one generation.
func (o *Orchestrator) Tick(ctx context.Context) {
	start := time.Now()
	o.generation++
	stats := &tickStats{}

	if o.gate != nil && !o.gate.Ready(ctx) {
		o.logger.Printf("Gen %d: SKIPPED (cluster not healthy)", o.generation)
		return
	}

	switch o.cfg.Mode {
	case config.ModeHighThroughput:
		o.highThroughputTick(ctx, stats)
	case config.ModeWeighted:
		o.weightedTick(ctx, stats)
	default:
		o.standardTick(ctx, stats)
	}

	o.popMgr.Population().Rescore(o.generation)
	o.updateContext(stats)
	o.observe(start, stats)
}

// standardTick is the full loop: population dynamics, actor sampling,
// proposals, and the contract/market drivers.
func (o *Orchestrator) standardTick(ctx context.Context, stats *tickStats) {
	o.popMgr.RunBirths(ctx, o.generation)
	o.popMgr.RunDeaths(ctx, o.generation)

	actors := o.sampleActors()
	for _, actor := range actors {
		if ctx.Err() != nil {
			return
		}
		o.actOnIdentity(ctx, actor, stats)
		if o.rng.Float64() < o.cfg.ProposalRate {
			o.propose(ctx, actor, stats)
		}
	}

	o.driveContracts(ctx, stats)
	o.driveMarkets(ctx, stats)
}

// sampleActors picks activityRate·|pop| active agents by fitness-weighted
// sampling without replacement.
func (o *Orchestrator) sampleActors() []*population.Agent {
	active := o.popMgr.Population().Active()
	if len(active) == 0 {
		return nil
	}
	k := int(math.Ceil(o.cfg.ActivityRate * float64(len(active))))
	if k > len(active) {
		k = len(active)
	}

	pool := append([]*population.Agent{}, active...)
	weights := make([]float64, len(pool))
	for i, a := range pool {
		weights[i] = a.Fitness
	}

	out := make([]*population.Agent, 0, k)
	for len(out) < k && len(pool) > 0 {
		i := WeightedIndex(weights, o.rng)
		out = append(out, pool[i])
		pool = append(pool[:i], pool[i+1:]...)
		weights = append(weights[:i], weights[i+1:]...)
	}
	return out
}

// actOnIdentity lets one actor fire a transition on its own identity fiber.
func (o *Orchestrator) actOnIdentity(ctx context.Context, actor *population.Agent, stats *tickStats) {
	fiber, err := o.reader.GetStateMachine(ctx, actor.FiberID)
	if err != nil {
		stats.skips++
		return
	}
	actor.State = fiber.CurrentState

	wf, _ := o.engine.Registry().Get("AgentIdentity")
	available := wf.AvailableEvents(fiber.CurrentState, workflows.RoleOwner)
	choices := make([]Choice, 0, len(available))
	for _, tr := range available {
		// Withdrawals happen through the death cycle, not free choice.
		if tr.EventName == "withdraw" {
			continue
		}
		w := tr.BaseWeight * (0.5 + actor.Fitness) * o.marketHealth
		choices = append(choices, Choice{
			FiberID:    actor.FiberID,
			Workflow:   wf,
			Transition: tr,
			Weight:     mutateWeight(w, o.cfg.MutationRate, o.rng),
		})
	}
	idx := Softmax(choices, o.temperature, o.rng)
	if idx < 0 {
		stats.skips++
		return
	}

	chosen := choices[idx]
	payload := map[string]interface{}{}
	if chosen.Transition.Payload != nil {
		payload = chosen.Transition.Payload(workflows.PayloadContext{
			Agent:     actor.Address,
			StateData: fiber.StateData,
			NowMillis: time.Now().UnixMilli(),
			Rand:      o.rng,
		})
	}
	o.submit(ctx, stats, actor.Address, "identity:"+chosen.Transition.EventName, func() *bridge.OpError {
		_, oerr := o.engine.TransitionFiber(ctx, actor.PrivateKey, chosen.FiberID, chosen.Transition.EventName, payload)
		return oerr
	})
}

// propose opens a new contract (or occasionally a market) against a
// fitness-weighted counterparty.
func (o *Orchestrator) propose(ctx context.Context, actor *population.Agent, stats *tickStats) {
	if o.rng.Float64() < 0.2 {
		o.proposeMarket(ctx, actor, stats)
		return
	}
	o.proposeContract(ctx, actor, stats)
}

// maxOpenPerPair caps how many live contracts two agents may share before
// proposal sampling stops pairing them.
const maxOpenPerPair = 2

func (o *Orchestrator) proposeContract(ctx context.Context, actor *population.Agent, stats *tickStats) {
	partner := o.pickPartnerForContract(actor)
	if partner == nil {
		stats.skips++
		return
	}

	res, oerr := o.engine.ProposeContract(ctx, bridge.ProposeContractRequest{
		PrivateKey:   actor.PrivateKey,
		Counterparty: partner.Address,
		Terms: map[string]interface{}{
			"task":  "exchange",
			"value": 50 + o.rng.Intn(450),
		},
	})
	if oerr != nil {
		o.recordFailure(stats, actor.Address, "contract:propose", oerr)
		return
	}
	stats.successes++
	o.popMgr.Population().RecordOutcome(actor.Address, true)
	o.contracts[res.FiberID] = &trackedContract{
		FiberID:      res.FiberID,
		Proposer:     actor.Address,
		Counterparty: partner.Address,
		CreatedGen:   o.generation,
		State:        workflows.ContractProposed,
	}
}

func (o *Orchestrator) proposeMarket(ctx context.Context, actor *population.Agent, stats *tickStats) {
	mt := workflows.AllMarketTypes[o.rng.Intn(len(workflows.AllMarketTypes))]
	o.proposeMarketOf(ctx, actor, mt, stats)
}

// pickCounterparty samples another agent by fitness, excluding the actor.
func (o *Orchestrator) pickCounterparty(actor *population.Agent) *population.Agent {
	var pool []*population.Agent
	var weights []float64
	for _, a := range o.popMgr.Population().Active() {
		if a.Address == actor.Address {
			continue
		}
		pool = append(pool, a)
		weights = append(weights, a.Fitness)
	}
	i := WeightedIndex(weights, o.rng)
	if i < 0 {
		return nil
	}
	return pool[i]
}

// liveAgent resolves an address to an agent still able to act. Withdrawn
// agents remain in the population for history but sign nothing.
func (o *Orchestrator) liveAgent(address string) (*population.Agent, bool) {
	a, ok := o.popMgr.Population().Get(address)
	if !ok || a.State != workflows.AgentActive {
		return nil, false
	}
	return a, true
}

// pickPartnerForContract additionally excludes counterparties already sharing
// the per-pair cap of live contracts with the actor.
func (o *Orchestrator) pickPartnerForContract(actor *population.Agent) *population.Agent {
	open := make(map[string]int)
	for _, c := range o.contracts {
		switch {
		case c.Proposer == actor.Address:
			open[c.Counterparty]++
		case c.Counterparty == actor.Address:
			open[c.Proposer]++
		}
	}

	var pool []*population.Agent
	var weights []float64
	for _, a := range o.popMgr.Population().Active() {
		if a.Address == actor.Address || open[a.Address] >= maxOpenPerPair {
			continue
		}
		pool = append(pool, a)
		weights = append(weights, a.Fitness)
	}
	i := WeightedIndex(weights, o.rng)
	if i < 0 {
		return nil
	}
	return pool[i]
}

// submit runs one bridge call, classifying the outcome for stats and
// fitness. NotReady and StateConflict are skips, not failures.
func (o *Orchestrator) submit(ctx context.Context, stats *tickStats, address, operation string, fn func() *bridge.OpError) bool {
	start := time.Now()
	oerr := fn()
	if oerr == nil {
		stats.successes++
		o.popMgr.Population().RecordOutcome(address, true)
		if o.metrics != nil {
			o.metrics.RecordSubmission(operation, "ok", time.Since(start).Seconds())
		}
		return true
	}
	if oerr.Kind == bridge.KindNotReady || oerr.Kind == bridge.KindStateConflict {
		stats.skips++
		if o.metrics != nil {
			o.metrics.RecordSubmission(operation, "skip", time.Since(start).Seconds())
		}
		return false
	}
	o.recordFailure(stats, address, operation, oerr)
	return false
}

func (o *Orchestrator) recordFailure(stats *tickStats, address, operation string, oerr *bridge.OpError) {
	stats.failures++
	o.popMgr.Population().RecordOutcome(address, false)
	if o.metrics != nil {
		o.metrics.RecordSubmission(operation, "fail", 0)
	}
	o.logger.Printf("⚠️ %s by %s failed: %v", operation, address, oerr)
}

// updateContext anneals the temperature and smooths market health toward the
// observed success rate.
func (o *Orchestrator) updateContext(stats *tickStats) {
	o.temperature = math.Max(o.cfg.MinTemperature, o.temperature*o.cfg.TemperatureDecay)

	total := stats.successes + stats.failures
	if total > 0 {
		rate := float64(stats.successes) / float64(total)
		perturb := (o.rng.Float64()*2 - 1) * healthPerturb
		h := healthSmoothing*o.marketHealth + (1-healthSmoothing)*rate + perturb
		o.marketHealth = math.Min(healthCeiling, math.Max(healthFloor, h))
	}
}

func (o *Orchestrator) observe(start time.Time, stats *tickStats) {
	pop := o.popMgr.Population().Size()
	o.logger.Printf("Gen %d: %d ok, %d failed, %d skipped | pop=%d T=%.3f health=%.2f",
		o.generation, stats.successes, stats.failures, stats.skips, pop, o.temperature, o.marketHealth)
	if o.metrics != nil {
		o.metrics.GenerationDuration.Observe(time.Since(start).Seconds())
		o.metrics.ActiveAgents.Set(float64(len(o.popMgr.Population().Active())))
		o.metrics.Temperature.Set(o.temperature)
		o.metrics.MarketHealth.Set(o.marketHealth)
		o.metrics.ActiveFibers.WithLabelValues("Contract").Set(float64(len(o.contracts)))
		o.metrics.ActiveFibers.WithLabelValues("Market").Set(float64(len(o.markets)))
	}
}
