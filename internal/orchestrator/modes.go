package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/fibernet/backend/internal/bridge"
	"github.com/fibernet/backend/internal/population"
	"github.com/fibernet/backend/internal/workflows"
)

// highThroughputInFlight caps concurrent submissions so the data layer's
// mempool is never flooded by one orchestrator.
const highThroughputInFlight = 20

// trackedGeneric is a custom-workflow fiber driven in weighted mode.
type trackedGeneric struct {
	FiberID    string
	Workflow   *workflows.Workflow
	Owner      string
	Partner    string
	State      string
	CreatedGen int
}

// weightedTick keeps a fixed fiber-type mix alive instead of evolving the
// population: no births beyond the initial seed, no deaths, no weight
// mutation. Fiber types are drawn from the configured distribution.
func (o *Orchestrator) weightedTick(ctx context.Context, stats *tickStats) {
	o.seedPopulation(ctx)

	names, weights := o.fiberDistribution()
	target := o.cfg.TargetActiveFibers
	if target <= 0 {
		target = 10
	}
	// Bounded so a failing data layer cannot trap the tick in a spawn loop.
	for attempts := 0; o.activeFibers() < target && attempts < target; attempts++ {
		if ctx.Err() != nil {
			return
		}
		i := WeightedIndex(weights, o.rng)
		if i < 0 {
			break
		}
		if !o.spawnFiber(ctx, stats, names[i]) {
			break
		}
	}

	o.driveContracts(ctx, stats)
	o.driveMarkets(ctx, stats)
	o.driveGenerics(ctx, stats)
}

// seedPopulation births agents until the target is reached. Weighted and
// high-throughput modes need signers but run no death cycle.
func (o *Orchestrator) seedPopulation(ctx context.Context) {
	for len(o.popMgr.Population().Active()) < o.popMgr.TargetPopulation {
		if o.popMgr.RunBirths(ctx, o.generation) == 0 {
			return
		}
	}
}

func (o *Orchestrator) activeFibers() int {
	return len(o.contracts) + len(o.markets) + len(o.generics)
}

// fiberDistribution resolves the configured fiber weights against the
// registry, falling back to an even mix over contract and market flavors.
func (o *Orchestrator) fiberDistribution() ([]string, []float64) {
	if len(o.cfg.FiberWeights) > 0 {
		names := make([]string, 0, len(o.cfg.FiberWeights))
		weights := make([]float64, 0, len(o.cfg.FiberWeights))
		for _, name := range o.engine.Registry().Names() {
			if w, ok := o.cfg.FiberWeights[name]; ok {
				names = append(names, name)
				weights = append(weights, w)
			}
		}
		if len(names) > 0 {
			return names, weights
		}
	}
	names := []string{"Contract"}
	for _, mt := range workflows.AllMarketTypes {
		names = append(names, "Market:"+string(mt))
	}
	weights := make([]float64, len(names))
	for i := range weights {
		weights[i] = 1
	}
	return names, weights
}

// spawnFiber creates one fiber of the named workflow with sampled parties.
func (o *Orchestrator) spawnFiber(ctx context.Context, stats *tickStats, name string) bool {
	wf, ok := o.engine.Registry().Get(name)
	if !ok {
		return false
	}
	owner := o.sampleOne()
	if owner == nil {
		return false
	}

	switch wf.Kind {
	case workflows.KindContract:
		o.proposeContract(ctx, owner, stats)
		return true
	case workflows.KindMarket:
		o.proposeMarketOf(ctx, owner, wf.MarketType, stats)
		return true
	default:
		return o.spawnGeneric(ctx, stats, wf, owner)
	}
}

func (o *Orchestrator) spawnGeneric(ctx context.Context, stats *tickStats, wf *workflows.Workflow, owner *population.Agent) bool {
	partner := o.pickCounterparty(owner)
	if partner == nil {
		return false
	}
	res, oerr := o.engine.CreateFiber(ctx, bridge.CreateFiberRequest{
		PrivateKey: owner.PrivateKey,
		Definition: wf.ChainDefinition(),
		InitialData: map[string]interface{}{
			"schema":       wf.Name,
			"proposer":     owner.Address,
			"counterparty": partner.Address,
			"creator":      owner.Address,
			"owners":       []interface{}{owner.Address, partner.Address},
			"createdAt":    time.Now().UnixMilli(),
		},
	})
	if oerr != nil {
		o.recordFailure(stats, owner.Address, "fiber:create", oerr)
		return false
	}
	stats.successes++
	o.popMgr.Population().RecordOutcome(owner.Address, true)
	o.generics[res.FiberID] = &trackedGeneric{
		FiberID:    res.FiberID,
		Workflow:   wf,
		Owner:      owner.Address,
		Partner:    partner.Address,
		State:      wf.InitialState,
		CreatedGen: o.generation,
	}
	return true
}

// driveGenerics advances custom-workflow fibers one softmax-chosen step.
func (o *Orchestrator) driveGenerics(ctx context.Context, stats *tickStats) {
	for id, g := range o.generics {
		if ctx.Err() != nil {
			return
		}
		if g.Workflow.IsFinal(g.State) || o.generation-g.CreatedGen > staleAfterGenerations {
			delete(o.generics, id)
			continue
		}
		if o.generation <= g.CreatedGen {
			continue
		}

		owner, ownerOK := o.liveAgent(g.Owner)
		partner, partnerOK := o.liveAgent(g.Partner)
		if !ownerOK || !partnerOK {
			delete(o.generics, id)
			continue
		}

		// Each side sees the transitions its roles allow; the union is the
		// choice set for this tick.
		type actorChoice struct {
			agent *population.Agent
			tr    workflows.Transition
		}
		var candidates []actorChoice
		var choices []Choice
		add := func(agent *population.Agent, roles ...string) {
			for _, tr := range g.Workflow.AvailableEvents(g.State, roles...) {
				candidates = append(candidates, actorChoice{agent, tr})
				choices = append(choices, Choice{
					FiberID:    id,
					Workflow:   g.Workflow,
					Transition: tr,
					Weight:     tr.BaseWeight,
				})
			}
		}
		add(owner, workflows.RoleOwner, workflows.RoleProposer, workflows.RoleCreator)
		add(partner, workflows.RoleCounterparty, workflows.RoleParticipant)

		idx := Softmax(choices, o.temperature, o.rng)
		if idx < 0 {
			continue
		}
		pick := candidates[idx]
		payload := map[string]interface{}{}
		if pick.tr.Payload != nil {
			payload = pick.tr.Payload(workflows.PayloadContext{
				Agent:     pick.agent.Address,
				NowMillis: time.Now().UnixMilli(),
				Rand:      o.rng,
			})
		}
		if o.submit(ctx, stats, pick.agent.Address, g.Workflow.Name+":"+pick.tr.EventName, func() *bridge.OpError {
			_, oerr := o.engine.TransitionFiber(ctx, pick.agent.PrivateKey, id, pick.tr.EventName, payload)
			return oerr
		}) {
			g.State = pick.tr.To
		}
	}
}

// proposeMarketOf creates a market of the given flavor with a sampled oracle
// and a deadline a few minutes out.
func (o *Orchestrator) proposeMarketOf(ctx context.Context, actor *population.Agent, mt workflows.MarketType, stats *tickStats) {
	oracle := o.pickCounterparty(actor)
	if oracle == nil {
		stats.skips++
		return
	}
	req := bridge.CreateMarketRequest{
		PrivateKey: actor.PrivateKey,
		MarketType: mt,
		Oracles:    []string{oracle.Address},
		Quorum:     1,
		Deadline:   time.Now().Add(time.Duration(5+o.rng.Intn(10)) * time.Minute).UnixMilli(),
	}
	if mt == workflows.MarketCrowdfund {
		req.Threshold = float64(200 + o.rng.Intn(800))
	}
	res, oerr := o.engine.CreateMarket(ctx, req)
	if oerr != nil {
		o.recordFailure(stats, actor.Address, "market:create", oerr)
		return
	}
	stats.successes++
	o.popMgr.Population().RecordOutcome(actor.Address, true)
	o.markets[res.FiberID] = &trackedMarket{
		FiberID:    res.FiberID,
		MarketType: mt,
		Creator:    actor.Address,
		Oracles:    []string{oracle.Address},
		Quorum:     1,
		Deadline:   req.Deadline,
		Threshold:  req.Threshold,
		CreatedGen: o.generation,
		State:      workflows.MarketProposed,
	}
}

func (o *Orchestrator) sampleOne() *population.Agent {
	active := o.popMgr.Population().Active()
	var weights []float64
	for _, a := range active {
		weights = append(weights, a.Fitness)
	}
	i := WeightedIndex(weights, o.rng)
	if i < 0 {
		return nil
	}
	return active[i]
}

// highThroughputTick floods cheap identity transitions at the target TPS,
// capped at a fixed number of in-flight submissions. Population dynamics are
// skipped beyond the initial seed.
func (o *Orchestrator) highThroughputTick(ctx context.Context, stats *tickStats) {
	o.seedPopulation(ctx)

	active := o.popMgr.Population().Active()
	if len(active) == 0 {
		stats.skips++
		return
	}

	interval := time.Duration(o.cfg.GenerationIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	tps := o.cfg.TargetTPS
	if tps <= 0 {
		tps = 10
	}
	budget := int(tps * interval.Seconds())
	if budget < 1 {
		budget = 1
	}
	pace := time.Duration(float64(time.Second) / tps)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, highThroughputInFlight)
	)
	if o.metrics != nil {
		defer o.metrics.InFlightSubmissions.Set(0)
	}

	pacer := time.NewTicker(pace)
	defer pacer.Stop()
	for i := 0; i < budget; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-pacer.C:
		}
		actor := active[o.rng.Intn(len(active))]

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		if o.metrics != nil {
			o.metrics.InFlightSubmissions.Inc()
		}
		go func(a *population.Agent) {
			defer func() {
				<-sem
				wg.Done()
				if o.metrics != nil {
					o.metrics.InFlightSubmissions.Dec()
				}
			}()
			start := time.Now()
			_, oerr := o.engine.TransitionFiber(ctx, a.PrivateKey, a.FiberID, "vouch",
				map[string]interface{}{"vouchedAt": time.Now().UnixMilli()})
			mu.Lock()
			defer mu.Unlock()
			if oerr == nil {
				stats.successes++
				if o.metrics != nil {
					o.metrics.RecordSubmission("identity:vouch", "ok", time.Since(start).Seconds())
				}
				return
			}
			if oerr.Kind == bridge.KindNotReady || oerr.Kind == bridge.KindStateConflict {
				stats.skips++
				return
			}
			stats.failures++
			if o.metrics != nil {
				o.metrics.RecordSubmission("identity:vouch", "fail", time.Since(start).Seconds())
			}
		}(actor)
	}
	wg.Wait()
}
