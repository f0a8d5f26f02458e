package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/fibernet/backend/internal/bridge"
	"github.com/fibernet/backend/internal/population"
	"github.com/fibernet/backend/internal/workflows"
)

// Tracked fibers whose parties all died are abandoned after this many
// generations.
const staleAfterGenerations = 50

// driveContracts walks every tracked contract one step along its lifecycle.
func (o *Orchestrator) driveContracts(ctx context.Context, stats *tickStats) {
	for id, c := range o.contracts {
		if ctx.Err() != nil {
			return
		}
		if o.generation-c.CreatedGen > staleAfterGenerations {
			delete(o.contracts, id)
			continue
		}

		proposer, pOK := o.liveAgent(c.Proposer)
		counterparty, cOK := o.liveAgent(c.Counterparty)
		if !pOK || !cOK {
			delete(o.contracts, id)
			continue
		}

		switch c.State {
		case workflows.ContractProposed:
			if o.generation <= c.CreatedGen {
				continue // give the create a snapshot to land in
			}
			if o.rng.Float64() < 0.75 {
				ok := o.submit(ctx, stats, counterparty.Address, "contract:accept", func() *bridge.OpError {
					_, oerr := o.engine.AcceptContract(ctx, counterparty.PrivateKey, id)
					return oerr
				})
				if ok {
					c.State = workflows.ContractActive
				}
			} else {
				o.submit(ctx, stats, counterparty.Address, "contract:reject", func() *bridge.OpError {
					_, oerr := o.engine.RejectContract(ctx, counterparty.PrivateKey, id, "terms_declined")
					return oerr
				})
				delete(o.contracts, id)
			}

		case workflows.ContractActive:
			if o.generation-c.CreatedGen < contractMaturity {
				continue
			}
			if o.rng.Float64() < 0.08 {
				ok := o.submit(ctx, stats, counterparty.Address, "contract:dispute", func() *bridge.OpError {
					_, oerr := o.engine.DisputeContract(ctx, counterparty.PrivateKey, id, "deliverable_mismatch")
					return oerr
				})
				if ok {
					c.State = workflows.ContractDisputed
				}
				continue
			}
			o.completeAndFinalize(ctx, stats, c, proposer, counterparty)

		case workflows.ContractDisputed:
			if o.rng.Float64() < 0.5 {
				o.submit(ctx, stats, proposer.Address, "contract:finalize", func() *bridge.OpError {
					_, oerr := o.engine.FinalizeContract(ctx, proposer.PrivateKey, id)
					return oerr
				})
			} else {
				o.submit(ctx, stats, counterparty.Address, "contract:reject", func() *bridge.OpError {
					_, oerr := o.engine.RejectContract(ctx, counterparty.PrivateKey, id, "dispute_upheld")
					return oerr
				})
			}
			delete(o.contracts, id)
		}
	}
}

// completeAndFinalize records both parties' completion proofs then finalizes.
// A completion that was already recorded comes back as a state conflict and
// is skipped, so re-driving a half-done contract is safe.
func (o *Orchestrator) completeAndFinalize(ctx context.Context, stats *tickStats, c *trackedContract, proposer, counterparty *population.Agent) {
	now := time.Now().UnixMilli()
	for _, party := range []*population.Agent{proposer, counterparty} {
		pk := party.PrivateKey
		proof := fmt.Sprintf("proof-%s-%d", party.Address[len(party.Address)-6:], now)
		o.submit(ctx, stats, party.Address, "contract:complete", func() *bridge.OpError {
			_, oerr := o.engine.CompleteContract(ctx, pk, c.FiberID, proof)
			return oerr
		})
	}
	ok := o.submit(ctx, stats, proposer.Address, "contract:finalize", func() *bridge.OpError {
		_, oerr := o.engine.FinalizeContract(ctx, proposer.PrivateKey, c.FiberID)
		return oerr
	})
	if ok {
		delete(o.contracts, c.FiberID)
	}
}

// driveMarkets walks every tracked market one step along its lifecycle.
func (o *Orchestrator) driveMarkets(ctx context.Context, stats *tickStats) {
	for id, m := range o.markets {
		if ctx.Err() != nil {
			return
		}
		if o.generation-m.CreatedGen > staleAfterGenerations {
			delete(o.markets, id)
			continue
		}

		creator, ok := o.liveAgent(m.Creator)
		if !ok {
			delete(o.markets, id)
			continue
		}

		switch m.State {
		case workflows.MarketProposed:
			if o.generation <= m.CreatedGen {
				continue
			}
			if o.submit(ctx, stats, creator.Address, "market:open", func() *bridge.OpError {
				_, oerr := o.engine.OpenMarket(ctx, creator.PrivateKey, id)
				return oerr
			}) {
				m.State = workflows.MarketOpen
			}

		case workflows.MarketOpen:
			o.driveCommits(ctx, stats, m)
			if o.shouldClose(m) {
				if o.submit(ctx, stats, creator.Address, "market:close", func() *bridge.OpError {
					_, oerr := o.engine.CloseMarket(ctx, creator.PrivateKey, id)
					return oerr
				}) {
					m.State = workflows.MarketClosed
				}
			}

		case workflows.MarketClosed:
			// Funding markets below threshold refund; everything else
			// resolves. The engine re-checks both conditions on chain state.
			if m.Threshold > 0 {
				if o.submit(ctx, stats, creator.Address, "market:refund", func() *bridge.OpError {
					_, oerr := o.engine.RefundMarket(ctx, creator.PrivateKey, id)
					return oerr
				}) {
					m.State = workflows.MarketRefunded
					continue
				}
			}
			if o.submit(ctx, stats, creator.Address, "market:begin_resolution", func() *bridge.OpError {
				_, oerr := o.engine.BeginResolution(ctx, creator.PrivateKey, id)
				return oerr
			}) {
				m.State = workflows.MarketResolving
			}

		case workflows.MarketResolving:
			o.driveResolutions(ctx, stats, m)
			if m.Resolved >= m.Quorum {
				if o.submit(ctx, stats, creator.Address, "market:finalize", func() *bridge.OpError {
					_, oerr := o.engine.FinalizeMarket(ctx, creator.PrivateKey, id)
					return oerr
				}) {
					m.State = workflows.MarketSettled
				}
			}

		case workflows.MarketSettled, workflows.MarketRefunded:
			o.driveClaims(ctx, stats, m)
			delete(o.markets, id)
		}
	}
}

// driveCommits has up to three sampled participants stake into an open
// market, using the workflow's payload generator for flavor-specific data.
func (o *Orchestrator) driveCommits(ctx context.Context, stats *tickStats, m *trackedMarket) {
	wf := o.engine.Registry().Market(m.MarketType)
	gen := commitGenerator(wf)
	if gen == nil {
		return
	}

	for i := 0; i < 3; i++ {
		actor := o.pickParticipant(m)
		if actor == nil {
			return
		}
		payload := gen(workflows.PayloadContext{
			Agent:     actor.Address,
			NowMillis: time.Now().UnixMilli(),
			Rand:      o.rng,
		})
		amount, _ := payload["amount"].(float64)
		data, _ := payload["data"].(map[string]interface{})
		ok := o.submit(ctx, stats, actor.Address, "market:commit", func() *bridge.OpError {
			_, oerr := o.engine.CommitMarket(ctx, actor.PrivateKey, m.FiberID, amount, data)
			return oerr
		})
		if ok {
			m.Committers = append(m.Committers, actor.Address)
		}
	}
}

// driveResolutions has each live oracle submit its verdict once.
func (o *Orchestrator) driveResolutions(ctx context.Context, stats *tickStats, m *trackedMarket) {
	wf := o.engine.Registry().Market(m.MarketType)
	for _, addr := range m.Oracles {
		oracle, ok := o.liveAgent(addr)
		if !ok {
			continue
		}
		payload := resolutionFor(wf, workflows.PayloadContext{
			Agent:     oracle.Address,
			NowMillis: time.Now().UnixMilli(),
			Rand:      o.rng,
		})
		outcome, _ := payload["outcome"].(string)
		proof, _ := payload["proof"].(string)
		if o.submit(ctx, stats, oracle.Address, "market:submit_resolution", func() *bridge.OpError {
			_, oerr := o.engine.SubmitResolution(ctx, oracle.PrivateKey, m.FiberID, outcome, proof)
			return oerr
		}) {
			m.Resolved++
		}
	}
}

// driveClaims lets every committer collect its payout or refund.
func (o *Orchestrator) driveClaims(ctx context.Context, stats *tickStats, m *trackedMarket) {
	claimed := make(map[string]bool)
	for _, addr := range m.Committers {
		if claimed[addr] {
			continue
		}
		claimed[addr] = true
		agent, ok := o.liveAgent(addr)
		if !ok {
			continue
		}
		o.submit(ctx, stats, agent.Address, "market:claim", func() *bridge.OpError {
			_, oerr := o.engine.ClaimMarket(ctx, agent.PrivateKey, m.FiberID)
			return oerr
		})
	}
}

// pickParticipant samples a fitness-weighted agent that is neither creator
// nor oracle.
func (o *Orchestrator) pickParticipant(m *trackedMarket) *population.Agent {
	excluded := map[string]bool{m.Creator: true}
	for _, a := range m.Oracles {
		excluded[a] = true
	}
	var pool []*population.Agent
	var weights []float64
	for _, a := range o.popMgr.Population().Active() {
		if excluded[a.Address] {
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

// shouldClose decides whether an open market is due: the deadline passed, or
// it has been open long enough to have attracted its commits.
func (o *Orchestrator) shouldClose(m *trackedMarket) bool {
	if m.Deadline > 0 && time.Now().UnixMilli() > m.Deadline {
		return true
	}
	return o.generation-m.CreatedGen >= 3
}

func commitGenerator(wf *workflows.Workflow) workflows.PayloadGenerator {
	for _, t := range wf.Transitions {
		if t.EventName == "commit" {
			return t.Payload
		}
	}
	return nil
}

func resolutionFor(wf *workflows.Workflow, pc workflows.PayloadContext) map[string]interface{} {
	for _, t := range wf.Transitions {
		if t.EventName == "submit_resolution" && t.Payload != nil {
			return t.Payload(pc)
		}
	}
	return map[string]interface{}{"outcome": "FULFILLED"}
}

