package bridge

import (
	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/workflows"
)

// settlementFeeRate is the cut taken from the losing pool before payout.
const settlementFeeRate = 0.02

// Commitment is one participant's stake in a market.
type Commitment struct {
	Amount       float64
	Data         map[string]interface{}
	LastCommitAt int64
}

// Resolution is one oracle's verdict.
type Resolution struct {
	Oracle      string
	Outcome     string
	Proof       string
	SubmittedAt int64
}

// MarketState is the client-side view of a market fiber's stateData.
type MarketState struct {
	MarketType     workflows.MarketType
	Creator        string
	Oracles        []string
	Quorum         int
	Deadline       int64
	Threshold      float64
	Commitments    map[string]Commitment
	TotalCommitted float64
	Resolutions    []Resolution
	Claims         map[string]float64
	FinalOutcome   string
}

// parseMarket decodes a market fiber's stateData. JSON numbers arrive as
// float64; absent fields zero out.
func parseMarket(fiber *chain.Fiber) *MarketState {
	sd := fiber.StateData
	if sd == nil {
		sd = map[string]interface{}{}
	}
	m := &MarketState{
		MarketType:   workflows.MarketType(str(sd["marketType"])),
		Creator:      str(sd["creator"]),
		Quorum:       int(num(sd["quorum"])),
		Deadline:     int64(num(sd["deadline"])),
		Threshold:    num(sd["threshold"]),
		FinalOutcome: str(sd["finalOutcome"]),
		Commitments:  map[string]Commitment{},
		Claims:       map[string]float64{},
	}
	if raw, ok := sd["oracles"].([]interface{}); ok {
		for _, o := range raw {
			m.Oracles = append(m.Oracles, str(o))
		}
	}
	if raw, ok := sd["commitments"].(map[string]interface{}); ok {
		for addr, v := range raw {
			cm, _ := v.(map[string]interface{})
			data, _ := cm["data"].(map[string]interface{})
			m.Commitments[addr] = Commitment{
				Amount:       num(cm["amount"]),
				Data:         data,
				LastCommitAt: int64(num(cm["lastCommitAt"])),
			}
			m.TotalCommitted += num(cm["amount"])
		}
	}
	if raw, ok := sd["resolutions"].([]interface{}); ok {
		for _, v := range raw {
			rm, _ := v.(map[string]interface{})
			m.Resolutions = append(m.Resolutions, Resolution{
				Oracle:      str(rm["oracle"]),
				Outcome:     str(rm["outcome"]),
				Proof:       str(rm["proof"]),
				SubmittedAt: int64(num(rm["submittedAt"])),
			})
		}
	}
	if raw, ok := sd["claims"].(map[string]interface{}); ok {
		for addr, v := range raw {
			cm, _ := v.(map[string]interface{})
			m.Claims[addr] = num(cm["amount"])
		}
	}
	return m
}

// HasResolved reports whether the oracle already submitted a resolution.
func (m *MarketState) HasResolved(oracle string) bool {
	for _, r := range m.Resolutions {
		if r.Oracle == oracle {
			return true
		}
	}
	return false
}

// MajorityOutcome tallies resolutions and returns the winning verdict. Ties
// break toward the earliest-submitted outcome.
func (m *MarketState) MajorityOutcome() string {
	counts := map[string]int{}
	var order []string
	for _, r := range m.Resolutions {
		if _, seen := counts[r.Outcome]; !seen {
			order = append(order, r.Outcome)
		}
		counts[r.Outcome]++
	}
	best, bestN := "", -1
	for _, outcome := range order {
		if counts[outcome] > bestN {
			best, bestN = outcome, counts[outcome]
		}
	}
	return best
}

// winningPool and losingPool split commitments by the final outcome. Only
// meaningful for prediction markets, where each commitment carries
// data.outcome.
func (m *MarketState) pools() (winning, losing float64) {
	for _, c := range m.Commitments {
		if str(c.Data["outcome"]) == m.FinalOutcome {
			winning += c.Amount
		} else {
			losing += c.Amount
		}
	}
	return winning, losing
}

// ClaimAmount computes what a participant is owed after the market reaches a
// terminal state.
//
// Refunded markets return each committer's full stake. Settled prediction
// markets return stake plus a pro-rata share of the losing pool net of fee;
// losing commitments claim zero. Settled auctions refund every bidder except
// the winner. Settled crowdfunds and group buys owe participants nothing.
func (m *MarketState) ClaimAmount(addr, terminalState string) float64 {
	c, ok := m.Commitments[addr]
	if !ok {
		return 0
	}
	if terminalState == workflows.MarketRefunded {
		return c.Amount
	}
	if terminalState != workflows.MarketSettled {
		return 0
	}
	switch m.MarketType {
	case workflows.MarketPrediction:
		if str(c.Data["outcome"]) != m.FinalOutcome {
			return 0
		}
		winning, losing := m.pools()
		if winning <= 0 {
			return c.Amount
		}
		bonus := losing * (1 - settlementFeeRate) * (c.Amount / winning)
		return c.Amount + bonus
	case workflows.MarketAuction:
		if addr == m.highestBidder() {
			return 0
		}
		return c.Amount
	default:
		return 0
	}
}

func (m *MarketState) highestBidder() string {
	best, bestBid := "", -1.0
	for addr, c := range m.Commitments {
		bid := num(c.Data["bid"])
		if bid > bestBid || (bid == bestBid && addr < best) {
			best, bestBid = addr, bid
		}
	}
	return best
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}
