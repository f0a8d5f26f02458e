package orchestrator

import (
	"context"
	"log"

	"github.com/fibernet/backend/internal/chain"
)

// HealthSource is the slice of the data client the health gate reads.
// Satisfied by *dataclient.Client.
type HealthSource interface {
	ClusterInfo(ctx context.Context, baseURL string) ([]chain.ClusterNode, error)
	NodeInfo(ctx context.Context, baseURL string) (*chain.NodeInfo, error)
}

// HealthGate decides whether a tick may submit at all. A tick is skipped when
// any configured layer is unreachable, reports a non-Ready node, or when
// same-layer peers disagree on state (fork suspicion).
type HealthGate struct {
	source HealthSource
	layers []string // base URLs, one per layer to check
	logger *log.Logger
}

// NewHealthGate checks the given layer base URLs each tick.
func NewHealthGate(source HealthSource, layers []string) *HealthGate {
	return &HealthGate{
		source: source,
		layers: layers,
		logger: log.New(log.Writer(), "[HEALTH] ", log.LstdFlags),
	}
}

// Ready reports whether every configured layer is safe to submit to.
func (g *HealthGate) Ready(ctx context.Context) bool {
	for _, base := range g.layers {
		info, err := g.source.NodeInfo(ctx, base)
		if err != nil {
			g.logger.Printf("⚠️ %s node/info unreachable: %v", base, err)
			return false
		}
		if info.State != "Ready" {
			g.logger.Printf("⚠️ %s not ready: %s", base, info.State)
			return false
		}

		peers, err := g.source.ClusterInfo(ctx, base)
		if err != nil {
			g.logger.Printf("⚠️ %s cluster/info unreachable: %v", base, err)
			return false
		}
		for _, peer := range peers {
			if peer.State != "Ready" {
				g.logger.Printf("⚠️ %s peer %s in state %s", base, peer.ID, peer.State)
				return false
			}
		}
		if forked(info, peers) {
			g.logger.Printf("🚨 Fork suspected on %s", base)
			return false
		}
	}
	return true
}

// forked flags same-layer disagreement: the queried node must agree with its
// own cluster view of itself.
func forked(self *chain.NodeInfo, peers []chain.ClusterNode) bool {
	for _, peer := range peers {
		if peer.ID == self.ID && peer.State != self.State {
			return true
		}
	}
	return false
}
