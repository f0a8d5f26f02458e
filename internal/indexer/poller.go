package indexer

import (
	"context"
	"log"
	"time"

	"github.com/fibernet/backend/internal/chain"
)

// SnapshotSource is the slice of the data client the poller reads.
type SnapshotSource interface {
	GetCheckpoint(ctx context.Context) (*chain.Checkpoint, error)
	GetLatestOrdinal(ctx context.Context) (*uint64, error)
}

// Poller mirrors snapshot-layer state into the store: new ML0 ordinals are
// recorded PENDING until a confirmation webhook lands, and fiber sequence
// advances become transition rows. Webhooks are the primary signal; polling
// covers deliveries lost while the indexer was down.
type Poller struct {
	source   SnapshotSource
	store    Store
	interval time.Duration
	logger   *log.Logger

	lastSeen map[string]FiberStateRecord
	lastOrd  uint64
}

// NewPoller creates a poller with the given sweep interval.
func NewPoller(source SnapshotSource, store Store, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		source:   source,
		store:    store,
		interval: interval,
		logger:   log.New(log.Writer(), "[POLLER] ", log.LstdFlags),
		lastSeen: make(map[string]FiberStateRecord),
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil {
				p.logger.Printf("⚠️ Sweep failed: %v", err)
			}
		}
	}
}

// Sweep performs one polling pass.
func (p *Poller) Sweep(ctx context.Context) error {
	if ord, err := p.source.GetLatestOrdinal(ctx); err == nil && ord != nil && *ord > p.lastOrd {
		for o := p.lastOrd + 1; o <= *ord; o++ {
			if err := p.store.RecordPendingSnapshot(ctx, o, ""); err != nil {
				return err
			}
		}
		p.lastOrd = *ord
	}

	cp, err := p.source.GetCheckpoint(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for fiberID, fiber := range cp.State.StateMachines {
		prev, seen := p.lastSeen[fiberID]
		rec := FiberStateRecord{
			FiberID:        fiberID,
			CurrentState:   fiber.CurrentState,
			StateData:      fiber.StateData,
			SequenceNumber: fiber.SequenceNumber,
			Ordinal:        cp.Ordinal,
			UpdatedAt:      now,
		}
		if seen && prev.SequenceNumber == fiber.SequenceNumber {
			continue
		}
		if err := p.store.UpsertFiberState(ctx, &rec); err != nil {
			return err
		}
		if seen && fiber.SequenceNumber > prev.SequenceNumber {
			tr := TransitionRecord{
				FiberID:        fiberID,
				FromState:      prev.CurrentState,
				ToState:        fiber.CurrentState,
				SequenceNumber: fiber.SequenceNumber,
				Ordinal:        cp.Ordinal,
				ObservedAt:     now,
			}
			if err := p.store.InsertTransition(ctx, &tr); err != nil {
				return err
			}
		}
		p.lastSeen[fiberID] = rec
	}
	return nil
}
