package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/events"
	"github.com/fibernet/backend/internal/metrics"
)

// Redis channels mirrored from the in-process bus for external consumers.
const (
	RedisRejectionChannel    = "fibernet:rejections"
	RedisConfirmationChannel = "fibernet:confirmations"
)

// Service is the intake pipeline: dedup, persist, then fan out on the bus
// and optionally Redis.
type Service struct {
	store   Store
	bus     *events.Bus
	redis   *redis.Client
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewService wires the pipeline. redisClient may be nil for single-process
// deployments.
func NewService(store Store, bus *events.Bus, redisClient *redis.Client, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		bus:     bus,
		redis:   redisClient,
		metrics: m,
		logger:  log.New(log.Writer(), "[INDEXER] ", log.LstdFlags),
	}
}

// Store exposes the underlying store to the query API.
func (s *Service) Store() Store { return s.store }

// Bus exposes the in-process bus for feed subscribers.
func (s *Service) Bus() *events.Bus { return s.bus }

// IntakeResult is the intake endpoint's acknowledgement.
type IntakeResult struct {
	Accepted       bool  `json:"accepted"`
	AlreadyIndexed bool  `json:"alreadyIndexed,omitempty"`
	Orphaned       int64 `json:"orphaned,omitempty"`
}

// ProcessRejection upserts a rejection keyed by updateHash. Duplicates
// acknowledge without a new row or republication.
func (s *Service) ProcessRejection(ctx context.Context, ev *chain.RejectionEvent) (*IntakeResult, error) {
	if ev.Rejection.UpdateHash == "" {
		return nil, fmt.Errorf("rejection missing updateHash")
	}
	rec := &chain.RejectedTransaction{
		Ordinal:    ev.Ordinal,
		Timestamp:  ev.Timestamp,
		UpdateType: ev.Rejection.UpdateType,
		FiberID:    ev.Rejection.FiberID,
		UpdateHash: ev.Rejection.UpdateHash,
		Errors:     ev.Rejection.Errors,
		Signers:    ev.Rejection.Signers,
		RawPayload: ev.Rejection.RawPayload,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	inserted, err := s.store.InsertRejection(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("index rejection %s: %w", rec.UpdateHash, err)
	}
	if !inserted {
		return &IntakeResult{Accepted: true, AlreadyIndexed: true}, nil
	}

	if s.metrics != nil {
		codes := make([]string, 0, len(rec.Errors))
		for _, e := range rec.Errors {
			codes = append(codes, e.Code)
		}
		s.metrics.RecordRejection(codes)
	}
	s.bus.Publish(events.NewEvent(events.TypeRejection, rec.FiberID, rec))
	s.publishRedis(ctx, RedisRejectionChannel, rec)
	s.logger.Printf("Indexed rejection %s on fiber %s (%d errors)", rec.UpdateHash, rec.FiberID, len(rec.Errors))
	return &IntakeResult{Accepted: true}, nil
}

// ProcessConfirmation confirms a snapshot and orphans stale pending rows.
func (s *Service) ProcessConfirmation(ctx context.Context, ev *chain.ConfirmationEvent) (*IntakeResult, error) {
	orphaned, err := s.store.ConfirmSnapshot(ctx, ev.ML0Ordinal, ev.GL0Ordinal, ev.Hash, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("confirm snapshot %d: %w", ev.ML0Ordinal, err)
	}
	if s.metrics != nil && orphaned > 0 {
		s.metrics.SnapshotsOrphaned.Add(float64(orphaned))
	}
	s.bus.Publish(events.NewEvent(events.TypeConfirmation, "", ev))
	s.publishRedis(ctx, RedisConfirmationChannel, ev)
	return &IntakeResult{Accepted: true, Orphaned: orphaned}, nil
}

// publishRedis mirrors an event to Redis Pub/Sub. Failures degrade to
// local-only delivery.
func (s *Service) publishRedis(ctx context.Context, channel string, payload interface{}) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("⚠️ Redis publish skipped, marshal failed: %v", err)
		return
	}
	if err := s.redis.Publish(ctx, channel, data).Err(); err != nil {
		s.logger.Printf("⚠️ Redis publish to %s failed: %v", channel, err)
	}
}
