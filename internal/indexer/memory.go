package indexer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fibernet/backend/internal/chain"
)

// MemoryStore is the in-process Store used by tests and local runs without
// Postgres. Semantics mirror PostgresStore, including dedup on updateHash
// and the orphan sweep.
type MemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	rejections  []chain.RejectedTransaction
	byHash      map[string]int
	snapshots   map[uint64]chain.SnapshotRecord
	fiberStates map[string]FiberStateRecord
	transitions []TransitionRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:      1,
		byHash:      make(map[string]int),
		snapshots:   make(map[uint64]chain.SnapshotRecord),
		fiberStates: make(map[string]FiberStateRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) InsertRejection(ctx context.Context, rec *chain.RejectedTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byHash[rec.UpdateHash]; dup {
		return false, nil
	}
	stored := *rec
	stored.ID = s.nextID
	s.nextID++
	s.byHash[rec.UpdateHash] = len(s.rejections)
	s.rejections = append(s.rejections, stored)
	return true, nil
}

func (s *MemoryStore) GetRejection(ctx context.Context, updateHash string) (*chain.RejectedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byHash[updateHash]
	if !ok {
		return nil, ErrNoRecord
	}
	rec := s.rejections[idx]
	return &rec, nil
}

func (s *MemoryStore) QueryRejections(ctx context.Context, q RejectionQuery) (*RejectionPage, error) {
	q = normalizeQuery(q)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []chain.RejectedTransaction
	for _, rec := range s.rejections {
		if q.FiberID != "" && rec.FiberID != q.FiberID {
			continue
		}
		if q.UpdateType != "" && rec.UpdateType != q.UpdateType {
			continue
		}
		if q.Signer != "" && !containsStr(rec.Signers, q.Signer) {
			continue
		}
		if q.ErrorCode != "" && !hasErrorCode(rec.Errors, q.ErrorCode) {
			continue
		}
		if q.FromOrdinal != nil && rec.Ordinal < *q.FromOrdinal {
			continue
		}
		if q.ToOrdinal != nil && rec.Ordinal > *q.ToOrdinal {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Ordinal != matched[j].Ordinal {
			return matched[i].Ordinal > matched[j].Ordinal
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	page := &RejectionPage{
		Rejections: append([]chain.RejectedTransaction{}, matched[start:end]...),
		Total:      total,
		HasMore:    q.Offset+(end-start) < total,
	}
	return page, nil
}

func (s *MemoryStore) RecordPendingSnapshot(ctx context.Context, ordinal uint64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[ordinal]; ok {
		return nil
	}
	s.snapshots[ordinal] = chain.SnapshotRecord{Ordinal: ordinal, Hash: hash, Status: chain.SnapshotPending}
	return nil
}

func (s *MemoryStore) ConfirmSnapshot(ctx context.Context, ml0Ordinal, gl0Ordinal uint64, hash string, confirmedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gl0 := gl0Ordinal
	at := confirmedAt
	s.snapshots[ml0Ordinal] = chain.SnapshotRecord{
		Ordinal:     ml0Ordinal,
		Hash:        hash,
		Status:      chain.SnapshotConfirmed,
		GL0Ordinal:  &gl0,
		ConfirmedAt: &at,
	}

	var orphaned int64
	for ord, rec := range s.snapshots {
		if rec.Status == chain.SnapshotPending && ord < ml0Ordinal {
			rec.Status = chain.SnapshotOrphaned
			s.snapshots[ord] = rec
			orphaned++
		}
	}
	return orphaned, nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, ordinal uint64) (*chain.SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.snapshots[ordinal]
	if !ok {
		return nil, ErrNoRecord
	}
	return &rec, nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, status string, limit int) ([]chain.SnapshotRecord, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chain.SnapshotRecord
	for _, rec := range s.snapshots {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal > out[j].Ordinal })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertFiberState(ctx context.Context, rec *FiberStateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fiberStates[rec.FiberID] = *rec
	return nil
}

func (s *MemoryStore) GetFiberState(ctx context.Context, fiberID string) (*FiberStateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.fiberStates[fiberID]
	if !ok {
		return nil, ErrNoRecord
	}
	return &rec, nil
}

func (s *MemoryStore) InsertTransition(ctx context.Context, rec *TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, *rec)
	return nil
}

func (s *MemoryStore) ListTransitions(ctx context.Context, fiberID string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []TransitionRecord
	for i := len(s.transitions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.transitions[i].FiberID == fiberID {
			out = append(out, s.transitions[i])
		}
	}
	return out, nil
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasErrorCode(errs []chain.RejectionError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}
