// Package indexer ingests rejection and confirmation webhooks from the
// metagraph, persists them with dedup on updateHash, tracks snapshot
// confirmation status, and serves the query API.
package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/fibernet/backend/internal/chain"
)

// ErrNoRecord is returned by point lookups that find nothing.
var ErrNoRecord = errors.New("no such record")

// RejectionQuery filters the rejection index. Zero values mean "no filter".
type RejectionQuery struct {
	FiberID     string
	UpdateType  string
	Signer      string
	ErrorCode   string
	FromOrdinal *uint64
	ToOrdinal   *uint64
	Limit       int
	Offset      int
}

// RejectionPage is one page of query results, ordered by ordinal descending
// with id descending as tie-break.
type RejectionPage struct {
	Rejections []chain.RejectedTransaction `json:"rejections"`
	Total      int                         `json:"total"`
	HasMore    bool                        `json:"hasMore"`
}

// FiberStateRecord is the last-indexed view of one fiber.
type FiberStateRecord struct {
	FiberID        string                 `json:"fiberId"`
	CurrentState   string                 `json:"currentState"`
	StateData      map[string]interface{} `json:"stateData,omitempty"`
	SequenceNumber uint64                 `json:"sequenceNumber"`
	Ordinal        uint64                 `json:"ordinal"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// TransitionRecord is one observed successful transition.
type TransitionRecord struct {
	FiberID        string    `json:"fiberId"`
	FromState      string    `json:"fromState"`
	ToState        string    `json:"toState"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	Ordinal        uint64    `json:"ordinal"`
	ObservedAt     time.Time `json:"observedAt"`
}

// Store persists the rejection index, snapshot statuses, and fiber views.
// Implementations must make InsertRejection safe under concurrent delivery
// of distinct update hashes; the unique constraint on updateHash is the
// correctness backstop for duplicates.
type Store interface {
	// InsertRejection stores a rejection keyed by UpdateHash. Returns false
	// with no error when the hash is already indexed.
	InsertRejection(ctx context.Context, rec *chain.RejectedTransaction) (inserted bool, err error)
	GetRejection(ctx context.Context, updateHash string) (*chain.RejectedTransaction, error)
	QueryRejections(ctx context.Context, q RejectionQuery) (*RejectionPage, error)

	// RecordPendingSnapshot registers a newly observed ML0 snapshot as
	// PENDING. Re-recording an existing ordinal is a no-op.
	RecordPendingSnapshot(ctx context.Context, ordinal uint64, hash string) error
	// ConfirmSnapshot moves the matching row to CONFIRMED and, in the same
	// transaction, marks older PENDING rows ORPHANED. Returns the orphan
	// count.
	ConfirmSnapshot(ctx context.Context, ml0Ordinal, gl0Ordinal uint64, hash string, confirmedAt time.Time) (orphaned int64, err error)
	GetSnapshot(ctx context.Context, ordinal uint64) (*chain.SnapshotRecord, error)
	ListSnapshots(ctx context.Context, status string, limit int) ([]chain.SnapshotRecord, error)

	UpsertFiberState(ctx context.Context, rec *FiberStateRecord) error
	GetFiberState(ctx context.Context, fiberID string) (*FiberStateRecord, error)
	InsertTransition(ctx context.Context, rec *TransitionRecord) error
	ListTransitions(ctx context.Context, fiberID string, limit int) ([]TransitionRecord, error)

	Close() error
}

const defaultPageLimit = 50

// normalizeQuery clamps paging parameters.
func normalizeQuery(q RejectionQuery) RejectionQuery {
	if q.Limit <= 0 {
		q.Limit = defaultPageLimit
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
