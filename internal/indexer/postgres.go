package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fibernet/backend/internal/chain"
)

// schema is applied idempotently on startup. The unique index on update_hash
// is the dedup backstop under concurrent webhook delivery.
const schema = `
CREATE TABLE IF NOT EXISTS rejected_transactions (
    id           BIGSERIAL PRIMARY KEY,
    ordinal      BIGINT NOT NULL,
    ts           TIMESTAMPTZ NOT NULL,
    update_type  TEXT NOT NULL,
    fiber_id     TEXT NOT NULL DEFAULT '',
    update_hash  TEXT NOT NULL,
    errors       JSONB NOT NULL DEFAULT '[]',
    signers      TEXT[] NOT NULL DEFAULT '{}',
    raw_payload  JSONB
);
CREATE UNIQUE INDEX IF NOT EXISTS rejected_transactions_update_hash_key
    ON rejected_transactions (update_hash);
CREATE INDEX IF NOT EXISTS rejected_transactions_fiber_idx
    ON rejected_transactions (fiber_id, ordinal DESC);

CREATE TABLE IF NOT EXISTS snapshots (
    ordinal      BIGINT PRIMARY KEY,
    hash         TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'PENDING',
    gl0_ordinal  BIGINT,
    confirmed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS fiber_states (
    fiber_id        TEXT PRIMARY KEY,
    current_state   TEXT NOT NULL,
    state_data      JSONB,
    sequence_number BIGINT NOT NULL,
    ordinal         BIGINT NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS fiber_transitions (
    id              BIGSERIAL PRIMARY KEY,
    fiber_id        TEXT NOT NULL,
    from_state      TEXT NOT NULL,
    to_state        TEXT NOT NULL,
    sequence_number BIGINT NOT NULL,
    ordinal         BIGINT NOT NULL,
    observed_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fiber_transitions_fiber_idx
    ON fiber_transitions (fiber_id, ordinal DESC);
`

// PostgresStore is the production Store over lib/pq.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore connects, pings, and applies the schema.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) InsertRejection(ctx context.Context, rec *chain.RejectedTransaction) (bool, error) {
	errJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return false, fmt.Errorf("marshal errors: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rejected_transactions
		    (ordinal, ts, update_type, fiber_id, update_hash, errors, signers, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (update_hash) DO NOTHING`,
		rec.Ordinal, rec.Timestamp, rec.UpdateType, rec.FiberID, rec.UpdateHash,
		errJSON, pq.Array(rec.Signers), nullableJSON(rec.RawPayload),
	)
	if err != nil {
		return false, fmt.Errorf("insert rejection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) GetRejection(ctx context.Context, updateHash string) (*chain.RejectedTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ordinal, ts, update_type, fiber_id, update_hash, errors, signers, raw_payload
		FROM rejected_transactions WHERE update_hash = $1`, updateHash)
	rec, err := scanRejection(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRecord
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRejection(row rowScanner) (*chain.RejectedTransaction, error) {
	var rec chain.RejectedTransaction
	var errJSON []byte
	var rawPayload sql.NullString
	var signers pq.StringArray
	if err := row.Scan(&rec.ID, &rec.Ordinal, &rec.Timestamp, &rec.UpdateType,
		&rec.FiberID, &rec.UpdateHash, &errJSON, &signers, &rawPayload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(errJSON, &rec.Errors); err != nil {
		return nil, fmt.Errorf("decode errors column: %w", err)
	}
	rec.Signers = signers
	if rawPayload.Valid {
		rec.RawPayload = json.RawMessage(rawPayload.String)
	}
	return &rec, nil
}

func (s *PostgresStore) QueryRejections(ctx context.Context, q RejectionQuery) (*RejectionPage, error) {
	q = normalizeQuery(q)

	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.FiberID != "" {
		where = append(where, "fiber_id = "+arg(q.FiberID))
	}
	if q.UpdateType != "" {
		where = append(where, "update_type = "+arg(q.UpdateType))
	}
	if q.Signer != "" {
		where = append(where, arg(q.Signer)+" = ANY(signers)")
	}
	if q.ErrorCode != "" {
		where = append(where, "errors @> "+arg(fmt.Sprintf(`[{"code":%q}]`, q.ErrorCode))+"::jsonb")
	}
	if q.FromOrdinal != nil {
		where = append(where, "ordinal >= "+arg(*q.FromOrdinal))
	}
	if q.ToOrdinal != nil {
		where = append(where, "ordinal <= "+arg(*q.ToOrdinal))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rejected_transactions"+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count rejections: %w", err)
	}

	query := `SELECT id, ordinal, ts, update_type, fiber_id, update_hash, errors, signers, raw_payload
		FROM rejected_transactions` + clause +
		" ORDER BY ordinal DESC, id DESC LIMIT " + arg(q.Limit) + " OFFSET " + arg(q.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rejections: %w", err)
	}
	defer rows.Close()

	page := &RejectionPage{Rejections: []chain.RejectedTransaction{}, Total: total}
	for rows.Next() {
		rec, err := scanRejection(rows)
		if err != nil {
			return nil, err
		}
		page.Rejections = append(page.Rejections, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	page.HasMore = q.Offset+len(page.Rejections) < total
	return page, nil
}

func (s *PostgresStore) RecordPendingSnapshot(ctx context.Context, ordinal uint64, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (ordinal, hash, status) VALUES ($1, $2, 'PENDING')
		ON CONFLICT (ordinal) DO NOTHING`, ordinal, hash)
	return err
}

func (s *PostgresStore) ConfirmSnapshot(ctx context.Context, ml0Ordinal, gl0Ordinal uint64, hash string, confirmedAt time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin confirm tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (ordinal, hash, status, gl0_ordinal, confirmed_at)
		VALUES ($1, $2, 'CONFIRMED', $3, $4)
		ON CONFLICT (ordinal) DO UPDATE
		SET status = 'CONFIRMED', gl0_ordinal = $3, confirmed_at = $4, hash = $2`,
		ml0Ordinal, hash, gl0Ordinal, confirmedAt); err != nil {
		return 0, fmt.Errorf("confirm snapshot: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE snapshots SET status = 'ORPHANED'
		WHERE status = 'PENDING' AND ordinal < $1`, ml0Ordinal)
	if err != nil {
		return 0, fmt.Errorf("orphan sweep: %w", err)
	}
	orphaned, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit confirm tx: %w", err)
	}
	if orphaned > 0 {
		s.logger.Printf("⚠️ Orphaned %d snapshots below ordinal %d", orphaned, ml0Ordinal)
	}
	return orphaned, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, ordinal uint64) (*chain.SnapshotRecord, error) {
	var rec chain.SnapshotRecord
	var gl0 sql.NullInt64
	var confirmedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT ordinal, hash, status, gl0_ordinal, confirmed_at FROM snapshots WHERE ordinal = $1`,
		ordinal).Scan(&rec.Ordinal, &rec.Hash, &rec.Status, &gl0, &confirmedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}
	if gl0.Valid {
		v := uint64(gl0.Int64)
		rec.GL0Ordinal = &v
	}
	if confirmedAt.Valid {
		rec.ConfirmedAt = &confirmedAt.Time
	}
	return &rec, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, status string, limit int) ([]chain.SnapshotRecord, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, hash, status, gl0_ordinal, confirmed_at FROM snapshots
		WHERE ($1 = '' OR status = $1) ORDER BY ordinal DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chain.SnapshotRecord
	for rows.Next() {
		var rec chain.SnapshotRecord
		var gl0 sql.NullInt64
		var confirmedAt sql.NullTime
		if err := rows.Scan(&rec.Ordinal, &rec.Hash, &rec.Status, &gl0, &confirmedAt); err != nil {
			return nil, err
		}
		if gl0.Valid {
			v := uint64(gl0.Int64)
			rec.GL0Ordinal = &v
		}
		if confirmedAt.Valid {
			rec.ConfirmedAt = &confirmedAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertFiberState(ctx context.Context, rec *FiberStateRecord) error {
	data, err := json.Marshal(rec.StateData)
	if err != nil {
		return fmt.Errorf("marshal state data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fiber_states (fiber_id, current_state, state_data, sequence_number, ordinal, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fiber_id) DO UPDATE
		SET current_state = $2, state_data = $3, sequence_number = $4, ordinal = $5, updated_at = $6`,
		rec.FiberID, rec.CurrentState, data, rec.SequenceNumber, rec.Ordinal, rec.UpdatedAt)
	return err
}

func (s *PostgresStore) GetFiberState(ctx context.Context, fiberID string) (*FiberStateRecord, error) {
	var rec FiberStateRecord
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT fiber_id, current_state, state_data, sequence_number, ordinal, updated_at
		FROM fiber_states WHERE fiber_id = $1`, fiberID).
		Scan(&rec.FiberID, &rec.CurrentState, &data, &rec.SequenceNumber, &rec.Ordinal, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rec.StateData); err != nil {
			return nil, fmt.Errorf("decode state data: %w", err)
		}
	}
	return &rec, nil
}

func (s *PostgresStore) InsertTransition(ctx context.Context, rec *TransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fiber_transitions (fiber_id, from_state, to_state, sequence_number, ordinal, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.FiberID, rec.FromState, rec.ToState, rec.SequenceNumber, rec.Ordinal, rec.ObservedAt)
	return err
}

func (s *PostgresStore) ListTransitions(ctx context.Context, fiberID string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fiber_id, from_state, to_state, sequence_number, ordinal, observed_at
		FROM fiber_transitions WHERE fiber_id = $1 ORDER BY ordinal DESC, id DESC LIMIT $2`,
		fiberID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		if err := rows.Scan(&rec.FiberID, &rec.FromState, &rec.ToState,
			&rec.SequenceNumber, &rec.Ordinal, &rec.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
