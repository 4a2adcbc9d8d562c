// Package ledger persists an audit trail of sponsored operations. Rows are
// a record and a sweep worklist, never a source of truth: position state is
// always re-read from chain.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrNotFound = errors.New("not found")

// KindClose rows feed the sweep worklist; the keeper refunds request rent
// after a close, so only those owners accumulate reclaimable lamports.
const (
	KindOpen     = "open"
	KindClose    = "close"
	KindTransfer = "transfer"
	KindSweep    = "sweep"
	KindSend     = "send"
)

type Store struct {
	db *sql.DB
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sponsored_ops (
			id BIGSERIAL PRIMARY KEY,
			signature TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL,
			kind TEXT NOT NULL,
			blockhash TEXT NOT NULL DEFAULT '',
			top_up_lamports BIGINT NOT NULL DEFAULT 0,
			missing_rent_lamports BIGINT NOT NULL DEFAULT 0,
			priority_fee_lamports BIGINT NOT NULL DEFAULT 0,
			expected_refund_lamports BIGINT NOT NULL DEFAULT 0,
			confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			swept BOOLEAN NOT NULL DEFAULT FALSE,
			sweep_attempts INT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sponsored_ops_signature ON sponsored_ops(signature) WHERE signature <> '';`,
		`CREATE INDEX IF NOT EXISTS idx_sponsored_ops_owner ON sponsored_ops(owner);`,
		`CREATE INDEX IF NOT EXISTS idx_sponsored_ops_pending ON sponsored_ops(owner, blockhash) WHERE signature = '';`,
		`CREATE INDEX IF NOT EXISTS idx_sponsored_ops_sweep ON sponsored_ops(swept, kind, created_at);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

// OperationRecord is one sponsored operation. A row is inserted at build
// time with the computed economics and an empty signature, then completed
// at broadcast time; rows broadcast without a prior build land as bare
// "send" rows.
type OperationRecord struct {
	Signature          string `json:"signature,omitempty"`
	Owner              string `json:"owner"`
	Kind               string `json:"kind"`
	Blockhash          string `json:"blockhash,omitempty"`
	TopUpLamports      uint64 `json:"topUpLamports"`
	MissingRent        uint64 `json:"missingRentLamports"`
	PriorityFee        uint64 `json:"priorityFeeLamports"`
	ExpectedRefund     uint64 `json:"expectedRefundLamports,omitempty"`
	Confirmed          bool   `json:"confirmed"`
	Swept              bool   `json:"swept"`
	SweepAttempts      int    `json:"sweepAttempts,omitempty"`
	CreatedAtUnixMilli int64  `json:"createdAt"`
}

func (s *Store) Insert(ctx context.Context, record OperationRecord) error {
	if record.CreatedAtUnixMilli == 0 {
		record.CreatedAtUnixMilli = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, rebind(`
		INSERT INTO sponsored_ops
			(signature, owner, kind, blockhash, top_up_lamports, missing_rent_lamports, priority_fee_lamports, expected_refund_lamports, confirmed, swept, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		record.Signature,
		record.Owner,
		record.Kind,
		record.Blockhash,
		int64(record.TopUpLamports),
		int64(record.MissingRent),
		int64(record.PriorityFee),
		int64(record.ExpectedRefund),
		record.Confirmed,
		record.Swept,
		record.CreatedAtUnixMilli,
	)
	if err != nil {
		return fmt.Errorf("insert sponsored op for %s: %w", record.Owner, err)
	}
	return nil
}

// RecordOperation completes the pending build row matching the broadcast
// transaction's owner and blockhash, keeping the kind and economics written
// at build time. A broadcast with no pending row is recorded bare.
func (s *Store) RecordOperation(ctx context.Context, signature, owner, blockhash string, confirmed bool) error {
	result, err := s.db.ExecContext(ctx, rebind(`
		UPDATE sponsored_ops SET signature = ?, confirmed = ?
		WHERE id = (
			SELECT id FROM sponsored_ops
			WHERE owner = ? AND blockhash = ? AND signature = ''
			ORDER BY created_at DESC LIMIT 1
		)`),
		signature, confirmed, owner, blockhash)
	if err != nil {
		return fmt.Errorf("complete sponsored op %s: %w", signature, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		return nil
	}
	return s.Insert(ctx, OperationRecord{
		Signature: signature,
		Owner:     owner,
		Kind:      KindSend,
		Blockhash: blockhash,
		Confirmed: confirmed,
	})
}

// UnsweptOwners returns owners with confirmed close operations not yet
// reconciled, oldest first, skipping owners whose settlement wait has
// already been attempted maxAttempts times. The sweeper polls this as its
// worklist.
func (s *Store) UnsweptOwners(ctx context.Context, limit, maxAttempts int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	rows, err := s.db.QueryContext(ctx, rebind(`
		SELECT owner FROM sponsored_ops
		WHERE swept = FALSE AND confirmed = TRUE AND kind = ? AND sweep_attempts < ?
		GROUP BY owner
		ORDER BY MIN(created_at)
		LIMIT ?`), KindClose, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list unswept owners: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan unswept owner: %w", err)
		}
		out = append(out, owner)
	}
	return out, rows.Err()
}

// RecordSweepAttempt bumps the attempt counter on an owner's unswept close
// rows. Owners whose refund never lands age out of the worklist instead of
// blocking it.
func (s *Store) RecordSweepAttempt(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, rebind(`
		UPDATE sponsored_ops SET sweep_attempts = sweep_attempts + 1
		WHERE owner = ? AND swept = FALSE AND kind = ?`), owner, KindClose)
	if err != nil {
		return fmt.Errorf("record sweep attempt for %s: %w", owner, err)
	}
	return nil
}

func (s *Store) MarkOwnerSwept(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, rebind(`
		UPDATE sponsored_ops SET swept = TRUE WHERE owner = ? AND swept = FALSE`), owner)
	if err != nil {
		return fmt.Errorf("mark owner %s swept: %w", owner, err)
	}
	return nil
}

func (s *Store) Operation(ctx context.Context, signature string) (OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, rebind(`
		SELECT signature, owner, kind, blockhash, top_up_lamports, missing_rent_lamports, priority_fee_lamports, expected_refund_lamports, confirmed, swept, sweep_attempts, created_at
		FROM sponsored_ops WHERE signature = ? AND signature <> ''`), signature)

	var record OperationRecord
	var topUp, rent, fee, refund int64
	err := row.Scan(
		&record.Signature, &record.Owner, &record.Kind, &record.Blockhash,
		&topUp, &rent, &fee, &refund,
		&record.Confirmed, &record.Swept, &record.SweepAttempts, &record.CreatedAtUnixMilli,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return OperationRecord{}, ErrNotFound
	}
	if err != nil {
		return OperationRecord{}, fmt.Errorf("load sponsored op %s: %w", signature, err)
	}
	record.TopUpLamports = uint64(topUp)
	record.MissingRent = uint64(rent)
	record.PriorityFee = uint64(fee)
	record.ExpectedRefund = uint64(refund)
	return record, nil
}

// rebind rewrites ? placeholders to postgres $N form.
func rebind(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}
		out.WriteByte(query[i])
	}
	return out.String()
}
