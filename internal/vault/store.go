package vault

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// Store persists the vault journal in postgres. The journal is the audit
// trail the replica can be rebuilt from and the snapshot source for
// reconciliation in multi-process deployments.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append records an applied mutation.
func (s *Store) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vault_journal (sequence, kind, caller, token, amount, policy_id, account, total, locked, premiums, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.Sequence, rec.Kind, rec.Caller, rec.Token, rec.Amount,
		rec.PolicyID, rec.Account, rec.Total, rec.Locked, rec.Premiums, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	return nil
}

// ReadAggregates returns the latest journaled aggregates per token from a
// single repeatable-read transaction, so reconciliation compares against one
// consistent snapshot rather than several independent reads.
func (s *Store) ReadAggregates(ctx context.Context) (map[string]Aggregates, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT ON (token) token, total, locked, premiums
		 FROM vault_journal ORDER BY token, sequence DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal aggregates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Aggregates)
	for rows.Next() {
		var token string
		var total, locked, premiums decimal.Decimal
		if err := rows.Scan(&token, &total, &locked, &premiums); err != nil {
			return nil, fmt.Errorf("failed to scan journal aggregates: %w", err)
		}
		out[token] = Aggregates{Total: total, Locked: locked, Premiums: premiums}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot transaction: %w", err)
	}
	return out, nil
}

// Records returns journal records after the given sequence, oldest first.
// Used for replica rebuild.
func (s *Store) Records(ctx context.Context, afterSequence int64, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, kind, caller, token, amount, policy_id, account, total, locked, premiums, created_at
		 FROM vault_journal WHERE sequence > $1 ORDER BY sequence ASC LIMIT $2`,
		afterSequence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Sequence, &rec.Kind, &rec.Caller, &rec.Token, &rec.Amount,
			&rec.PolicyID, &rec.Account, &rec.Total, &rec.Locked, &rec.Premiums, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan journal record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// EnsureSchema creates the journal table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vault_journal (
			sequence   BIGINT PRIMARY KEY,
			kind       TEXT NOT NULL,
			caller     TEXT NOT NULL,
			token      TEXT NOT NULL,
			amount     NUMERIC NOT NULL,
			policy_id  BIGINT NOT NULL DEFAULT 0,
			account    TEXT NOT NULL DEFAULT '',
			total      NUMERIC NOT NULL,
			locked     NUMERIC NOT NULL,
			premiums   NUMERIC NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure journal schema: %w", err)
	}
	return nil
}
