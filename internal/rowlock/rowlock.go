// Package rowlock implements the per-row unique-constraint admission check
// that lets multiple daemon replicas race to claim the same (job, row)
// pair safely: exactly one INSERT into the unlogged lock table succeeds,
// and that replica is the one that proceeds. Grounded on original_source's
// lock-table usage in embedding_jobs.rs / client_embedding_jobs.rs and the
// ldb_lock_jobid_rowid unique constraint from domain.LockTableDDL.
package rowlock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAlreadyLocked is returned by Acquire when another replica already
// claimed this (jobID, rowID) pair.
var ErrAlreadyLocked = errors.New("rowlock: row already locked by another worker")

const pgUniqueViolation = "23505"

// Table performs lock acquisition/release against one schema-qualified lock
// table shared by every job of a given kind.
type Table struct {
	pool      *pgxpool.Pool
	fullName  string
}

// New returns a Table bound to schema.lockTable.
func New(pool *pgxpool.Pool, schema, lockTable string) *Table {
	return &Table{
		pool:     pool,
		fullName: pgx.Identifier{schema, lockTable}.Sanitize(),
	}
}

// Acquire attempts to claim rowID for jobID. Returns ErrAlreadyLocked if the
// unique constraint rejects the insert, which is the expected outcome when
// a sibling replica won the race rather than a real error.
func (t *Table) Acquire(ctx context.Context, jobID int32, rowID string) error {
	_, err := t.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (job_id, row_id) VALUES ($1, $2)`, t.fullName),
		jobID, rowID,
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyLocked
	}
	return fmt.Errorf("rowlock: acquire %d/%s: %w", jobID, rowID, err)
}

// AcquireBatch attempts to claim every rowID for jobID in one round trip,
// returning only the rowIDs this replica actually won, in one statement
// instead of one insert per row. The batcher (C4) does not use it: it
// claims each notified row with Acquire as the notification arrives.
func (t *Table) AcquireBatch(ctx context.Context, jobID int32, rowIDs []string) ([]string, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}
	rows, err := t.pool.Query(ctx,
		fmt.Sprintf(`
INSERT INTO %s (job_id, row_id)
SELECT $1, r FROM unnest($2::text[]) AS r
ON CONFLICT (job_id, row_id) DO NOTHING
RETURNING row_id`, t.fullName),
		jobID, rowIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("rowlock: acquire batch for job %d: %w", jobID, err)
	}
	defer rows.Close()

	won := make([]string, 0, len(rowIDs))
	for rows.Next() {
		var rowID string
		if err := rows.Scan(&rowID); err != nil {
			return nil, fmt.Errorf("rowlock: scan acquired row: %w", err)
		}
		won = append(won, rowID)
	}
	return won, rows.Err()
}

// Release removes jobID's lock rows entirely, used once a job reaches a
// terminal state (spec.md §4.3: "lock rows outlive neither their job nor a
// cancellation").
func (t *Table) Release(ctx context.Context, jobID int32) error {
	_, err := t.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, t.fullName), jobID)
	if err != nil {
		return fmt.Errorf("rowlock: release job %d: %w", jobID, err)
	}
	return nil
}

// ReconcileTerminal deletes lock rows belonging to any job in
// terminalJobIDs, so lock rows from jobs that finished, failed, or were
// canceled stop blocking re-runs of the same row. The daemon's startup path
// (internal/app) does not call it; lock rows of terminal jobs remain until
// some caller does.
func ReconcileTerminal(ctx context.Context, pool *pgxpool.Pool, schema, lockTable string, terminalJobIDs []int32) error {
	if len(terminalJobIDs) == 0 {
		return nil
	}
	full := pgx.Identifier{schema, lockTable}.Sanitize()
	_, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE job_id = ANY($1)`, full), terminalJobIDs)
	if err != nil {
		return fmt.Errorf("rowlock: reconcile terminal jobs: %w", err)
	}
	return nil
}

// WithTx returns a Table-scoped helper bound to an explicit transaction
// rather than the pool, for callers that need the lock insert to commit or
// roll back atomically with other work.
func (t *Table) WithTx(tx pgx.Tx) *TxTable {
	return &TxTable{tx: tx, fullName: t.fullName}
}

// TxTable mirrors Table's Acquire semantics but against a live transaction.
type TxTable struct {
	tx       pgx.Tx
	fullName string
}

// Acquire behaves like Table.Acquire but runs inside the bound transaction.
func (t *TxTable) Acquire(ctx context.Context, jobID int32, rowID string) error {
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (job_id, row_id) VALUES ($1, $2)`, t.fullName),
		jobID, rowID,
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyLocked
	}
	return fmt.Errorf("rowlock: acquire %d/%s: %w", jobID, rowID, err)
}
