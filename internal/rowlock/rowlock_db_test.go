package rowlock

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/platform/dbtest"
)

func setupLockTable(t *testing.T) (*Table, *pgxpool.Pool, string) {
	t.Helper()
	pool, schema := dbtest.Pool(t)
	ctx := context.Background()

	const lockTable = "ldb_lock"
	ddl := fmt.Sprintf(`CREATE TABLE %q.%q (%s)`, schema, lockTable, domain.LockTableDDL)
	_, err := pool.Exec(ctx, ddl)
	require.NoError(t, err)

	return New(pool, schema, lockTable), pool, schema
}

func TestAcquireSecondCallerGetsErrAlreadyLocked(t *testing.T) {
	tbl, _, _ := setupLockTable(t)
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, 1, "row-a"))

	err := tbl.Acquire(ctx, 1, "row-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyLocked))
}

func TestAcquireBatchOnlyReturnsRowsWonByThisCall(t *testing.T) {
	tbl, _, _ := setupLockTable(t)
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, 2, "row-1"))

	won, err := tbl.AcquireBatch(ctx, 2, []string{"row-1", "row-2", "row-3"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"row-2", "row-3"}, won)
}

func TestReleaseRemovesAllLocksForJob(t *testing.T) {
	tbl, _, _ := setupLockTable(t)
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, 3, "row-a"))
	require.NoError(t, tbl.Acquire(ctx, 3, "row-b"))

	require.NoError(t, tbl.Release(ctx, 3))

	require.NoError(t, tbl.Acquire(ctx, 3, "row-a"), "released rows must be re-acquirable")
}

func TestReconcileTerminalDeletesOnlyListedJobs(t *testing.T) {
	tbl, pool, schema := setupLockTable(t)
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, 4, "row-a"))
	require.NoError(t, tbl.Acquire(ctx, 5, "row-b"))

	require.NoError(t, ReconcileTerminal(ctx, pool, schema, "ldb_lock", []int32{4}))

	err := tbl.Acquire(ctx, 4, "row-a")
	assert.NoError(t, err, "job 4's lock row must be gone after reconciliation")

	err = tbl.Acquire(ctx, 5, "row-b")
	assert.True(t, errors.Is(err, ErrAlreadyLocked), "job 5 was not in the terminal set and must still be locked")
}
