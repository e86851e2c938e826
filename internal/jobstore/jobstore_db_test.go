package jobstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/platform/dbtest"
)

func setupEmbeddingStore(t *testing.T) (EmbeddingJobStore, *pgxpool.Pool, string, string) {
	t.Helper()
	pool, schema := dbtest.Pool(t)
	ctx := context.Background()

	const table, usage, failures = "embedding_generation_jobs", "usage", "type_failures"

	_, err := pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE %q.%q (%s)`, schema, table, domain.EmbeddingJobTableDDL))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE %q.%q (%s)`, schema, usage, domain.UsageTableDDL))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE %q.%q (%s)`, schema, failures, domain.FailureTableDDL))
	require.NoError(t, err)

	gdb, err := gorm.Open(postgres.Open(os.Getenv(dbtest.EnvVar)), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})

	store := NewEmbeddingJobStore(gdb, fullName(schema, table), fullName(schema, usage), fullName(schema, failures))
	return store, pool, schema, table
}

// fullName double-quotes a schema-qualified table name for GORM's Table().
// It uses Go's %q quoting rather than pgx.Identifier (which
// internal/app/target.go uses); the two agree for the plain identifiers
// these tests create.
func fullName(schema, table string) string {
	return fmt.Sprintf("%q.%q", schema, table)
}

// insertTestJob seeds a minimal valid row directly over the pool, since
// EmbeddingJobStore has no Create method of its own (rows are always
// inserted by the client's own application code / the job-table trigger
// path, per spec.md §4.1).
func insertTestJob(t *testing.T, pool *pgxpool.Pool, schema, table string) int32 {
	t.Helper()
	var id int32
	err := pool.QueryRow(context.Background(), fmt.Sprintf(
		`INSERT INTO %q.%q ("table", "src_column", "dst_column", "embedding_model") VALUES ('docs', 'body', 'embedding', 'test-model') RETURNING id`,
		schema, table,
	)).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestClaimInitAdmitsExactlyOneCaller(t *testing.T) {
	store, pool, schema, table := setupEmbeddingStore(t)
	ctx := context.Background()
	id := insertTestJob(t, pool, schema, table)

	claimed1, err := store.ClaimInit(ctx, nil, id)
	require.NoError(t, err)
	assert.True(t, claimed1)

	claimed2, err := store.ClaimInit(ctx, nil, id)
	require.NoError(t, err)
	assert.False(t, claimed2, "a second ClaimInit for the same job must see zero rows affected")
}

func TestMarkInitFinishedDropsJobOutOfPending(t *testing.T) {
	store, pool, schema, table := setupEmbeddingStore(t)
	ctx := context.Background()
	id := insertTestJob(t, pool, schema, table)

	pending, err := store.ListPending(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, store.MarkInitFinished(ctx, nil, id))

	pending, err = store.ListPending(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, pending, "a finished job must drop out of the pending set")

	job, err := store.Get(ctx, nil, id)
	require.NoError(t, err)
	assert.False(t, job.IsInit())
	assert.Equal(t, int16(100), job.InitProgress)
}

func TestMarkInitFailedExcludesJobFromListLive(t *testing.T) {
	store, pool, schema, table := setupEmbeddingStore(t)
	ctx := context.Background()
	id := insertTestJob(t, pool, schema, table)

	require.NoError(t, store.MarkInitFailed(ctx, nil, id, "model unreachable"))

	live, err := store.ListLive(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, live, "a job whose init failed must not be live")

	job, err := store.Get(ctx, nil, id)
	require.NoError(t, err)
	require.NotNil(t, job.InitFailedAt)
	require.NotNil(t, job.InitFailureReason)
	assert.Equal(t, "model unreachable", *job.InitFailureReason)
}

func TestRecordUsageAndRecordFailure(t *testing.T) {
	store, pool, schema, table := setupEmbeddingStore(t)
	ctx := context.Background()
	id := insertTestJob(t, pool, schema, table)

	require.NoError(t, store.RecordUsage(ctx, nil, id, 10, 100, false))

	val := "not-an-int"
	require.NoError(t, store.RecordFailure(ctx, nil, id, "row-1", &val))

	var usageRows, failureRows int
	require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %q.%q WHERE job_id = $1`, schema, "usage"), id).Scan(&usageRows))
	assert.Equal(t, 1, usageRows)
	require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %q.%q WHERE job_id = $1`, schema, "type_failures"), id).Scan(&failureRows))
	assert.Equal(t, 1, failureRows)
}
