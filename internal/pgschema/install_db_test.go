package pgschema

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanterndata/lanternd/internal/platform/dbtest"
)

func TestInstallCreatesTableLockAndUsageTables(t *testing.T) {
	pool, schema := dbtest.Pool(t)
	ctx := context.Background()

	spec := EmbeddingJobSpec(schema, "embedding_generation_jobs", "test_channel", "ldb_lock", "usage")
	require.NoError(t, Install(ctx, pool, spec))

	for _, table := range []string{"embedding_generation_jobs", "ldb_lock", "usage"} {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
			schema, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "expected table %s to exist", table)
	}

	// Installing twice must not fail: every statement is idempotent
	// (CREATE ... IF NOT EXISTS / CREATE OR REPLACE).
	require.NoError(t, Install(ctx, pool, spec))
}

func TestInsertTriggerFiresNotification(t *testing.T) {
	pool, schema := dbtest.Pool(t)
	ctx := context.Background()

	spec := EmbeddingJobSpec(schema, "embedding_generation_jobs", "insert_trigger_channel", "", "")
	require.NoError(t, Install(ctx, pool, spec))

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	_, err = conn.Exec(ctx, "LISTEN insert_trigger_channel")
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `INSERT INTO `+`"`+schema+`"."embedding_generation_jobs"`+
		` ("table", "src_column", "dst_column", "embedding_model") VALUES ('docs', 'body', 'embedding', 'test-model')`)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	notif, err := conn.Conn().WaitForNotification(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "insert_trigger_channel", notif.Channel)
	assert.Regexp(t, `^insert:\d+$`, notif.Payload)
}

func TestUpdateTriggerOnlyFiresWhenCanceledAtToggles(t *testing.T) {
	pool, schema := dbtest.Pool(t)
	ctx := context.Background()

	spec := EmbeddingJobSpec(schema, "embedding_generation_jobs", "update_trigger_channel", "", "")
	require.NoError(t, Install(ctx, pool, spec))

	var jobID int32
	err := pool.QueryRow(ctx, `INSERT INTO `+`"`+schema+`"."embedding_generation_jobs"`+
		` ("table", "src_column", "dst_column", "embedding_model") VALUES ('docs', 'body', 'embedding', 'test-model') RETURNING id`).Scan(&jobID)
	require.NoError(t, err)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()
	_, err = conn.Exec(ctx, "LISTEN update_trigger_channel")
	require.NoError(t, err)

	// Updating an unrelated column must not notify.
	_, err = pool.Exec(ctx, `UPDATE `+`"`+schema+`"."embedding_generation_jobs"`+` SET "init_progress" = 5 WHERE id = $1`, jobID)
	require.NoError(t, err)

	// Toggling canceled_at must notify exactly once.
	_, err = pool.Exec(ctx, `UPDATE `+`"`+schema+`"."embedding_generation_jobs"`+` SET "canceled_at" = now() WHERE id = $1`, jobID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	notif, err := conn.Conn().WaitForNotification(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "update:"+strconv.Itoa(int(jobID)), notif.Payload)
}
