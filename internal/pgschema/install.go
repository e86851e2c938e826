// Package pgschema installs the schema, job tables, and notify triggers a
// supervisor needs before it can start listening. Grounded on
// original_source's startup_hook (lantern_cli/src/daemon/helpers.rs): a
// single serializable transaction guarded by a session-level advisory lock,
// so multiple daemon replicas racing to start against the same database
// converge on identical DDL instead of deadlocking or double-creating
// triggers.
package pgschema

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanterndata/lanternd/internal/domain"
)

// advisoryLockKey is an arbitrary constant shared by every daemon replica
// that might race to install schema, mirroring the teacher's use of a
// single fixed lock key (1337) for the same purpose.
const advisoryLockKey = 1337

// JobTableSpec describes one job-kind table to install alongside its notify
// triggers and, optionally, a lock table and usage table.
type JobTableSpec struct {
	Schema  string
	Table   string
	TableDDL string
	Channel string

	LockTable      string // empty if this job kind has no per-row lock table
	LockTableDDL   string
	UsageTable     string // empty if this job kind has no usage accounting
	UsageTableDDL  string
	ResultsTable   string // empty if this job kind has no results table (autotune only)
	ResultsTableDDL string

	// WithUpdateTrigger enables the update-notify trigger (canceled_at
	// toggles, plus label changes when HasLabelColumn). Every job kind's
	// spec below enables it, so cancellation reaches index and autotune
	// jobs as well as embedding and completion jobs.
	WithUpdateTrigger bool

	// HasLabelColumn adds a label-change condition to the update trigger.
	// Only the embedding/completion job table carries a label column
	// (spec.md §4.4: "label != supervisor.label" is one of the three
	// conditions C5 must react to); index and autotune jobs have no label
	// column and must not reference NEW.label.
	HasLabelColumn bool
}

// Install runs the full schema-and-trigger installation for spec inside one
// advisory-lock-guarded serializable transaction.
func Install(ctx context.Context, pool *pgxpool.Pool, spec JobTableSpec) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("pgschema: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("pgschema: acquire advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(spec.Schema))); err != nil {
		return fmt.Errorf("pgschema: create schema: %w", err)
	}

	fullTable := fullTableName(spec.Schema, spec.Table)
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", fullTable, spec.TableDDL)); err != nil {
		return fmt.Errorf("pgschema: create table %s: %w", fullTable, err)
	}

	if err := installTriggers(ctx, tx, spec); err != nil {
		return err
	}

	if spec.LockTable != "" {
		full := fullTableName(spec.Schema, spec.LockTable)
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE UNLOGGED TABLE IF NOT EXISTS %s (%s)", full, spec.LockTableDDL)); err != nil {
			return fmt.Errorf("pgschema: create lock table %s: %w", full, err)
		}
	}

	if spec.UsageTable != "" {
		full := fullTableName(spec.Schema, spec.UsageTable)
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", full, spec.UsageTableDDL)); err != nil {
			return fmt.Errorf("pgschema: create usage table %s: %w", full, err)
		}
		idxName := quoteIdent(fmt.Sprintf("%s_date_idx", spec.UsageTable))
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(created_at)", idxName, full)); err != nil {
			return fmt.Errorf("pgschema: create usage index: %w", err)
		}
	}

	if spec.ResultsTable != "" {
		full := fullTableName(spec.Schema, spec.ResultsTable)
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", full, spec.ResultsTableDDL)); err != nil {
			return fmt.Errorf("pgschema: create results table %s: %w", full, err)
		}
	}

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("pgschema: release advisory lock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgschema: commit: %w", err)
	}
	return nil
}

func installTriggers(ctx context.Context, tx pgx.Tx, spec JobTableSpec) error {
	full := fullTableName(spec.Schema, spec.Table)
	insertFn := fullTableName(spec.Schema, "notify_insert_"+spec.Table)
	insertTrigger := quoteIdent("trigger_insert_" + spec.Table)

	stmt := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %[1]s() RETURNS TRIGGER AS $$
BEGIN
  PERFORM pg_notify('%[2]s', 'insert:' || NEW.id::TEXT);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER %[3]s
AFTER INSERT ON %[4]s
FOR EACH ROW
EXECUTE PROCEDURE %[1]s();
`, insertFn, spec.Channel, insertTrigger, full)

	if spec.WithUpdateTrigger {
		updateFn := fullTableName(spec.Schema, "notify_update_"+spec.Table)
		updateTrigger := quoteIdent("trigger_update_" + spec.Table)

		// canceled_at toggling either direction always fires (spec.md §4.4);
		// a label change additionally fires for tables that carry a label
		// column, since C5 must also react to a job changing ownership
		// between supervisors.
		cond := "NEW.canceled_at IS DISTINCT FROM OLD.canceled_at"
		if spec.HasLabelColumn {
			cond += " OR NEW.label IS DISTINCT FROM OLD.label"
		}

		stmt += fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %[1]s() RETURNS TRIGGER AS $$
BEGIN
  IF %[5]s
  THEN
    PERFORM pg_notify('%[2]s', 'update:' || NEW.id::TEXT);
  END IF;
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER %[3]s
AFTER UPDATE ON %[4]s
FOR EACH ROW
EXECUTE PROCEDURE %[1]s();
`, updateFn, spec.Channel, updateTrigger, full, cond)
	}

	if _, err := tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("pgschema: install triggers for %s: %w", full, err)
	}
	return nil
}

// IngestionFilterSQL builds the canonical "row newly satisfies the
// ingestion filter" predicate against a trigger row alias (spec.md §6:
// "src IS NOT NULL AND length(trim(src::text)) > 0"), used by both the
// insert and the update-of-src-column client trigger functions below.
func IngestionFilterSQL(alias, srcColumn string) string {
	col := fmt.Sprintf("%s.%s", alias, quoteIdent(srcColumn))
	return fmt.Sprintf("%s IS NOT NULL AND length(trim(%s::text)) > 0", col, col)
}

// ToggleClientTrigger installs or removes the per-client-table insert/update
// triggers that fire on a user's own data table (spec.md §4.2: the client
// table's own insert/update events feed the job's batching pipeline, not
// just the job table's). Mirrors original_source's toggle_client_job: one
// function, one AFTER INSERT trigger and one AFTER UPDATE OF src_column
// trigger, both publishing only when the row satisfies the ingestion
// filter.
func ToggleClientTrigger(ctx context.Context, tx pgx.Tx, schema, table, pk, srcColumn, channel string, jobID int32, enable bool) error {
	full := fullTableName(schema, table)
	fnName := fullTableName(schema, fmt.Sprintf("notify_client_%s_%d", table, jobID))
	insertTrigger := quoteIdent(fmt.Sprintf("trigger_client_insert_%s_%d", table, jobID))
	updateTrigger := quoteIdent(fmt.Sprintf("trigger_client_update_%s_%d", table, jobID))

	if !enable {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", insertTrigger, full)); err != nil {
			return fmt.Errorf("pgschema: drop client insert trigger: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", updateTrigger, full)); err != nil {
			return fmt.Errorf("pgschema: drop client update trigger: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP FUNCTION IF EXISTS %s", fnName)); err != nil {
			return fmt.Errorf("pgschema: drop client trigger function: %w", err)
		}
		return nil
	}

	// Payload is "<pk>:<job_id>" with no action prefix (spec.md §4.1, §6:
	// "Per client-job pub/sub channels carry <pk>:<job_id>"), sharing the
	// job-kind channel with the "insert:<id>"/"update:<id>" daemon-level
	// notifications; pgnotify.Listener tells the two apart by checking
	// whether the first colon-delimited token is a recognized action name.
	filter := IngestionFilterSQL("NEW", srcColumn)
	stmt := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %[1]s() RETURNS TRIGGER AS $$
BEGIN
  IF %[2]s THEN
    PERFORM pg_notify('%[3]s', NEW.%[4]s::TEXT || ':' || %[5]d::TEXT);
  END IF;
  RETURN NULL;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER %[6]s
AFTER INSERT ON %[7]s
FOR EACH ROW
EXECUTE PROCEDURE %[1]s();

CREATE OR REPLACE TRIGGER %[8]s
AFTER UPDATE OF %[9]s ON %[7]s
FOR EACH ROW
EXECUTE PROCEDURE %[1]s();
`, fnName, filter, channel, quoteIdent(pk), jobID, insertTrigger, full, updateTrigger, quoteIdent(srcColumn))

	if _, err := tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("pgschema: install client trigger: %w", err)
	}
	return nil
}

// EmbeddingJobSpec builds the JobTableSpec for embedding and completion jobs
// (identical column sets, distinguished only by table name and channel).
func EmbeddingJobSpec(schema, table, channel, lockTable, usageTable string) JobTableSpec {
	return JobTableSpec{
		Schema:            schema,
		Table:             table,
		TableDDL:          domain.EmbeddingJobTableDDL,
		Channel:           channel,
		WithUpdateTrigger: true,
		HasLabelColumn:    true,
		LockTable:         lockTable,
		LockTableDDL:      domain.LockTableDDL,
		UsageTable:        usageTable,
		UsageTableDDL:     domain.UsageTableDDL,
	}
}

// IndexJobSpec builds the JobTableSpec for external_index_jobs.
func IndexJobSpec(schema, table, channel string) JobTableSpec {
	return JobTableSpec{
		Schema:            schema,
		Table:             table,
		TableDDL:          domain.IndexJobTableDDL,
		Channel:           channel,
		WithUpdateTrigger: true,
	}
}

// AutotuneJobSpec builds the JobTableSpec for autotune_jobs plus its results
// table.
func AutotuneJobSpec(schema, table, channel, resultsTable string) JobTableSpec {
	return JobTableSpec{
		Schema:          schema,
		Table:           table,
		TableDDL:        domain.AutotuneJobTableDDL,
		Channel:         channel,
		WithUpdateTrigger: true,
		ResultsTable:    resultsTable,
		ResultsTableDDL: domain.AutotuneResultTableDDL,
	}
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func fullTableName(schema, table string) string {
	return fmt.Sprintf("%s.%s", quoteIdent(schema), quoteIdent(table))
}
