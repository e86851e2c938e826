// Package streamer implements C6: the disposable unlogged staging table
// that drives a job's init build or backfill. Grounded on spec.md §4.5 and
// original_source's embedding_jobs.rs init_job/resume logic, which uses
// "DELETE ... RETURNING" as a resumable cursor instead of SELECT/OFFSET so
// progress survives a crash as the remaining row count.
package streamer

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/jobhandle"
	"github.com/lanterndata/lanternd/internal/logger"
)

// JobUpdater is the subset of job-row mutation the streamer needs.
type JobUpdater interface {
	MarkInitFinished(ctx context.Context, id int32) error
	MarkInitFailed(ctx context.Context, id int32, reason string) error
	SetInitProgress(ctx context.Context, id int32, progress int16) error
}

// Streamer drives one job kind's init/backfill builds for a single target
// database.
type Streamer struct {
	pool      *pgxpool.Pool
	jobs      JobUpdater
	handles   *jobhandle.Map
	workerCh  chan<- domain.Batch
	batchSize int
	kind      domain.Kind
	log       *logger.Logger
}

// New builds a Streamer.
func New(pool *pgxpool.Pool, jobs JobUpdater, handles *jobhandle.Map, workerCh chan<- domain.Batch, kind domain.Kind, batchSize int, log *logger.Logger) *Streamer {
	return &Streamer{
		pool:      pool,
		jobs:      jobs,
		handles:   handles,
		workerCh:  workerCh,
		batchSize: batchSize,
		kind:      kind,
		log:       log.With("component", "streamer", "kind", string(kind)),
	}
}

// Dispatch runs a job's init build (backfill=false) or gap-filling rerun
// (backfill=true) to completion, blocking the caller's goroutine for the
// duration. The batcher calls it inline from its intake loop, so one
// pipeline streams one job at a time and other notifications wait in the
// insert queue meanwhile.
func (s *Streamer) Dispatch(ctx context.Context, job *domain.EmbeddingJob, backfill bool) error {
	log := s.log.With("job_id", job.ID)

	stagingTable := fmt.Sprintf("lantern_staging_%s", uuidSuffix())
	if err := s.materializeStaging(ctx, stagingTable, job, backfill); err != nil {
		return s.fail(ctx, job, log, err)
	}
	defer s.dropStaging(context.Background(), stagingTable)

	total, err := s.countStaging(ctx, stagingTable)
	if err != nil {
		return s.fail(ctx, job, log, err)
	}
	if total == 0 {
		if !backfill {
			if err := s.jobs.MarkInitFinished(ctx, job.ID); err != nil {
				return err
			}
		}
		return nil
	}

	processed := 0
	lastProgress := int16(-1)
	for {
		if ctx.Err() != nil {
			return s.fail(ctx, job, log, ctx.Err())
		}

		rowIDs, err := s.popBatch(ctx, stagingTable, s.batchSize)
		if err != nil {
			return s.fail(ctx, job, log, err)
		}
		if len(rowIDs) == 0 {
			break
		}

		handle := jobhandle.NewHandle()
		s.handles.Set(job.ID, handle)

		select {
		case s.workerCh <- domain.Batch{JobID: job.ID, Kind: s.kind, RowIDs: rowIDs, IsInit: !backfill}:
		case <-ctx.Done():
			s.handles.Remove(job.ID)
			return s.fail(ctx, job, log, ctx.Err())
		}

		var ev domain.Event
		select {
		case ev = <-handle:
		case <-ctx.Done():
			s.handles.Remove(job.ID)
			return s.fail(ctx, job, log, ctx.Err())
		}
		s.handles.Remove(job.ID)

		if ev.Kind == domain.EventError {
			return s.fail(ctx, job, log, fmt.Errorf("%s", ev.Reason))
		}

		processed += len(rowIDs)
		progress := int16(math.Floor(float64(processed) / float64(total) * 100))
		if progress > lastProgress {
			if !backfill {
				if err := s.jobs.SetInitProgress(ctx, job.ID, progress); err != nil {
					log.Error("set init progress failed", "error", err)
				}
			}
			lastProgress = progress
		}
	}

	if !backfill {
		if err := s.jobs.MarkInitFinished(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streamer) fail(ctx context.Context, job *domain.EmbeddingJob, log *logger.Logger, cause error) error {
	if job.InitFinishedAt == nil {
		if err := s.jobs.MarkInitFailed(ctx, job.ID, cause.Error()); err != nil {
			log.Error("mark init failed write failed", "error", err)
		}
	}
	log.Warn("job build aborted", "error", cause)
	return cause
}

func (s *Streamer) materializeStaging(ctx context.Context, stagingTable string, job *domain.EmbeddingJob, backfill bool) error {
	full := pgx.Identifier{job.Schema, job.Table}.Sanitize()
	stagingIdent := pgx.Identifier{stagingTable}.Sanitize()
	pkIdent := pgx.Identifier{job.PK}.Sanitize()
	filter := ingestionFilter(job.SrcColumn, job.DstColumn, backfill)

	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE UNLOGGED TABLE %s AS SELECT %s AS pk FROM %s WHERE %s`,
		stagingIdent, pkIdent, full, filter,
	))
	if err != nil {
		return fmt.Errorf("streamer: materialize staging table: %w", err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX ON %s (pk)`, stagingIdent))
	if err != nil {
		return fmt.Errorf("streamer: index staging table: %w", err)
	}
	return nil
}

func (s *Streamer) countStaging(ctx context.Context, stagingTable string) (int, error) {
	var n int
	stagingIdent := pgx.Identifier{stagingTable}.Sanitize()
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, stagingIdent)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("streamer: count staging rows: %w", err)
	}
	return n, nil
}

func (s *Streamer) popBatch(ctx context.Context, stagingTable string, size int) ([]string, error) {
	stagingIdent := pgx.Identifier{stagingTable}.Sanitize()
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE ctid IN (SELECT ctid FROM %s LIMIT %d) RETURNING pk`,
		stagingIdent, stagingIdent, size,
	))
	if err != nil {
		return nil, fmt.Errorf("streamer: pop staging batch: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("streamer: scan staging row: %w", err)
		}
		ids = append(ids, pk)
	}
	return ids, rows.Err()
}

func (s *Streamer) dropStaging(ctx context.Context, stagingTable string) {
	stagingIdent := pgx.Identifier{stagingTable}.Sanitize()
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, stagingIdent)); err != nil {
		s.log.Error("drop staging table failed", "table", stagingTable, "error", err)
	}
}

// ingestionFilter is the canonical filter shared by C2/C4/C5/C6 (spec.md
// §6): non-empty source column, and for backfill, a NULL destination
// column.
func ingestionFilter(srcColumn, dstColumn string, backfill bool) string {
	srcIdent := pgx.Identifier{srcColumn}.Sanitize()
	base := fmt.Sprintf("%s IS NOT NULL AND length(trim(%s::text)) > 0", srcIdent, srcIdent)
	if backfill {
		base += fmt.Sprintf(" AND %s IS NULL", pgx.Identifier{dstColumn}.Sanitize())
	}
	return base
}

func uuidSuffix() string {
	id := uuid.New().String()
	return id[:8]
}
