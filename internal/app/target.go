package app

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lanterndata/lanternd/internal/batcher"
	"github.com/lanterndata/lanternd/internal/config"
	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/jobstore"
	"github.com/lanterndata/lanternd/internal/logger"
	"github.com/lanterndata/lanternd/internal/pgnotify"
	"github.com/lanterndata/lanternd/internal/pgschema"
	"github.com/lanterndata/lanternd/internal/rowlock"
	"github.com/lanterndata/lanternd/internal/runtime"
	"github.com/lanterndata/lanternd/internal/streamer"
	"github.com/lanterndata/lanternd/internal/supervisor"
	"github.com/lanterndata/lanternd/internal/updateproc"
	"github.com/lanterndata/lanternd/internal/worker"
)

// openPool builds a pgxpool.Pool with the daemon's standard connect timeout
// wired into every new connection's dial (spec.md §5: "10 s connection
// timeout on every database connection").
func openPool(ctx context.Context, uri string, connectTimeout time.Duration) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parse database uri: %w", err)
	}
	pgCfg.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// openGorm wraps the same connection string in a *gorm.DB for
// internal/jobstore, the one package that prefers the ORM's convenience
// over pgx's raw connection control (SPEC_FULL.md §3).
func openGorm(uri string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(uri), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open gorm connection: %w", err)
	}
	return db, nil
}

// targetName derives a short stable name for a target database URI, used
// only in log lines -- the connection string itself may carry credentials
// and must never be logged verbatim.
func targetName(uri string) string {
	sum := sha1.Sum([]byte(uri))
	return hex.EncodeToString(sum[:])[:10]
}

// RunTarget builds and runs a full Supervisor (C1-C7 for every enabled job
// kind) for one target database until ctx is cancelled or a component fails
// fatally. It is the supervisor.TargetRunner a supervisor.Manager invokes
// once per registered database, whether registration came from static
// config or the master catalog.
func RunTarget(ctx context.Context, cfg *config.Config, baseLog *logger.Logger, uri string) error {
	log := baseLog.With("target", targetName(uri))

	pool, err := openPool(ctx, uri, cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("target %s: %w", targetName(uri), err)
	}
	defer pool.Close()

	gdb, err := openGorm(uri)
	if err != nil {
		return fmt.Errorf("target %s: %w", targetName(uri), err)
	}

	sup := supervisor.New(pool, log, cfg.EnableEmbeddings, cfg.EnableCompletion, cfg.EnableIndex, cfg.EnableAutotune)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.EnableEmbeddings {
		pipe := findPipeline(sup, domain.KindEmbedding)
		if err := wireEmbeddingPipeline(ctx, g, cfg, pool, gdb, log, pipe, domain.KindEmbedding, "embedding_jobs", "embedding_usage", "", "embedding_jobs_channel"); err != nil {
			return err
		}
	}
	if cfg.EnableCompletion {
		pipe := findPipeline(sup, domain.KindCompletion)
		if err := wireEmbeddingPipeline(ctx, g, cfg, pool, gdb, log, pipe, domain.KindCompletion, "completion_jobs", "completion_usage", "completion_failures", "completion_jobs_channel"); err != nil {
			return err
		}
	}
	if cfg.EnableIndex {
		pipe := findPipeline(sup, domain.KindIndex)
		if err := wireBuildPipeline(ctx, g, cfg, pool, gdb, log, pipe, domain.KindIndex, "external_index_jobs", "index_jobs_channel"); err != nil {
			return err
		}
	}
	if cfg.EnableAutotune {
		pipe := findPipeline(sup, domain.KindAutotune)
		if err := wireAutotunePipeline(ctx, g, cfg, pool, gdb, log, pipe, "autotune_jobs", "autotune_jobs_channel"); err != nil {
			return err
		}
	}

	err = g.Wait()
	sup.CancelAll()
	return err
}

// wireEmbeddingPipeline wires C1-C7 for one embedding-shaped job kind
// (embedding itself, or completion, which shares the exact table/column
// layout).
func wireEmbeddingPipeline(
	ctx context.Context, g *errgroup.Group, cfg *config.Config,
	pool *pgxpool.Pool, gdb *gorm.DB, log *logger.Logger, pipe *supervisor.Pipeline,
	kind domain.Kind, table, usageTable, failureTable, channel string,
) error {
	lockTable := table + "_locks"
	spec := pgschema.EmbeddingJobSpec(cfg.Schema, table, channel, lockTable, usageTable)
	if err := pgschema.Install(ctx, pool, spec); err != nil {
		return fmt.Errorf("install schema for %s: %w", table, err)
	}
	if failureTable != "" {
		if err := installFailureTable(ctx, pool, cfg.Schema, failureTable); err != nil {
			return err
		}
	}

	store := jobstore.NewEmbeddingJobStore(gdb, fullName(cfg.Schema, table), fullName(cfg.Schema, usageTable), failTableName(cfg.Schema, failureTable))
	jobs := jobstore.PlainEmbeddingJobs{Store: store}
	lock := rowlock.New(pool, cfg.Schema, lockTable)

	str := streamer.New(pool, jobs, pipe.Handles, pipe.BatchCh, kind, 2000, log)
	bat := batcher.New(lock, jobs, str, pipe.BatchCh, kind, 2000, cfg.FlushInterval, log)

	describe := func(ctx context.Context, jobID int32) (worker.EmbeddingRequest, error) {
		j, err := jobs.Get(ctx, jobID)
		if err != nil {
			return worker.EmbeddingRequest{}, err
		}
		return worker.EmbeddingRequest{
			JobID: j.ID, Kind: kind, Schema: j.Schema, Table: j.Table, PK: j.PK,
			SrcColumn: j.SrcColumn, DstColumn: j.DstColumn, EmbeddingModel: j.EmbeddingModel,
			Runtime: j.Runtime, RuntimeParams: j.RuntimeParams,
		}, nil
	}

	var rt worker.EmbeddingRuntime = runtime.NewEmbeddingRuntime(pool, runtime.NewHTTPEmbedder(defaultRuntimeEndpoint(), 30*time.Second))
	if cfg.RateLimitRedisAddr != "" {
		limited, err := worker.NewRateLimitedRuntime(rt, cfg.RateLimitRedisAddr, string(kind), 60, time.Second, log)
		if err != nil {
			return fmt.Errorf("build rate-limited runtime for %s: %w", kind, err)
		}
		rt = limited
	}
	wrk := worker.NewEmbeddingWorker(rt, jobs, pipe.Handles, kind, cfg.RetryBackoff, pipe.BatchCh, describe, log)

	reader := updateproc.PoolReader{Pool: pool, FullTable: fullName(cfg.Schema, table)}
	upd := updateproc.New(pool, reader, pipe.Handles, pipe.InsertCh, cfg.DaemonLabel, channel, log)

	listener := pgnotify.New(pool, channel, pgnotify.Queues{InsertCh: pipe.InsertCh, UpdateCh: pipe.UpdateCh}, cfg.KeepaliveInterval, log)

	g.Go(func() error { return listener.Run(ctx) })
	g.Go(func() error { return bat.Intake(ctx, pipe.InsertCh) })
	g.Go(func() error { return bat.Flush(ctx) })
	g.Go(func() error { return upd.Run(ctx, pipe.UpdateCh) })
	g.Go(func() error { return wrk.Run(ctx) })
	g.Go(func() error {
		pending, err := jobs.ListPending(ctx)
		if err != nil {
			log.Error("list pending jobs failed", "kind", kind, "error", err)
			return nil
		}
		recoverable := make([]supervisor.PendingEmbeddingJob, 0, len(pending))
		for _, j := range pending {
			recoverable = append(recoverable, supervisor.PendingEmbeddingJob{ID: j.ID, InitStartedAt: j.InitStartedAt != nil})
		}
		supervisor.RecoverEmbeddingJobs(ctx, pipe.InsertCh, recoverable)
		return nil
	})
	g.Go(func() error {
		live, err := jobs.ListLive(ctx)
		if err != nil {
			log.Error("list live jobs failed", "kind", kind, "error", err)
			return nil
		}
		ids := make([]int32, 0, len(live))
		for _, j := range live {
			ids = append(ids, j.ID)
		}
		updateproc.SynthesizeStartupBackfills(ctx, pipe.UpdateCh, ids)
		return nil
	})

	return nil
}

// wireBuildPipeline wires C1, C5, and C7 for the index job kind. Index jobs
// have no row-level data (they build over a whole column), so C4/C6 are
// skipped entirely: an insert notification becomes a Batch directly.
func wireBuildPipeline(
	ctx context.Context, g *errgroup.Group, cfg *config.Config,
	pool *pgxpool.Pool, gdb *gorm.DB, log *logger.Logger, pipe *supervisor.Pipeline,
	kind domain.Kind, table, channel string,
) error {
	spec := pgschema.IndexJobSpec(cfg.Schema, table, channel)
	if err := pgschema.Install(ctx, pool, spec); err != nil {
		return fmt.Errorf("install schema for %s: %w", table, err)
	}

	store := jobstore.NewIndexJobStore(gdb, fullName(cfg.Schema, table))
	jobs := jobstore.PlainIndexJobs{Store: store}

	describe := func(ctx context.Context, jobID int32) (worker.IndexBuildRequest, error) {
		j, err := jobs.Get(ctx, jobID)
		if err != nil {
			return worker.IndexBuildRequest{}, err
		}
		return worker.IndexBuildRequest{JobID: j.ID, Schema: j.Schema, Table: j.Table, Column: j.Column, Index: j.Index, Operator: j.Operator, Efc: j.Efc, Ef: j.Ef, M: j.M}, nil
	}

	builder := runtime.NewIndexServerIndexBuilder(pool, cfg.IndexServerAddr())
	wrk := worker.NewIndexWorker(builder, indexJobsAdapter{store: store}, pipe.Handles, describe, log)

	reader := updateproc.IndexAutotuneReader{Pool: pool, FullTable: fullName(cfg.Schema, table)}
	upd := updateproc.New(pool, reader, pipe.Handles, pipe.InsertCh, cfg.DaemonLabel, channel, log)

	listener := pgnotify.New(pool, channel, pgnotify.Queues{InsertCh: pipe.InsertCh, UpdateCh: pipe.UpdateCh}, cfg.KeepaliveInterval, log)

	g.Go(func() error { return listener.Run(ctx) })
	g.Go(func() error { return forwardInsertsAsBatches(ctx, pipe.InsertCh, pipe.BatchCh, kind) })
	g.Go(func() error { return upd.Run(ctx, pipe.UpdateCh) })
	g.Go(func() error { return wrk.Run(ctx, pipe.BatchCh) })
	g.Go(func() error {
		pending, err := jobs.ListPending(ctx)
		if err != nil {
			log.Error("list pending index jobs failed", "error", err)
			return nil
		}
		batches := make([]supervisor.PendingBuildJob, 0, len(pending))
		for _, j := range pending {
			batches = append(batches, supervisor.PendingBuildJob{ID: j.ID, Started: j.StartedAt != nil})
		}
		supervisor.RecoverBuildJobs(ctx, pipe.BatchCh, kind, batches)
		return nil
	})

	return nil
}

// wireAutotunePipeline wires C1, C5, and C7 for the autotune job kind,
// identical in shape to wireBuildPipeline.
func wireAutotunePipeline(
	ctx context.Context, g *errgroup.Group, cfg *config.Config,
	pool *pgxpool.Pool, gdb *gorm.DB, log *logger.Logger, pipe *supervisor.Pipeline,
	table, channel string,
) error {
	resultsTable := "autotune_results"
	spec := pgschema.AutotuneJobSpec(cfg.Schema, table, channel, resultsTable)
	if err := pgschema.Install(ctx, pool, spec); err != nil {
		return fmt.Errorf("install schema for %s: %w", table, err)
	}

	store := jobstore.NewAutotuneJobStore(gdb, fullName(cfg.Schema, table), fullName(cfg.Schema, resultsTable))
	jobs := jobstore.PlainAutotuneJobs{Store: store}

	describe := func(ctx context.Context, jobID int32) (worker.AutotuneRequest, error) {
		j, err := jobs.Get(ctx, jobID)
		if err != nil {
			return worker.AutotuneRequest{}, err
		}
		return worker.AutotuneRequest{
			JobID: j.ID, Schema: j.Schema, Table: j.Table, Column: j.Column, Operator: j.Operator,
			TargetRecall: j.TargetRecall, EmbeddingModel: j.EmbeddingModel, K: j.K, N: j.N, CreateIndex: j.CreateIndex,
		}, nil
	}

	record := func(ctx context.Context, experimentID int32, ef, efc, m int, recall, latency float64, buildTime *float64) error {
		return store.RecordResult(ctx, nil, experimentID, ef, efc, m, recall, latency, buildTime)
	}
	runner := runtime.NewIndexServerAutotuneRunner(pool, cfg.IndexServerAddr(), record)
	wrk := worker.NewAutotuneWorker(runner, autotuneJobsAdapter{store: store}, pipe.Handles, describe, log)

	reader := updateproc.IndexAutotuneReader{Pool: pool, FullTable: fullName(cfg.Schema, table)}
	upd := updateproc.New(pool, reader, pipe.Handles, pipe.InsertCh, cfg.DaemonLabel, channel, log)

	listener := pgnotify.New(pool, channel, pgnotify.Queues{InsertCh: pipe.InsertCh, UpdateCh: pipe.UpdateCh}, cfg.KeepaliveInterval, log)

	g.Go(func() error { return listener.Run(ctx) })
	g.Go(func() error { return forwardInsertsAsBatches(ctx, pipe.InsertCh, pipe.BatchCh, domain.KindAutotune) })
	g.Go(func() error { return upd.Run(ctx, pipe.UpdateCh) })
	g.Go(func() error { return wrk.Run(ctx, pipe.BatchCh) })
	g.Go(func() error {
		pending, err := jobs.ListPending(ctx)
		if err != nil {
			log.Error("list pending autotune jobs failed", "error", err)
			return nil
		}
		batches := make([]supervisor.PendingBuildJob, 0, len(pending))
		for _, j := range pending {
			batches = append(batches, supervisor.PendingBuildJob{ID: j.ID, Started: j.StartedAt != nil})
		}
		supervisor.RecoverBuildJobs(ctx, pipe.BatchCh, domain.KindAutotune, batches)
		return nil
	})

	return nil
}

// forwardInsertsAsBatches turns each job-table insert notification directly
// into a Batch (index/autotune jobs carry no row-level filter, so there is
// nothing for C4/C6 to bucket or stage).
func forwardInsertsAsBatches(ctx context.Context, insertCh <-chan domain.InsertNotification, batchCh chan<- domain.Batch, kind domain.Kind) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-insertCh:
			if !ok {
				return nil
			}
			select {
			case batchCh <- domain.Batch{JobID: n.ID, Kind: kind}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// indexJobsAdapter narrows jobstore.IndexJobStore to worker.IndexJobs.
type indexJobsAdapter struct {
	store jobstore.IndexJobStore
}

func (a indexJobsAdapter) SetProgress(ctx context.Context, id int32, progress int16) error {
	return a.store.SetProgress(ctx, nil, id, progress)
}
func (a indexJobsAdapter) MarkFinished(ctx context.Context, id int32) error {
	return a.store.MarkFinished(ctx, nil, id)
}
func (a indexJobsAdapter) MarkFailed(ctx context.Context, id int32, reason string) error {
	return a.store.MarkFailed(ctx, nil, id, reason)
}

// autotuneJobsAdapter narrows jobstore.AutotuneJobStore to worker.AutotuneJobs.
type autotuneJobsAdapter struct {
	store jobstore.AutotuneJobStore
}

func (a autotuneJobsAdapter) SetProgress(ctx context.Context, id int32, progress int16) error {
	return a.store.SetProgress(ctx, nil, id, progress)
}
func (a autotuneJobsAdapter) MarkFinished(ctx context.Context, id int32) error {
	return a.store.MarkFinished(ctx, nil, id)
}
func (a autotuneJobsAdapter) MarkFailed(ctx context.Context, id int32, reason string) error {
	return a.store.MarkFailed(ctx, nil, id, reason)
}

func findPipeline(sup *supervisor.Supervisor, kind domain.Kind) *supervisor.Pipeline {
	for _, p := range sup.Pipelines() {
		if p.Kind == kind {
			return p
		}
	}
	return supervisor.NewPipeline(kind)
}

func installFailureTable(ctx context.Context, pool *pgxpool.Pool, schema, table string) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, fullName(schema, table), domain.FailureTableDDL))
	if err != nil {
		return fmt.Errorf("install failure table %s: %w", table, err)
	}
	return nil
}

func fullName(schema, table string) string {
	if table == "" {
		return ""
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func failTableName(schema, table string) string {
	if table == "" {
		return ""
	}
	return fullName(schema, table)
}

func defaultRuntimeEndpoint() string {
	return "http://127.0.0.1:8899/embed"
}
