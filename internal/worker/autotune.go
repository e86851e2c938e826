package worker

import (
	"context"
	"sync/atomic"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/jobhandle"
	"github.com/lanterndata/lanternd/internal/logger"
)

// AutotuneRequest describes one autotune_jobs row's search parameters.
type AutotuneRequest struct {
	JobID          int32
	Schema         string
	Table          string
	Column         string
	Operator       string
	TargetRecall   float64
	EmbeddingModel *string
	K              int
	N              int
	CreateIndex    bool
}

// AutotuneRunner is the external collaborator that runs the empirical
// search over index build parameters.
type AutotuneRunner interface {
	Run(ctx context.Context, req AutotuneRequest, onProgress ProgressFunc, cancelled *atomic.Bool) error
}

// AutotuneJobs is the subset of jobstore.AutotuneJobStore the worker needs.
type AutotuneJobs interface {
	SetProgress(ctx context.Context, id int32, progress int16) error
	MarkFinished(ctx context.Context, id int32) error
	MarkFailed(ctx context.Context, id int32, reason string) error
}

// AutotuneWorker runs the autotune loop: identical shape to IndexWorker,
// but never retries a failed experiment (spec.md §4.6).
type AutotuneWorker struct {
	runner   AutotuneRunner
	jobs     AutotuneJobs
	handles  *jobhandle.Map
	log      *logger.Logger
	describe func(ctx context.Context, jobID int32) (AutotuneRequest, error)
}

func NewAutotuneWorker(runner AutotuneRunner, jobs AutotuneJobs, handles *jobhandle.Map, describe func(ctx context.Context, jobID int32) (AutotuneRequest, error), log *logger.Logger) *AutotuneWorker {
	return &AutotuneWorker{runner: runner, jobs: jobs, handles: handles, describe: describe, log: log.With("component", "worker", "kind", "autotune")}
}

func (w *AutotuneWorker) Run(ctx context.Context, batchCh <-chan domain.Batch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-batchCh:
			if !ok {
				return nil
			}
			w.process(ctx, b)
		}
	}
}

func (w *AutotuneWorker) process(ctx context.Context, b domain.Batch) {
	log := w.log.With("job_id", b.JobID)
	handle, owned := acquireHandle(w.handles, b.JobID)

	req, err := w.describe(ctx, b.JobID)
	if err != nil {
		log.Error("describe autotune job failed", "error", err)
		w.fail(ctx, b.JobID, err)
		releaseHandle(w.handles, b.JobID, owned, domain.Errorf(err.Error()), handle)
		return
	}

	var cancelled atomic.Bool
	watchCtx, stopWatch := context.WithCancel(ctx)
	go func() {
		select {
		case ev := <-handle:
			if ev.IsCancelled() {
				cancelled.Store(true)
			}
		case <-watchCtx.Done():
		}
	}()

	runErr := w.runner.Run(ctx, req, func(progress int16) {
		if serr := w.jobs.SetProgress(ctx, b.JobID, progress); serr != nil {
			log.Error("set autotune progress failed", "error", serr)
		}
	}, &cancelled)

	stopWatch()

	if runErr != nil {
		w.fail(ctx, b.JobID, runErr)
		releaseHandle(w.handles, b.JobID, owned, domain.Errorf(runErr.Error()), handle)
		return
	}

	if err := w.jobs.MarkFinished(ctx, b.JobID); err != nil {
		log.Error("mark autotune finished failed", "error", err)
	}
	releaseHandle(w.handles, b.JobID, owned, domain.Done(), handle)
}

func (w *AutotuneWorker) fail(ctx context.Context, jobID int32, cause error) {
	if err := w.jobs.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		w.log.Error("mark autotune failed write failed", "job_id", jobID, "error", err)
	}
}
