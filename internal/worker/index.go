package worker

import (
	"context"
	"sync/atomic"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/jobhandle"
	"github.com/lanterndata/lanternd/internal/logger"
)

// IndexBuildRequest describes one external_index_jobs row's build
// parameters.
type IndexBuildRequest struct {
	JobID    int32
	Schema   string
	Table    string
	Column   string
	Index    *string
	Operator string
	Efc      int
	Ef       int
	M        int
}

// ProgressFunc is called by an IndexBuilder as it advances; implementations
// pass it straight through to an UPDATE of the job's progress column.
type ProgressFunc func(progress int16)

// IndexBuilder is the external collaborator that actually streams a
// table's vectors into the HNSW/PQ construction routine, polling cancelled
// between chunks.
type IndexBuilder interface {
	Build(ctx context.Context, req IndexBuildRequest, onProgress ProgressFunc, cancelled *atomic.Bool) error
}

// IndexJobs is the subset of jobstore.IndexJobStore the worker needs.
type IndexJobs interface {
	SetProgress(ctx context.Context, id int32, progress int16) error
	MarkFinished(ctx context.Context, id int32) error
	MarkFailed(ctx context.Context, id int32, reason string) error
}

// IndexWorker runs the index-build loop (spec.md §4.6): pop a job, spawn a
// blocking builder call with a progress callback, and a sibling goroutine
// that watches the handle for cancellation and flips a shared flag the
// builder polls between chunks.
type IndexWorker struct {
	builder IndexBuilder
	jobs    IndexJobs
	handles *jobhandle.Map
	log     *logger.Logger
	describe func(ctx context.Context, jobID int32) (IndexBuildRequest, error)
}

func NewIndexWorker(builder IndexBuilder, jobs IndexJobs, handles *jobhandle.Map, describe func(ctx context.Context, jobID int32) (IndexBuildRequest, error), log *logger.Logger) *IndexWorker {
	return &IndexWorker{builder: builder, jobs: jobs, handles: handles, describe: describe, log: log.With("component", "worker", "kind", "index")}
}

// Run drains batchCh until ctx is cancelled or the channel is closed. Index
// jobs have no retry; a build failure is terminal for that job.
func (w *IndexWorker) Run(ctx context.Context, batchCh <-chan domain.Batch) error {
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

func (w *IndexWorker) process(ctx context.Context, b domain.Batch) {
	log := w.log.With("job_id", b.JobID)
	handle, owned := acquireHandle(w.handles, b.JobID)

	req, err := w.describe(ctx, b.JobID)
	if err != nil {
		log.Error("describe index job failed", "error", err)
		w.fail(ctx, b.JobID, err)
		releaseHandle(w.handles, b.JobID, owned, domain.Errorf(err.Error()), handle)
		return
	}

	var cancelled atomic.Bool
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		select {
		case ev := <-handle:
			if ev.IsCancelled() {
				cancelled.Store(true)
			}
		case <-watchCtx.Done():
		}
	}()

	buildErr := w.builder.Build(ctx, req, func(progress int16) {
		if serr := w.jobs.SetProgress(ctx, b.JobID, progress); serr != nil {
			log.Error("set index progress failed", "error", serr)
		}
	}, &cancelled)

	stopWatch()

	if buildErr != nil {
		w.fail(ctx, b.JobID, buildErr)
		releaseHandle(w.handles, b.JobID, owned, domain.Errorf(buildErr.Error()), handle)
		return
	}

	if err := w.jobs.MarkFinished(ctx, b.JobID); err != nil {
		log.Error("mark index finished failed", "error", err)
	}
	releaseHandle(w.handles, b.JobID, owned, domain.Done(), handle)
}

func (w *IndexWorker) fail(ctx context.Context, jobID int32, cause error) {
	if err := w.jobs.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		w.log.Error("mark index failed write failed", "job_id", jobID, "error", err)
	}
}
