// Pending-job recovery on supervisor startup, grounded on
// original_source's collect_pending_index_jobs (lantern_cli/src/daemon/helpers.rs):
// any job that crashed mid-run -- neither finished nor failed -- is
// re-enqueued rather than silently left stuck forever. SPEC_FULL.md §5
// requires this for every job kind, not just index jobs as in the
// original.
package supervisor

import (
	"context"

	"github.com/lanterndata/lanternd/internal/domain"
)

// PendingEmbeddingJob is the minimal shape RecoverEmbeddingJobs needs from
// a pending row.
type PendingEmbeddingJob struct {
	ID            int32
	InitStartedAt bool // true if init_started_at was already populated
}

// RecoverEmbeddingJobs re-dispatches every job ListPending returned through
// insertCh. A job whose init never started gets a plain InsertNotification
// (as if its own INSERT trigger had just fired); a job that crashed
// mid-init gets GenerateMissing=true so the streamer treats it as a
// backfill over whatever rows are still missing an output, rather than
// re-running ClaimInit (which would no-op since init_started_at is already
// set).
func RecoverEmbeddingJobs(ctx context.Context, insertCh chan<- domain.InsertNotification, pending []PendingEmbeddingJob) {
	for _, p := range pending {
		n := domain.InsertNotification{ID: p.ID, GenerateMissing: p.InitStartedAt}
		select {
		case insertCh <- n:
		case <-ctx.Done():
			return
		}
	}
}

// PendingBuildJob is the minimal shape RecoverBuildJobs needs from a
// pending index or autotune job row (both share the same started_at /
// finished_at / failed_at lifecycle columns, unlike embedding jobs which
// use the init_* prefix).
type PendingBuildJob struct {
	ID      int32
	Started bool
}

// RecoverBuildJobs re-dispatches every pending index/autotune job as a
// fresh Batch (no row filter -- these kinds build over the whole column,
// not a row subset) so a crash mid-build is retried from scratch rather
// than left stuck at whatever progress it reached before the crash.
func RecoverBuildJobs(ctx context.Context, batchCh chan<- domain.Batch, kind domain.Kind, pending []PendingBuildJob) {
	for _, p := range pending {
		b := domain.Batch{JobID: p.ID, Kind: kind}
		select {
		case batchCh <- b:
		case <-ctx.Done():
			return
		}
	}
}
