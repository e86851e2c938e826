// Package worker implements C7: per-kind serialized batch execution,
// usage/progress reporting, retry-with-backoff, and failure accounting.
// Grounded on spec.md §4.6 and original_source's client_embedding_jobs.rs /
// external_index_jobs.rs worker loops, with model inference and index
// building treated as external collaborators behind small interfaces
// (spec.md §1: "the actual embedding model runtimes ... are deliberately
// out of scope").
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/jobhandle"
	"github.com/lanterndata/lanternd/internal/logger"
)

// EmbeddingRequest is everything an external runtime needs to process one
// batch: which rows, which columns, which model.
type EmbeddingRequest struct {
	JobID          int32
	Kind           domain.Kind
	Schema         string
	Table          string
	PK             string
	SrcColumn      string
	DstColumn      string
	EmbeddingModel string
	Runtime        string
	RuntimeParams  json.RawMessage
	RowIDs         []string
}

// FailedRow is a row the runtime accepted but whose result could not be
// written back (e.g. a completion result that fails a destination-column
// type cast).
type FailedRow struct {
	RowID string
	Value *string
}

// EmbeddingResult summarizes one runtime invocation.
type EmbeddingResult struct {
	Tokens     int
	FailedRows []FailedRow
}

// EmbeddingRuntime is the external collaborator that actually calls an
// inference backend (ONNX runtime, hosted LLM API) and writes results back
// to the destination column. Implementations are expected to perform their
// own UPDATE of dst_column; the core only needs the accounting summary.
type EmbeddingRuntime interface {
	Run(ctx context.Context, req EmbeddingRequest) (EmbeddingResult, error)
}

// EmbeddingUsage is the subset of jobstore.EmbeddingJobStore the worker
// needs for accounting.
type EmbeddingUsage interface {
	RecordUsage(ctx context.Context, jobID int32, rows, tokens int, failed bool) error
	RecordFailure(ctx context.Context, jobID int32, rowID string, value *string) error
}

// EmbeddingWorker runs the embedding/completion batch-execution loop for
// one job kind.
type EmbeddingWorker struct {
	runtime      EmbeddingRuntime
	usage        EmbeddingUsage
	handles      *jobhandle.Map
	kind         domain.Kind
	retryBackoff time.Duration
	log          *logger.Logger

	// batchCh is kept bidirectional (rather than just received as a plain
	// parameter to Run) because a failed batch re-enters the same queue
	// after its retry backoff elapses.
	batchCh chan domain.Batch

	// describe resolves the columns/model for a job id; batches only carry
	// row ids, so the worker looks the rest up once per batch.
	describe func(ctx context.Context, jobID int32) (EmbeddingRequest, error)
}

// NewEmbeddingWorker builds an EmbeddingWorker. describe resolves the
// static per-job fields (schema/table/columns/model) that a domain.Batch
// does not carry.
func NewEmbeddingWorker(runtime EmbeddingRuntime, usage EmbeddingUsage, handles *jobhandle.Map, kind domain.Kind, retryBackoff time.Duration, batchCh chan domain.Batch, describe func(ctx context.Context, jobID int32) (EmbeddingRequest, error), log *logger.Logger) *EmbeddingWorker {
	return &EmbeddingWorker{
		runtime:      runtime,
		usage:        usage,
		handles:      handles,
		kind:         kind,
		retryBackoff: retryBackoff,
		batchCh:      batchCh,
		describe:     describe,
		log:          log.With("component", "worker", "kind", string(kind)),
	}
}

// Run drains the batch channel until ctx is cancelled or the channel is
// closed, processing batches for the same job serially as they arrive (the
// channel itself is the serialization point; a second worker goroutine per
// kind would break ordering, so supervisors run exactly one).
func (w *EmbeddingWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-w.batchCh:
			if !ok {
				return nil
			}
			w.process(ctx, b)
		}
	}
}

func (w *EmbeddingWorker) process(ctx context.Context, b domain.Batch) {
	handle, owned := acquireHandle(w.handles, b.JobID)
	log := w.log.With("job_id", b.JobID, "batch_len", len(b.RowIDs))

	req, err := w.describe(ctx, b.JobID)
	if err != nil {
		log.Error("describe job failed", "error", err)
		releaseHandle(w.handles, b.JobID, owned, domain.Errorf(err.Error()), handle)
		return
	}
	req.RowIDs = b.RowIDs

	result, err := w.runtime.Run(ctx, req)
	if err != nil {
		if uerr := w.usage.RecordUsage(ctx, b.JobID, len(b.RowIDs), 0, true); uerr != nil {
			log.Error("record failed usage failed", "error", uerr)
		}
		log.Warn("batch failed, scheduling retry", "error", err, "retry_after", w.retryBackoff)
		w.scheduleRetry(ctx, b)
		releaseHandle(w.handles, b.JobID, owned, domain.Errorf(err.Error()), handle)
		return
	}

	if uerr := w.usage.RecordUsage(ctx, b.JobID, len(b.RowIDs), result.Tokens, false); uerr != nil {
		log.Error("record usage failed", "error", uerr)
	}

	// Completion jobs record type-cast rejects separately and never retry
	// them (spec.md §9 open question: preserve both behaviors distinctly).
	if w.kind == domain.KindCompletion {
		for _, fr := range result.FailedRows {
			if ferr := w.usage.RecordFailure(ctx, b.JobID, fr.RowID, fr.Value); ferr != nil {
				log.Error("record failure row failed", "row_id", fr.RowID, "error", ferr)
			}
		}
	}

	releaseHandle(w.handles, b.JobID, owned, domain.Done(), handle)
}

// scheduleRetry re-enqueues b onto batchCh once retryBackoff elapses. The
// send blocks rather than falling back to a non-blocking default: batchCh is
// shared with the batcher/streamer and only buffered by one slot, so a
// default branch here would silently drop the retry whenever the channel
// happened to be occupied at the moment the timer fired (spec.md §7: "batch
// is re-enqueued once with backoff", mirroring original_source's
// schedule_job_retry, which awaits the blocking send). ctx.Done() is the
// only other case handled, so a retry never leaks past worker shutdown.
func (w *EmbeddingWorker) scheduleRetry(ctx context.Context, b domain.Batch) {
	go func() {
		timer := time.NewTimer(w.retryBackoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case w.batchCh <- b:
		case <-ctx.Done():
			w.log.Warn("retry dropped: worker shutting down", "job_id", b.JobID)
		}
	}()
}

func acquireHandle(handles *jobhandle.Map, jobID int32) (jobhandle.Handle, bool) {
	if h, ok := handles.Get(jobID); ok {
		return h, false
	}
	h := jobhandle.NewHandle()
	handles.Set(jobID, h)
	return h, true
}

func releaseHandle(handles *jobhandle.Map, jobID int32, owned bool, ev domain.Event, h jobhandle.Handle) {
	select {
	case h <- ev:
	default:
	}
	if owned {
		handles.Remove(jobID)
	}
}
