// Package batcher implements C4: two cooperating tasks sharing one mutable
// bucket map. The intake task locks and buckets single-row notifications;
// the flush task periodically drains the buckets into bounded batches for
// the worker pool. Grounded on spec.md §4.3 and original_source's
// embedding_jobs.rs insert-notification handling, re-expressed with a
// mutex-guarded map instead of an actor mailbox.
package batcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/logger"
	"github.com/lanterndata/lanternd/internal/rowlock"
)

// JobReader is the subset of a job store the batcher needs: fetching a job
// row and claiming its init phase exactly once.
type JobReader interface {
	Get(ctx context.Context, id int32) (*domain.EmbeddingJob, error)
	ClaimInit(ctx context.Context, id int32) (bool, error)
}

// Dispatcher hands a job off to the streamer (C6) for init or backfill
// processing. backfill distinguishes a gap-filling rerun (generate_missing)
// from a job's first build.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.EmbeddingJob, backfill bool) error
}

// Batcher owns the bucket map for one job kind within one supervisor.
type Batcher struct {
	lock       *rowlock.Table
	jobs       JobReader
	streamer   Dispatcher
	workerCh   chan<- domain.Batch
	kind       domain.Kind
	batchSize  int
	flushEvery time.Duration
	log        *logger.Logger

	mu      sync.Mutex
	buckets map[int32][]string
}

// New builds a Batcher. batchSize is the model's natural batch size (spec.md
// §3: "Batch bucket ... Drained by the flush timer; when the drained set
// exceeds the model's natural batch size, the excess is re-inserted").
func New(lock *rowlock.Table, jobs JobReader, streamer Dispatcher, workerCh chan<- domain.Batch, kind domain.Kind, batchSize int, flushEvery time.Duration, log *logger.Logger) *Batcher {
	return &Batcher{
		lock:       lock,
		jobs:       jobs,
		streamer:   streamer,
		workerCh:   workerCh,
		kind:       kind,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		log:        log.With("component", "batcher", "kind", string(kind)),
		buckets:    make(map[int32][]string),
	}
}

// Intake consumes InsertNotification until ctx is cancelled or insertCh is
// closed.
func (b *Batcher) Intake(ctx context.Context, insertCh <-chan domain.InsertNotification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-insertCh:
			if !ok {
				return nil
			}
			b.handleNotification(ctx, n)
		}
	}
}

func (b *Batcher) handleNotification(ctx context.Context, n domain.InsertNotification) {
	if n.RowID != nil {
		if err := b.lock.Acquire(ctx, n.ID, *n.RowID); err != nil {
			if !errors.Is(err, rowlock.ErrAlreadyLocked) {
				b.log.Error("row lock acquire failed", "job_id", n.ID, "row_id", *n.RowID, "error", err)
			}
			return
		}
		b.mu.Lock()
		b.buckets[n.ID] = append(b.buckets[n.ID], *n.RowID)
		b.mu.Unlock()
		return
	}

	if !n.GenerateMissing {
		claimed, err := b.jobs.ClaimInit(ctx, n.ID)
		if err != nil {
			b.log.Error("claim init failed", "job_id", n.ID, "error", err)
			return
		}
		if !claimed {
			return
		}
	}

	job, err := b.jobs.Get(ctx, n.ID)
	if err != nil {
		b.log.Error("load job for dispatch failed", "job_id", n.ID, "error", err)
		return
	}
	if err := b.streamer.Dispatch(ctx, job, n.GenerateMissing); err != nil {
		b.log.Error("streamer dispatch failed", "job_id", n.ID, "error", err)
	}
}

// Flush runs the periodic drain-and-send loop until ctx is cancelled. On
// cancellation it performs one last flush before returning, matching
// spec.md §4.3's "Every 10s (or on cancellation)".
func (b *Batcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(b.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flushOnce(context.Background())
			return ctx.Err()
		case <-ticker.C:
			b.flushOnce(ctx)
		}
	}
}

func (b *Batcher) flushOnce(ctx context.Context) {
	b.mu.Lock()
	drained := b.buckets
	b.buckets = make(map[int32][]string)
	b.mu.Unlock()

	for jobID, rowIDs := range drained {
		job, err := b.jobs.Get(ctx, jobID)
		if err != nil {
			b.log.Error("reload job during flush failed", "job_id", jobID, "error", err)
			continue
		}
		if job.CanceledAt != nil {
			continue
		}

		head, tail := splitBatch(rowIDs, b.batchSize)
		if len(tail) > 0 {
			b.mu.Lock()
			b.buckets[jobID] = append(tail, b.buckets[jobID]...)
			b.mu.Unlock()
		}

		select {
		case b.workerCh <- domain.Batch{JobID: jobID, Kind: b.kind, RowIDs: head}:
		case <-ctx.Done():
			return
		}
	}
}

// splitBatch returns the first min(len(rowIDs), max) ids and the remainder,
// never truncating rows (spec.md invariant 4: "excess rows remain in the
// bucket").
func splitBatch(rowIDs []string, max int) (head, tail []string) {
	if max <= 0 || len(rowIDs) <= max {
		return rowIDs, nil
	}
	return rowIDs[:max], rowIDs[max:]
}
