package jobstore

import (
	"context"

	"github.com/lanterndata/lanternd/internal/domain"
)

// PlainEmbeddingJobs adapts EmbeddingJobStore to the narrower, tx-free
// interfaces the batcher, streamer, and update processor each declare for
// themselves -- every call runs standalone against the pool rather than
// inside a caller-supplied transaction, which is all those components ever
// need.
type PlainEmbeddingJobs struct {
	Store EmbeddingJobStore
}

func (p PlainEmbeddingJobs) Get(ctx context.Context, id int32) (*domain.EmbeddingJob, error) {
	return p.Store.Get(ctx, nil, id)
}

func (p PlainEmbeddingJobs) ClaimInit(ctx context.Context, id int32) (bool, error) {
	return p.Store.ClaimInit(ctx, nil, id)
}

func (p PlainEmbeddingJobs) ListPending(ctx context.Context) ([]*domain.EmbeddingJob, error) {
	return p.Store.ListPending(ctx, nil)
}

func (p PlainEmbeddingJobs) ListLive(ctx context.Context) ([]*domain.EmbeddingJob, error) {
	return p.Store.ListLive(ctx, nil)
}

func (p PlainEmbeddingJobs) MarkInitFinished(ctx context.Context, id int32) error {
	return p.Store.MarkInitFinished(ctx, nil, id)
}

func (p PlainEmbeddingJobs) MarkInitFailed(ctx context.Context, id int32, reason string) error {
	return p.Store.MarkInitFailed(ctx, nil, id, reason)
}

func (p PlainEmbeddingJobs) SetInitProgress(ctx context.Context, id int32, progress int16) error {
	return p.Store.SetInitProgress(ctx, nil, id, progress)
}

func (p PlainEmbeddingJobs) RecordUsage(ctx context.Context, jobID int32, rows, tokens int, failed bool) error {
	return p.Store.RecordUsage(ctx, nil, jobID, rows, tokens, failed)
}

func (p PlainEmbeddingJobs) RecordFailure(ctx context.Context, jobID int32, rowID string, value *string) error {
	return p.Store.RecordFailure(ctx, nil, jobID, rowID, value)
}

// PlainIndexJobs adapts IndexJobStore the same way.
type PlainIndexJobs struct {
	Store IndexJobStore
}

func (p PlainIndexJobs) Get(ctx context.Context, id int32) (*domain.IndexJob, error) {
	return p.Store.Get(ctx, nil, id)
}

func (p PlainIndexJobs) ListPending(ctx context.Context) ([]*domain.IndexJob, error) {
	return p.Store.ListPending(ctx, nil)
}

// PlainAutotuneJobs adapts AutotuneJobStore the same way.
type PlainAutotuneJobs struct {
	Store AutotuneJobStore
}

func (p PlainAutotuneJobs) Get(ctx context.Context, id int32) (*domain.AutotuneJob, error) {
	return p.Store.Get(ctx, nil, id)
}

func (p PlainAutotuneJobs) ListPending(ctx context.Context) ([]*domain.AutotuneJob, error) {
	return p.Store.ListPending(ctx, nil)
}
