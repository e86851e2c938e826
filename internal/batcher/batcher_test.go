package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)
	return log
}

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[int32]*domain.EmbeddingJob
	claimed  map[int32]bool
	claimRes bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[int32]*domain.EmbeddingJob), claimed: make(map[int32]bool), claimRes: true}
}

func (f *fakeJobs) Get(ctx context.Context, id int32) (*domain.EmbeddingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id], nil
}

func (f *fakeJobs) ClaimInit(ctx context.Context, id int32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed[id] = true
	return f.claimRes, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

type dispatchCall struct {
	jobID    int32
	backfill bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job *domain.EmbeddingJob, backfill bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{jobID: job.ID, backfill: backfill})
	return nil
}

func TestSplitBatchNeverDropsRows(t *testing.T) {
	head, tail := splitBatch([]string{"1", "2", "3"}, 2)
	assert.Equal(t, []string{"1", "2"}, head)
	assert.Equal(t, []string{"3"}, tail)

	head, tail = splitBatch([]string{"1", "2"}, 2)
	assert.Equal(t, []string{"1", "2"}, head)
	assert.Nil(t, tail)

	head, tail = splitBatch([]string{"1"}, 0)
	assert.Equal(t, []string{"1"}, head)
	assert.Nil(t, tail)
}

func TestHandleNotificationJobTableOriginDispatchesInit(t *testing.T) {
	jobs := newFakeJobs()
	jobs.jobs[1] = &domain.EmbeddingJob{ID: 1}
	disp := &fakeDispatcher{}
	workerCh := make(chan domain.Batch, 1)

	b := New(nil, jobs, disp, workerCh, domain.KindEmbedding, 10, time.Second, testLogger(t))
	b.handleNotification(context.Background(), domain.InsertNotification{ID: 1, GenerateMissing: false})

	require.Len(t, disp.calls, 1)
	assert.Equal(t, int32(1), disp.calls[0].jobID)
	assert.False(t, disp.calls[0].backfill)
	assert.True(t, jobs.claimed[1])
}

func TestHandleNotificationSkipsWhenInitAlreadyClaimed(t *testing.T) {
	jobs := newFakeJobs()
	jobs.claimRes = false
	jobs.jobs[1] = &domain.EmbeddingJob{ID: 1}
	disp := &fakeDispatcher{}
	workerCh := make(chan domain.Batch, 1)

	b := New(nil, jobs, disp, workerCh, domain.KindEmbedding, 10, time.Second, testLogger(t))
	b.handleNotification(context.Background(), domain.InsertNotification{ID: 1, GenerateMissing: false})

	assert.Empty(t, disp.calls, "another supervisor already started init, must not dispatch")
}

func TestHandleNotificationBackfillSkipsClaim(t *testing.T) {
	jobs := newFakeJobs()
	jobs.jobs[1] = &domain.EmbeddingJob{ID: 1}
	disp := &fakeDispatcher{}
	workerCh := make(chan domain.Batch, 1)

	b := New(nil, jobs, disp, workerCh, domain.KindEmbedding, 10, time.Second, testLogger(t))
	b.handleNotification(context.Background(), domain.InsertNotification{ID: 1, GenerateMissing: true})

	require.Len(t, disp.calls, 1)
	assert.True(t, disp.calls[0].backfill)
	assert.False(t, jobs.claimed[1], "backfill must not re-attempt ClaimInit")
}

func TestFlushOnceSkipsCanceledJobs(t *testing.T) {
	jobs := newFakeJobs()
	now := time.Now()
	jobs.jobs[1] = &domain.EmbeddingJob{ID: 1, CanceledAt: &now}
	disp := &fakeDispatcher{}
	workerCh := make(chan domain.Batch, 1)

	b := New(nil, jobs, disp, workerCh, domain.KindEmbedding, 10, time.Second, testLogger(t))
	b.buckets[1] = []string{"a", "b"}

	b.flushOnce(context.Background())

	select {
	case <-workerCh:
		t.Fatal("canceled job must not produce a batch")
	default:
	}
}

func TestFlushOnceSplitsOversizedBucketAndKeepsTail(t *testing.T) {
	jobs := newFakeJobs()
	jobs.jobs[1] = &domain.EmbeddingJob{ID: 1}
	disp := &fakeDispatcher{}
	workerCh := make(chan domain.Batch, 1)

	b := New(nil, jobs, disp, workerCh, domain.KindEmbedding, 2, time.Second, testLogger(t))
	b.buckets[1] = []string{"a", "b", "c"}

	b.flushOnce(context.Background())

	select {
	case batch := <-workerCh:
		assert.Equal(t, int32(1), batch.JobID)
		assert.Len(t, batch.RowIDs, 2, "batch must never exceed the model's natural batch size")
	default:
		t.Fatal("expected one flushed batch")
	}

	assert.Equal(t, []string{"c"}, b.buckets[1], "excess rows must remain in the bucket, never dropped")
}

func TestFlushOnceForwardsWholeBucketWhenUnderLimit(t *testing.T) {
	jobs := newFakeJobs()
	jobs.jobs[1] = &domain.EmbeddingJob{ID: 1}
	disp := &fakeDispatcher{}
	workerCh := make(chan domain.Batch, 1)

	b := New(nil, jobs, disp, workerCh, domain.KindEmbedding, 10, time.Second, testLogger(t))
	b.buckets[1] = []string{"a", "b"}

	b.flushOnce(context.Background())

	select {
	case batch := <-workerCh:
		assert.ElementsMatch(t, []string{"a", "b"}, batch.RowIDs)
	default:
		t.Fatal("expected one flushed batch")
	}
	_, stillBucketed := b.buckets[1]
	assert.False(t, stillBucketed, "bucket should be empty once fully flushed")
}
