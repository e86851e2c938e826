package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/jobhandle"
	"github.com/lanterndata/lanternd/internal/logger"
)

func testWorkerLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)
	return log
}

type fakeRuntime struct {
	result EmbeddingResult
	err    error
	calls  int
}

func (f *fakeRuntime) Run(ctx context.Context, req EmbeddingRequest) (EmbeddingResult, error) {
	f.calls++
	return f.result, f.err
}

type usageCall struct {
	rows, tokens int
	failed       bool
}

type failureCall struct {
	rowID string
	value *string
}

type fakeUsage struct {
	mu        sync.Mutex
	usage     []usageCall
	failures  []failureCall
}

func (f *fakeUsage) RecordUsage(ctx context.Context, jobID int32, rows, tokens int, failed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, usageCall{rows: rows, tokens: tokens, failed: failed})
	return nil
}

func (f *fakeUsage) RecordFailure(ctx context.Context, jobID int32, rowID string, value *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failureCall{rowID: rowID, value: value})
	return nil
}

func describeStub(req EmbeddingRequest, err error) func(ctx context.Context, jobID int32) (EmbeddingRequest, error) {
	return func(ctx context.Context, jobID int32) (EmbeddingRequest, error) {
		return req, err
	}
}

func TestEmbeddingWorkerSuccessSignalsDoneAndRecordsUsage(t *testing.T) {
	rt := &fakeRuntime{result: EmbeddingResult{Tokens: 42}}
	usage := &fakeUsage{}
	handles := jobhandle.NewMap()
	h := jobhandle.NewHandle()
	handles.Set(1, h)
	batchCh := make(chan domain.Batch, 1)

	w := NewEmbeddingWorker(rt, usage, handles, domain.KindEmbedding, time.Millisecond, batchCh,
		describeStub(EmbeddingRequest{JobID: 1}, nil), testWorkerLogger(t))

	w.process(context.Background(), domain.Batch{JobID: 1, Kind: domain.KindEmbedding, RowIDs: []string{"a", "b"}})

	select {
	case ev := <-h:
		assert.Equal(t, domain.EventDone, ev.Kind)
	default:
		t.Fatal("expected a done event")
	}
	require.Len(t, usage.usage, 1)
	assert.Equal(t, usageCall{rows: 2, tokens: 42, failed: false}, usage.usage[0])
	assert.Empty(t, usage.failures)
}

func TestEmbeddingWorkerCompletionKindRecordsFailedRowsSeparately(t *testing.T) {
	failedVal := "not-an-int"
	rt := &fakeRuntime{result: EmbeddingResult{
		Tokens:     10,
		FailedRows: []FailedRow{{RowID: "r1", Value: &failedVal}},
	}}
	usage := &fakeUsage{}
	handles := jobhandle.NewMap()
	batchCh := make(chan domain.Batch, 1)

	w := NewEmbeddingWorker(rt, usage, handles, domain.KindCompletion, time.Millisecond, batchCh,
		describeStub(EmbeddingRequest{JobID: 5}, nil), testWorkerLogger(t))

	w.process(context.Background(), domain.Batch{JobID: 5, Kind: domain.KindCompletion, RowIDs: []string{"r1"}})

	require.Len(t, usage.failures, 1)
	assert.Equal(t, "r1", usage.failures[0].rowID)
	assert.Equal(t, &failedVal, usage.failures[0].value)
}

func TestEmbeddingWorkerNonCompletionKindNeverRecordsFailedRows(t *testing.T) {
	failedVal := "irrelevant"
	rt := &fakeRuntime{result: EmbeddingResult{
		FailedRows: []FailedRow{{RowID: "r1", Value: &failedVal}},
	}}
	usage := &fakeUsage{}
	handles := jobhandle.NewMap()
	batchCh := make(chan domain.Batch, 1)

	w := NewEmbeddingWorker(rt, usage, handles, domain.KindEmbedding, time.Millisecond, batchCh,
		describeStub(EmbeddingRequest{JobID: 5}, nil), testWorkerLogger(t))

	w.process(context.Background(), domain.Batch{JobID: 5, Kind: domain.KindEmbedding, RowIDs: []string{"r1"}})

	assert.Empty(t, usage.failures, "only completion jobs write the type-cast failure table")
}

func TestEmbeddingWorkerRuntimeFailureRecordsFailedUsageAndRetries(t *testing.T) {
	rt := &fakeRuntime{err: fmt.Errorf("model backend unreachable")}
	usage := &fakeUsage{}
	handles := jobhandle.NewMap()
	h := jobhandle.NewHandle()
	handles.Set(7, h)
	batchCh := make(chan domain.Batch, 1)

	w := NewEmbeddingWorker(rt, usage, handles, domain.KindEmbedding, 10*time.Millisecond, batchCh,
		describeStub(EmbeddingRequest{JobID: 7}, nil), testWorkerLogger(t))

	batch := domain.Batch{JobID: 7, Kind: domain.KindEmbedding, RowIDs: []string{"x"}}
	w.process(context.Background(), batch)

	select {
	case ev := <-h:
		assert.Equal(t, domain.EventError, ev.Kind)
		assert.False(t, ev.IsCancelled())
	default:
		t.Fatal("expected an error event")
	}

	require.Len(t, usage.usage, 1)
	assert.True(t, usage.usage[0].failed)

	select {
	case redelivered := <-batchCh:
		assert.Equal(t, batch, redelivered)
	case <-time.After(time.Second):
		t.Fatal("expected the failed batch to be redelivered after the retry backoff")
	}
}

func TestEmbeddingWorkerDescribeFailureSignalsErrorWithoutRunningRuntime(t *testing.T) {
	rt := &fakeRuntime{}
	usage := &fakeUsage{}
	handles := jobhandle.NewMap()
	h := jobhandle.NewHandle()
	handles.Set(3, h)
	batchCh := make(chan domain.Batch, 1)

	w := NewEmbeddingWorker(rt, usage, handles, domain.KindEmbedding, time.Millisecond, batchCh,
		describeStub(EmbeddingRequest{}, fmt.Errorf("job not found")), testWorkerLogger(t))

	w.process(context.Background(), domain.Batch{JobID: 3, RowIDs: []string{"x"}})

	assert.Equal(t, 0, rt.calls, "runtime must not run when the job description cannot be resolved")
	select {
	case ev := <-h:
		assert.Equal(t, domain.EventError, ev.Kind)
	default:
		t.Fatal("expected an error event")
	}
}

func TestAcquireReleaseHandleOwnershipLifecycle(t *testing.T) {
	handles := jobhandle.NewMap()

	h, owned := acquireHandle(handles, 9)
	assert.True(t, owned, "first acquirer for a job id owns cleanup")
	got, ok := handles.Get(9)
	require.True(t, ok)
	assert.Equal(t, h, got)

	releaseHandle(handles, 9, owned, domain.Done(), h)
	_, ok = handles.Get(9)
	assert.False(t, ok, "owner must remove the handle on release")

	preset := jobhandle.NewHandle()
	handles.Set(10, preset)
	h2, owned2 := acquireHandle(handles, 10)
	assert.False(t, owned2, "a caller that finds an existing handle does not own it")
	assert.Equal(t, preset, h2)

	releaseHandle(handles, 10, owned2, domain.Done(), h2)
	_, ok = handles.Get(10)
	assert.True(t, ok, "non-owner release must not remove the handle")
}
