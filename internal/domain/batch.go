package domain

// Batch is the unit of work C4's flush task and C6's streamer both hand to
// the worker pool: a job id plus the set of primary-key values the filter
// should cover. The batcher and the streamer always fill RowIDs, kept here
// instead of a raw SQL fragment so the row filter is built in one place by
// the runtime. RowIDs is empty for index and autotune batches, which work
// over the whole column.
type Batch struct {
	JobID   int32
	Kind    Kind
	RowIDs  []string
	IsInit  bool
}
