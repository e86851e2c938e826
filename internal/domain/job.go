// Package domain holds the persisted row shapes and table DDL for every job
// kind the daemon orchestrates. Each kind gets its own Go struct and table
// definition because the column sets genuinely differ (spec.md §6); the
// common prefix (id/schema/table/timestamps/canceled_at) is duplicated on
// each struct rather than embedded, matching the teacher's preference for
// flat, explicit row structs over embedding for ORM-mapped types.
package domain

import (
	"encoding/json"
	"time"
)

// Kind identifies which job table / pipeline a row belongs to.
type Kind string

const (
	KindEmbedding  Kind = "embedding"
	KindCompletion Kind = "completion"
	KindIndex      Kind = "index"
	KindAutotune   Kind = "autotune"
)

// EmbeddingJob is a row of an embedding job table (embedding_jobs as wired
// in internal/app). Completion jobs share this exact shape (src_column ->
// dst_column via a model), so CompletionJob is a type alias rather than a
// separate struct; the two are only told apart by which table they came
// from and by the Kind carried alongside them (Batch.Kind).
type EmbeddingJob struct {
	ID             int32
	Schema         string
	Table          string
	PK             string
	Label          *string
	Runtime        string
	RuntimeParams  json.RawMessage
	SrcColumn      string
	DstColumn      string
	EmbeddingModel string

	CreatedAt time.Time
	UpdatedAt time.Time

	CanceledAt *time.Time

	InitStartedAt      *time.Time
	InitFinishedAt     *time.Time
	InitFailedAt       *time.Time
	InitFailureReason  *string
	InitProgress       int16
}

// CompletionJob is identical in shape to EmbeddingJob (spec.md §3: "kind-specific
// columns" are additive on the common prefix, and the completion pipeline reuses
// the embedding job's column set verbatim -- only the worker's post-processing
// differs, per spec.md §9's retry/failure-record Open Question).
type CompletionJob = EmbeddingJob

// IsInit reports whether the job has not yet completed its initial backfill.
func (j *EmbeddingJob) IsInit() bool {
	return j.InitFinishedAt == nil
}

// IndexJob is a row of the external_index_jobs table.
type IndexJob struct {
	ID       int32
	Schema   string
	Table    string
	Column   string
	Index    *string
	Operator string
	Efc      int
	Ef       int
	M        int

	CreatedAt time.Time
	UpdatedAt time.Time

	CanceledAt    *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	FailedAt      *time.Time
	FailureReason *string
	Progress      int16
}

// AutotuneJob is a row of the autotune_jobs table.
type AutotuneJob struct {
	ID             int32
	Schema         string
	Table          string
	Column         string
	Operator       string
	TargetRecall   float64
	EmbeddingModel *string
	K              int
	N              int
	CreateIndex    bool

	CreatedAt time.Time
	UpdatedAt time.Time

	CanceledAt    *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	FailedAt      *time.Time
	Progress      int16
	FailureReason *string
}

// Table DDL, byte-for-byte faithful to the kind-specific column lists in
// spec.md §6 / original_source's embedding_jobs.rs, external_index_jobs.rs,
// autotune_jobs.rs JOB_TABLE_DEFINITION constants.
const (
	EmbeddingJobTableDDL = `
"id" SERIAL PRIMARY KEY,
"schema" text NOT NULL DEFAULT 'public',
"table" text NOT NULL,
"pk" text NOT NULL DEFAULT 'id',
"label" text NULL,
"runtime" text NOT NULL DEFAULT 'ort',
"runtime_params" jsonb,
"src_column" text NOT NULL,
"dst_column" text NOT NULL,
"embedding_model" text NOT NULL,
"created_at" timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
"updated_at" timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
"canceled_at" timestamp,
"init_started_at" timestamp,
"init_finished_at" timestamp,
"init_failed_at" timestamp,
"init_failure_reason" text,
"init_progress" int2 DEFAULT 0
`

	UsageTableDDL = `
"id" SERIAL PRIMARY KEY,
"job_id" INT NOT NULL,
"rows" INT NOT NULL,
"tokens" INT NOT NULL,
"failed" BOOL NOT NULL DEFAULT FALSE,
"created_at" timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP
`

	// FailureTableDDL backs the completion-job type-cast failure record
	// (spec.md §3 Failure record / §9 Open Question): rows the worker
	// accepted but post-processing rejected. Never retried.
	FailureTableDDL = `
"id" SERIAL PRIMARY KEY,
"job_id" INT NOT NULL,
"row_id" text NOT NULL,
"value" text,
"created_at" timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP
`

	LockTableDDL = `
"job_id" INTEGER NOT NULL,
"row_id" TEXT NOT NULL,
CONSTRAINT ldb_lock_jobid_rowid UNIQUE (job_id, row_id)
`

	IndexJobTableDDL = `
"id" SERIAL PRIMARY KEY,
"schema" text NOT NULL DEFAULT 'public',
"table" text NOT NULL,
"column" text NOT NULL,
"index" text,
"operator" text NOT NULL,
"efc" INT NOT NULL,
"ef" INT NOT NULL,
"m" INT NOT NULL,
"created_at" timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
"updated_at" timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
"canceled_at" timestamp,
"started_at" timestamp,
"finished_at" timestamp,
"failed_at" timestamp,
"failure_reason" text,
"progress" INT2 DEFAULT 0
`

	AutotuneJobTableDDL = `
"id" SERIAL PRIMARY KEY,
"schema" text NOT NULL DEFAULT 'public',
"table" text NOT NULL,
"column" text NOT NULL,
"operator" text NOT NULL,
"target_recall" DOUBLE PRECISION NOT NULL,
"embedding_model" text NULL,
"k" int NOT NULL,
"n" int NOT NULL,
"create_index" bool NOT NULL,
"created_at" timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
"updated_at" timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
"canceled_at" timestamp,
"started_at" timestamp,
"progress" INT2 DEFAULT 0,
"finished_at" timestamp,
"failed_at" timestamp,
"failure_reason" text
`

	AutotuneResultTableDDL = `
"id" SERIAL PRIMARY KEY,
"experiment_id" INT NOT NULL,
"ef" INT NOT NULL,
"efc" INT NOT NULL,
"m" INT NOT NULL,
"recall" DOUBLE PRECISION NOT NULL,
"latency" DOUBLE PRECISION NOT NULL,
"build_time" DOUBLE PRECISION
`
)
