package domain

// InsertNotification is produced either by the job-table insert trigger
// (RowID nil) or by a per-row client-table trigger (RowID set), and is also
// synthesised by the update processor (backfill) and by startup recovery.
// Mirrors original_source's JobInsertNotification (lantern_cli/src/daemon/types.rs,
// referenced throughout helpers.rs / embedding_jobs.rs).
type InsertNotification struct {
	ID              int32
	GenerateMissing bool
	RowID           *string
	Filter          *string
	Limit           *int
}

// UpdateNotification is produced by the job-table update trigger whenever
// canceled_at toggles, and synthesised by the supervisor at startup for
// every live job so that the update processor's backfill path runs exactly
// once per job on every daemon restart (spec.md §4.4).
type UpdateNotification struct {
	ID              int32
	GenerateMissing bool
}
