// Package jobstore is the one place GORM touches this codebase: plain
// CRUD reads/writes against the job-kind tables, modeled on the teacher's
// repos package (e.g. internal/repos/usertoken.go's tx-override pattern).
// Everything that needs pgx's lower-level connection control -- LISTEN/
// NOTIFY, advisory locks, the staging-table cursor, row-locking -- lives
// outside this package and talks to pgxpool directly (SPEC_FULL.md §3).
package jobstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/lanterndata/lanternd/internal/domain"
)

// EmbeddingJobStore reads and writes rows of one embedding/completion job
// table. A single implementation serves both kinds since their schemas are
// identical (domain.CompletionJob is a type alias of domain.EmbeddingJob).
type EmbeddingJobStore interface {
	Get(ctx context.Context, tx *gorm.DB, id int32) (*domain.EmbeddingJob, error)
	ListLive(ctx context.Context, tx *gorm.DB) ([]*domain.EmbeddingJob, error)
	ListPending(ctx context.Context, tx *gorm.DB) ([]*domain.EmbeddingJob, error)
	ClaimInit(ctx context.Context, tx *gorm.DB, id int32) (bool, error)
	MarkInitFinished(ctx context.Context, tx *gorm.DB, id int32) error
	MarkInitFailed(ctx context.Context, tx *gorm.DB, id int32, reason string) error
	SetInitProgress(ctx context.Context, tx *gorm.DB, id int32, progress int16) error
	RecordUsage(ctx context.Context, tx *gorm.DB, jobID int32, rows, tokens int, failed bool) error
	RecordFailure(ctx context.Context, tx *gorm.DB, jobID int32, rowID string, value *string) error
}

type embeddingJobStore struct {
	db        *gorm.DB
	tableName string
	usageTable string
	failureTable string
}

// NewEmbeddingJobStore builds a store bound to a specific job/usage/failure
// table name triple, so one implementation serves both the embedding and
// completion pipelines under their own schema-qualified tables.
func NewEmbeddingJobStore(db *gorm.DB, tableName, usageTable, failureTable string) EmbeddingJobStore {
	return &embeddingJobStore{db: db, tableName: tableName, usageTable: usageTable, failureTable: failureTable}
}

func (s *embeddingJobStore) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

func (s *embeddingJobStore) Get(ctx context.Context, tx *gorm.DB, id int32) (*domain.EmbeddingJob, error) {
	var row embeddingJobRow
	if err := s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *embeddingJobStore) ListLive(ctx context.Context, tx *gorm.DB) ([]*domain.EmbeddingJob, error) {
	var rows []embeddingJobRow
	if err := s.conn(tx).WithContext(ctx).Table(s.tableName).
		Where("init_failed_at IS NULL AND canceled_at IS NULL").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.EmbeddingJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ListPending mirrors original_source's collect_pending_index_jobs for the
// embedding/completion table: every job that has neither finished nor
// failed its init phase, ordered by id.
func (s *embeddingJobStore) ListPending(ctx context.Context, tx *gorm.DB) ([]*domain.EmbeddingJob, error) {
	var rows []embeddingJobRow
	if err := s.conn(tx).WithContext(ctx).Table(s.tableName).
		Where("init_failed_at IS NULL AND init_finished_at IS NULL").
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.EmbeddingJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ClaimInit performs the conditional UPDATE that admits exactly one
// supervisor to start a job's init phase (spec.md §4.3: "if zero rows
// updated, skip; another supervisor started it").
func (s *embeddingJobStore) ClaimInit(ctx context.Context, tx *gorm.DB, id int32) (bool, error) {
	res := s.conn(tx).WithContext(ctx).Table(s.tableName).
		Where("id = ? AND init_started_at IS NULL", id).
		Update("init_started_at", time.Now())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *embeddingJobStore) MarkInitFinished(ctx context.Context, tx *gorm.DB, id int32) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).Updates(map[string]interface{}{
		"init_finished_at": time.Now(),
		"init_progress":    100,
		"updated_at":       time.Now(),
	}).Error
}

func (s *embeddingJobStore) MarkInitFailed(ctx context.Context, tx *gorm.DB, id int32, reason string) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).
		Where("id = ? AND init_finished_at IS NULL", id).
		Updates(map[string]interface{}{
			"init_failed_at":      time.Now(),
			"init_failure_reason": reason,
			"updated_at":          time.Now(),
		}).Error
}

func (s *embeddingJobStore) SetInitProgress(ctx context.Context, tx *gorm.DB, id int32, progress int16) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).
		Update("init_progress", progress).Error
}

func (s *embeddingJobStore) RecordUsage(ctx context.Context, tx *gorm.DB, jobID int32, rows, tokens int, failed bool) error {
	return s.conn(tx).WithContext(ctx).Table(s.usageTable).Create(map[string]interface{}{
		"job_id":  jobID,
		"rows":    rows,
		"tokens":  tokens,
		"failed":  failed,
	}).Error
}

func (s *embeddingJobStore) RecordFailure(ctx context.Context, tx *gorm.DB, jobID int32, rowID string, value *string) error {
	if s.failureTable == "" {
		return nil
	}
	return s.conn(tx).WithContext(ctx).Table(s.failureTable).Create(map[string]interface{}{
		"job_id": jobID,
		"row_id": rowID,
		"value":  value,
	}).Error
}

// embeddingJobRow is the GORM-scanned row shape; kept separate from
// domain.EmbeddingJob so the domain type stays free of gorm struct tags.
type embeddingJobRow struct {
	ID                int32
	Schema            string `gorm:"column:schema"`
	Table             string `gorm:"column:table"`
	PK                string `gorm:"column:pk"`
	Label             *string
	Runtime           string
	RuntimeParams     []byte `gorm:"column:runtime_params"`
	SrcColumn         string
	DstColumn         string
	EmbeddingModel    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CanceledAt        *time.Time
	InitStartedAt     *time.Time
	InitFinishedAt    *time.Time
	InitFailedAt      *time.Time
	InitFailureReason *string
	InitProgress      int16
}

func (r *embeddingJobRow) toDomain() *domain.EmbeddingJob {
	return &domain.EmbeddingJob{
		ID:                r.ID,
		Schema:            r.Schema,
		Table:             r.Table,
		PK:                r.PK,
		Label:             r.Label,
		Runtime:           r.Runtime,
		RuntimeParams:     r.RuntimeParams,
		SrcColumn:         r.SrcColumn,
		DstColumn:         r.DstColumn,
		EmbeddingModel:    r.EmbeddingModel,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		CanceledAt:        r.CanceledAt,
		InitStartedAt:     r.InitStartedAt,
		InitFinishedAt:    r.InitFinishedAt,
		InitFailedAt:      r.InitFailedAt,
		InitFailureReason: r.InitFailureReason,
		InitProgress:      r.InitProgress,
	}
}
