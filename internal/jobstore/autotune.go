package jobstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/lanterndata/lanternd/internal/domain"
)

// AutotuneJobStore reads and writes rows of the autotune_jobs table and
// appends experiment results to the autotune results table.
type AutotuneJobStore interface {
	Get(ctx context.Context, tx *gorm.DB, id int32) (*domain.AutotuneJob, error)
	ListPending(ctx context.Context, tx *gorm.DB) ([]*domain.AutotuneJob, error)
	MarkStarted(ctx context.Context, tx *gorm.DB, id int32) error
	MarkFinished(ctx context.Context, tx *gorm.DB, id int32) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id int32, reason string) error
	SetProgress(ctx context.Context, tx *gorm.DB, id int32, progress int16) error
	RecordResult(ctx context.Context, tx *gorm.DB, experimentID int32, ef, efc, m int, recall, latency float64, buildTime *float64) error
}

type autotuneJobStore struct {
	db          *gorm.DB
	tableName   string
	resultTable string
}

func NewAutotuneJobStore(db *gorm.DB, tableName, resultTable string) AutotuneJobStore {
	return &autotuneJobStore{db: db, tableName: tableName, resultTable: resultTable}
}

func (s *autotuneJobStore) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

type autotuneJobRow struct {
	ID             int32
	Schema         string `gorm:"column:schema"`
	Table          string `gorm:"column:table"`
	Column         string `gorm:"column:column"`
	Operator       string
	TargetRecall   float64
	EmbeddingModel *string
	K              int
	N              int
	CreateIndex    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CanceledAt     *time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	FailedAt       *time.Time
	Progress       int16
	FailureReason  *string
}

func (r *autotuneJobRow) toDomain() *domain.AutotuneJob {
	return &domain.AutotuneJob{
		ID: r.ID, Schema: r.Schema, Table: r.Table, Column: r.Column, Operator: r.Operator,
		TargetRecall: r.TargetRecall, EmbeddingModel: r.EmbeddingModel, K: r.K, N: r.N,
		CreateIndex: r.CreateIndex, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		CanceledAt: r.CanceledAt, StartedAt: r.StartedAt, FinishedAt: r.FinishedAt,
		Progress: r.Progress, FailedAt: r.FailedAt, FailureReason: r.FailureReason,
	}
}

func (s *autotuneJobStore) Get(ctx context.Context, tx *gorm.DB, id int32) (*domain.AutotuneJob, error) {
	var row autotuneJobRow
	if err := s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *autotuneJobStore) ListPending(ctx context.Context, tx *gorm.DB) ([]*domain.AutotuneJob, error) {
	var rows []autotuneJobRow
	if err := s.conn(tx).WithContext(ctx).Table(s.tableName).
		Where("failed_at IS NULL AND finished_at IS NULL").
		Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.AutotuneJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *autotuneJobStore) MarkStarted(ctx context.Context, tx *gorm.DB, id int32) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).Update("started_at", time.Now()).Error
}

func (s *autotuneJobStore) MarkFinished(ctx context.Context, tx *gorm.DB, id int32) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).Updates(map[string]interface{}{
		"finished_at": time.Now(),
		"progress":    100,
		"updated_at":  time.Now(),
	}).Error
}

func (s *autotuneJobStore) MarkFailed(ctx context.Context, tx *gorm.DB, id int32, reason string) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).Updates(map[string]interface{}{
		"failed_at":      time.Now(),
		"failure_reason": reason,
		"updated_at":     time.Now(),
	}).Error
}

func (s *autotuneJobStore) SetProgress(ctx context.Context, tx *gorm.DB, id int32, progress int16) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).Update("progress", progress).Error
}

func (s *autotuneJobStore) RecordResult(ctx context.Context, tx *gorm.DB, experimentID int32, ef, efc, m int, recall, latency float64, buildTime *float64) error {
	return s.conn(tx).WithContext(ctx).Table(s.resultTable).Create(map[string]interface{}{
		"experiment_id": experimentID,
		"ef":            ef,
		"efc":           efc,
		"m":             m,
		"recall":        recall,
		"latency":       latency,
		"build_time":    buildTime,
	}).Error
}
