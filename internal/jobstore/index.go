package jobstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/lanterndata/lanternd/internal/domain"
)

// IndexJobStore reads and writes rows of the external_index_jobs table.
type IndexJobStore interface {
	Get(ctx context.Context, tx *gorm.DB, id int32) (*domain.IndexJob, error)
	ListPending(ctx context.Context, tx *gorm.DB) ([]*domain.IndexJob, error)
	SetProgress(ctx context.Context, tx *gorm.DB, id int32, progress int16) error
	MarkStarted(ctx context.Context, tx *gorm.DB, id int32) error
	MarkFinished(ctx context.Context, tx *gorm.DB, id int32) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id int32, reason string) error
}

type indexJobStore struct {
	db        *gorm.DB
	tableName string
}

func NewIndexJobStore(db *gorm.DB, tableName string) IndexJobStore {
	return &indexJobStore{db: db, tableName: tableName}
}

func (s *indexJobStore) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

type indexJobRow struct {
	ID            int32
	Schema        string `gorm:"column:schema"`
	Table         string `gorm:"column:table"`
	Column        string `gorm:"column:column"`
	Index         *string
	Operator      string
	Efc           int
	Ef            int
	M             int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CanceledAt    *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	FailedAt      *time.Time
	FailureReason *string
	Progress      int16
}

func (r *indexJobRow) toDomain() *domain.IndexJob {
	return &domain.IndexJob{
		ID: r.ID, Schema: r.Schema, Table: r.Table, Column: r.Column, Index: r.Index,
		Operator: r.Operator, Efc: r.Efc, Ef: r.Ef, M: r.M,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, CanceledAt: r.CanceledAt,
		StartedAt: r.StartedAt, FinishedAt: r.FinishedAt, FailedAt: r.FailedAt,
		FailureReason: r.FailureReason, Progress: r.Progress,
	}
}

func (s *indexJobStore) Get(ctx context.Context, tx *gorm.DB, id int32) (*domain.IndexJob, error) {
	var row indexJobRow
	if err := s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *indexJobStore) ListPending(ctx context.Context, tx *gorm.DB) ([]*domain.IndexJob, error) {
	var rows []indexJobRow
	if err := s.conn(tx).WithContext(ctx).Table(s.tableName).
		Where("failed_at IS NULL AND finished_at IS NULL").
		Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.IndexJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *indexJobStore) SetProgress(ctx context.Context, tx *gorm.DB, id int32, progress int16) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).Update("progress", progress).Error
}

func (s *indexJobStore) MarkStarted(ctx context.Context, tx *gorm.DB, id int32) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).Update("started_at", time.Now()).Error
}

func (s *indexJobStore) MarkFinished(ctx context.Context, tx *gorm.DB, id int32) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).Updates(map[string]interface{}{
		"finished_at": time.Now(),
		"progress":    100,
		"updated_at":  time.Now(),
	}).Error
}

func (s *indexJobStore) MarkFailed(ctx context.Context, tx *gorm.DB, id int32, reason string) error {
	return s.conn(tx).WithContext(ctx).Table(s.tableName).Where("id = ?", id).Updates(map[string]interface{}{
		"failed_at":      time.Now(),
		"failure_reason": reason,
		"updated_at":     time.Now(),
	}).Error
}
