package repository

import (
	"context"
	"errors"
	"time"

	"provflow/internal/core/ports"
	"provflow/internal/domain"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type stepRepository struct {
	db *gorm.DB
}

// NewStepRepository creates the Postgres-backed step execution history store.
func NewStepRepository(db *gorm.DB) ports.StepRepository {
	return &stepRepository{db: db}
}

func (r *stepRepository) Create(ctx context.Context, step *domain.StepExecution) error {
	return r.db.WithContext(ctx).Create(step).Error
}

func (r *stepRepository) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]domain.StepExecution, error) {
	var steps []domain.StepExecution
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("step_index asc").
		Find(&steps).Error
	return steps, err
}

func (r *stepRepository) Find(ctx context.Context, instanceID uuid.UUID, stepIndex int) (*domain.StepExecution, error) {
	var step domain.StepExecution
	err := r.db.WithContext(ctx).
		Where("instance_id = ? AND step_index = ?", instanceID, stepIndex).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *stepRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.StepStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.StepExecution{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

func (r *stepRepository) RecordAttempt(ctx context.Context, id uuid.UUID, attempt int, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&domain.StepExecution{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempt_count": attempt,
			"last_error":    lastError,
			"updated_at":    time.Now(),
		}).Error
}

// MarkSucceeded freezes the step. The status guard keeps an already-terminal
// row immutable even if a duplicated executor reports late.
func (r *stepRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, result datatypes.JSON) error {
	return r.db.WithContext(ctx).
		Model(&domain.StepExecution{}).
		Where("id = ? AND status NOT IN ?", id, []domain.StepStatus{domain.StepSucceeded, domain.StepCompensated}).
		Updates(map[string]interface{}{
			"status":     domain.StepSucceeded,
			"result":     result,
			"updated_at": time.Now(),
		}).Error
}

func (r *stepRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&domain.StepExecution{}).
		Where("id = ? AND status NOT IN ?", id, []domain.StepStatus{domain.StepSucceeded, domain.StepCompensated}).
		Updates(map[string]interface{}{
			"status":     domain.StepFailed,
			"last_error": lastError,
			"updated_at": time.Now(),
		}).Error
}
