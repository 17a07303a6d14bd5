package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"provflow/internal/core/ports"
	"provflow/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type workflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository creates the Postgres-backed workflow state store.
func NewWorkflowRepository(db *gorm.DB) ports.WorkflowRepository {
	return &workflowRepository{db: db}
}

func (r *workflowRepository) Create(ctx context.Context, instance *domain.WorkflowInstance) error {
	return r.db.WithContext(ctx).Create(instance).Error
}

func (r *workflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	var instance domain.WorkflowInstance
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *workflowRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.WorkflowInstance, error) {
	var instance domain.WorkflowInstance
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// Save writes the working copy back with an optimistic version check. The
// executor is the only writer for a locked subscriber, but the check still
// guards against a stale executor surviving a lock timeout. cancel_requested
// is deliberately not written: RequestCancel is its only writer, and a Save
// from a stale working copy must not erase a flag set concurrently.
func (r *workflowRepository) Save(ctx context.Context, instance *domain.WorkflowInstance) error {
	result := r.db.WithContext(ctx).
		Model(&domain.WorkflowInstance{}).
		Where("id = ? AND version = ?", instance.ID, instance.Version).
		Updates(map[string]interface{}{
			"status":             instance.Status,
			"current_step_index": instance.CurrentStepIndex,
			"context":            instance.Context,
			"last_error":         instance.LastError,
			"version":            instance.Version + 1,
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrStaleInstance
	}
	instance.Version++
	return nil
}

// UpdateStatus performs a guarded transition. The WHERE clause makes the
// transition atomic: only one writer can move the row from `from` to `to`, and
// a terminal row can never be moved again.
func (r *workflowRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.WorkflowStatus, lastError string) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	result := r.db.WithContext(ctx).
		Model(&domain.WorkflowInstance{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrStaleInstance
	}
	return nil
}

func (r *workflowRepository) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.WorkflowInstance{}).
		Where("id = ? AND status IN ?", id, []domain.WorkflowStatus{domain.WorkflowPending, domain.WorkflowRunning}).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *workflowRepository) ListInFlight(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&domain.WorkflowInstance{}).
		Where("status IN ?", []domain.WorkflowStatus{domain.WorkflowPending, domain.WorkflowRunning, domain.WorkflowStepFailed, domain.WorkflowCompensating}).
		Order("created_at asc").
		Pluck("id", &ids).Error
	return ids, err
}
