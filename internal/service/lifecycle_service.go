package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"provflow/internal/adapters"
	"provflow/internal/api/dto"
	"provflow/internal/core/ports"
	"provflow/internal/domain"
	"provflow/internal/metrics"
	"provflow/internal/registry"
	"provflow/internal/saga"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LifecycleService is the inbound trigger boundary of the orchestration
// engine: start, inspect and cancel lifecycle workflows.
type LifecycleService interface {
	StartWorkflow(ctx context.Context, req dto.StartWorkflowRequest) (uuid.UUID, error)
	GetStatus(ctx context.Context, instanceID uuid.UUID) (*dto.WorkflowInstanceView, error)
	Cancel(ctx context.Context, instanceID uuid.UUID) (bool, error)
	ResumeInFlight(ctx context.Context) (int, error)
	Drain()
}

type lifecycleService struct {
	registry  *registry.Registry
	workflows ports.WorkflowRepository
	steps     ports.StepRepository
	locks     ports.SubscriberLocker
	events    ports.EventPublisher
	executor  *saga.Executor
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// runCtx outlives individual HTTP requests; executor goroutines run on it
	// so a closed client connection never aborts an in-flight saga.
	runCtx context.Context
	wg     sync.WaitGroup
}

func NewLifecycleService(
	runCtx context.Context,
	reg *registry.Registry,
	workflows ports.WorkflowRepository,
	steps ports.StepRepository,
	locks ports.SubscriberLocker,
	events ports.EventPublisher,
	executor *saga.Executor,
	logger *zap.Logger,
	m *metrics.Metrics,
) LifecycleService {
	return &lifecycleService{
		registry:  reg,
		workflows: workflows,
		steps:     steps,
		locks:     locks,
		events:    events,
		executor:  executor,
		logger:    logger.Named("lifecycle"),
		metrics:   m,
		runCtx:    runCtx,
	}
}

func (s *lifecycleService) StartWorkflow(ctx context.Context, req dto.StartWorkflowRequest) (uuid.UUID, error) {
	op := domain.OperationType(req.Operation)
	if _, err := s.registry.Definition(op); err != nil {
		return uuid.Nil, err
	}

	// At-least-once delivery upstream means the same request can arrive
	// twice; the idempotency key resolves both to one instance.
	if existing, err := s.workflows.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return existing.ID, nil
	} else if !errors.Is(err, domain.ErrInstanceNotFound) {
		return uuid.Nil, err
	}

	instance := domain.NewWorkflowInstance(req.TenantID, req.SubscriberID, op, req.IdempotencyKey, req.Params)
	instance.Context[adapters.KeySubscriberID] = req.SubscriberID.String()
	instance.Context[adapters.KeyTenantID] = req.TenantID.String()

	if err := s.locks.Acquire(ctx, req.SubscriberID, instance.ID); err != nil {
		if errors.Is(err, domain.ErrConflictingOperation) {
			s.metrics.LockConflicts.Inc()
		}
		return uuid.Nil, err
	}

	if err := s.workflows.Create(ctx, instance); err != nil {
		// Unique idempotency key collision from a racing duplicate: hand back
		// whatever the race winner created.
		if existing, lookupErr := s.workflows.GetByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil {
			s.releaseQuietly(ctx, req.SubscriberID, instance.ID)
			return existing.ID, nil
		}
		s.releaseQuietly(ctx, req.SubscriberID, instance.ID)
		return uuid.Nil, fmt.Errorf("create workflow instance: %w", err)
	}

	s.metrics.WorkflowsStarted.WithLabelValues(string(op)).Inc()
	s.logger.Info("workflow admitted",
		zap.Stringer("instance_id", instance.ID),
		zap.Stringer("subscriber_id", req.SubscriberID),
		zap.String("operation", string(op)))

	s.launch(instance.ID)
	return instance.ID, nil
}

func (s *lifecycleService) GetStatus(ctx context.Context, instanceID uuid.UUID) (*dto.WorkflowInstanceView, error) {
	instance, err := s.workflows.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	steps, err := s.steps.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return dto.NewWorkflowInstanceView(instance, steps), nil
}

// Cancel stops a PENDING instance outright; a RUNNING instance gets a flag the
// executor honors at the next step boundary. Reports whether the request had
// any effect.
func (s *lifecycleService) Cancel(ctx context.Context, instanceID uuid.UUID) (bool, error) {
	instance, err := s.workflows.GetByID(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if instance.IsTerminal() {
		return false, nil
	}

	if instance.Status == domain.WorkflowPending {
		err := s.workflows.UpdateStatus(ctx, instanceID, domain.WorkflowPending, domain.WorkflowCancelled, "cancelled before start")
		if err == nil {
			s.releaseQuietly(ctx, instance.SubscriberID, instance.ID)
			event := domain.NewLifecycleEvent(instance, domain.WorkflowPending, domain.WorkflowCancelled, "cancelled before start")
			if pubErr := s.events.Publish(ctx, event); pubErr != nil {
				s.logger.Warn("failed to publish cancel event", zap.Error(pubErr))
			}
			return true, nil
		}
		if !errors.Is(err, domain.ErrStaleInstance) {
			return false, err
		}
		// Lost the race against the executor; fall through to the flag.
	}

	return s.workflows.RequestCancel(ctx, instanceID)
}

// ResumeInFlight re-runs every non-terminal instance. Called once at startup
// so a crashed process picks up where durable state left off.
func (s *lifecycleService) ResumeInFlight(ctx context.Context) (int, error) {
	ids, err := s.workflows.ListInFlight(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.logger.Info("resuming in-flight workflow", zap.Stringer("instance_id", id))
		s.launch(id)
	}
	return len(ids), nil
}

// Drain blocks until all executor goroutines finish. Callers bound it with
// their own timeout.
func (s *lifecycleService) Drain() {
	s.wg.Wait()
}

func (s *lifecycleService) launch(instanceID uuid.UUID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		status, err := s.executor.Run(s.runCtx, instanceID)
		if err != nil {
			s.logger.Error("workflow run ended with error",
				zap.Stringer("instance_id", instanceID),
				zap.Error(err))
			return
		}
		s.metrics.WorkflowsFinished.WithLabelValues(s.operationOf(instanceID), string(status)).Inc()
	}()
}

func (s *lifecycleService) operationOf(instanceID uuid.UUID) string {
	instance, err := s.workflows.GetByID(s.runCtx, instanceID)
	if err != nil {
		return "unknown"
	}
	return string(instance.OperationType)
}

func (s *lifecycleService) releaseQuietly(ctx context.Context, subscriberID, instanceID uuid.UUID) {
	if err := s.locks.Release(ctx, subscriberID, instanceID); err != nil {
		s.logger.Warn("failed to release subscriber lock", zap.Error(err))
	}
}
