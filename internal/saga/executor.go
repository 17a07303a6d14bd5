package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"provflow/internal/adapters"
	"provflow/internal/core/ports"
	"provflow/internal/domain"
	"provflow/internal/metrics"
	"provflow/internal/registry"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// DefaultIdempotencyGrace bounds how long idempotency entries outlive their
// terminal instance.
const DefaultIdempotencyGrace = 24 * time.Hour

// Executor drives one workflow instance at a time through its definition:
// forward steps in order with bounded retries, then, on unrecoverable
// failure or cancellation, compensation of completed steps in reverse order.
type Executor struct {
	registry  *registry.Registry
	workflows ports.WorkflowRepository
	steps     ports.StepRepository
	idem      ports.IdempotencyStore
	locks     ports.SubscriberLocker
	events    ports.EventPublisher
	adapters  adapters.Set
	logger    *zap.Logger
	metrics   *metrics.Metrics
	idemGrace time.Duration
}

type ExecutorOption func(*Executor)

func WithIdempotencyGrace(grace time.Duration) ExecutorOption {
	return func(e *Executor) { e.idemGrace = grace }
}

func NewExecutor(
	reg *registry.Registry,
	workflows ports.WorkflowRepository,
	steps ports.StepRepository,
	idem ports.IdempotencyStore,
	locks ports.SubscriberLocker,
	events ports.EventPublisher,
	adapterSet adapters.Set,
	logger *zap.Logger,
	m *metrics.Metrics,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		registry:  reg,
		workflows: workflows,
		steps:     steps,
		idem:      idem,
		locks:     locks,
		events:    events,
		adapters:  adapterSet,
		logger:    logger.Named("saga"),
		metrics:   m,
		idemGrace: DefaultIdempotencyGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes or resumes the instance until it reaches a terminal status.
// Re-invoking Run on a terminal instance is a no-op returning the stored
// status, so crash recovery can blindly re-run every in-flight id.
func (e *Executor) Run(ctx context.Context, instanceID uuid.UUID) (domain.WorkflowStatus, error) {
	instance, err := e.workflows.GetByID(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if instance.IsTerminal() {
		return instance.Status, nil
	}

	def, err := e.registry.Definition(instance.OperationType)
	if err != nil {
		return "", err
	}

	// Re-entrant for this instance id: a fresh start already holds the lock
	// via admission, a resumed instance re-claims its own lock here.
	if err := e.locks.Acquire(ctx, instance.SubscriberID, instance.ID); err != nil {
		return "", err
	}

	log := e.logger.With(
		zap.Stringer("instance_id", instance.ID),
		zap.Stringer("subscriber_id", instance.SubscriberID),
		zap.String("operation", string(instance.OperationType)),
	)

	switch instance.Status {
	case domain.WorkflowPending:
		if instance.CancelRequested {
			if err := e.transition(ctx, instance, domain.WorkflowCancelled, "cancelled before start"); err != nil {
				return "", err
			}
			e.finish(ctx, instance, def)
			return domain.WorkflowCancelled, nil
		}
		if err := e.transition(ctx, instance, domain.WorkflowRunning, ""); err != nil {
			// A concurrent cancel can win the PENDING slot; re-read and
			// report the terminal status instead of erroring. The cancel
			// released the lock before this Run re-acquired it, so it has to
			// be given back here or the subscriber stays locked forever.
			if errors.Is(err, domain.ErrStaleInstance) {
				if fresh, ferr := e.workflows.GetByID(ctx, instance.ID); ferr == nil && fresh.IsTerminal() {
					e.finish(ctx, instance, def)
					return fresh.Status, nil
				}
			}
			return "", err
		}
	case domain.WorkflowRunning, domain.WorkflowStepFailed:
		log.Info("resuming workflow", zap.Int("current_step_index", instance.CurrentStepIndex))
		if instance.Status == domain.WorkflowStepFailed {
			// Crashed between STEP_FAILED and COMPENSATING.
			return e.beginCompensation(ctx, instance, def, log)
		}
	case domain.WorkflowCompensating:
		log.Info("resuming compensation")
		return e.compensate(ctx, instance, def, log)
	default:
		return instance.Status, fmt.Errorf("instance %s in unexpected status %s", instance.ID, instance.Status)
	}

	return e.runForward(ctx, instance, def, log)
}

func (e *Executor) runForward(ctx context.Context, instance *domain.WorkflowInstance, def *registry.WorkflowDefinition, log *zap.Logger) (domain.WorkflowStatus, error) {
	for i := instance.CurrentStepIndex; i < len(def.Steps); i++ {
		cancelled, err := e.cancelRequested(ctx, instance)
		if err != nil {
			return "", err
		}
		if cancelled {
			log.Info("cancellation requested, compensating", zap.Int("step_index", i))
			if err := e.transition(ctx, instance, domain.WorkflowCompensating, "cancelled by request"); err != nil {
				return "", err
			}
			return e.compensate(ctx, instance, def, log)
		}

		spec := def.Steps[i]
		stepLog := log.With(zap.String("step", spec.Name), zap.Int("step_index", i))

		step, err := e.loadOrCreateStep(ctx, instance, i, spec.Name)
		if err != nil {
			return "", err
		}
		if step.Status == domain.StepSucceeded {
			// Durably done on a previous run; only the index lagged behind.
			// The stored result still has to reach the workflow context.
			if err := e.advance(ctx, instance, i+1, step.Result); err != nil {
				return "", err
			}
			continue
		}

		// A prior attempt may already have taken effect externally.
		if prior, hit, err := e.idem.Get(ctx, instance.IdempotencyKey, spec.Name); err != nil {
			return "", fmt.Errorf("idempotency lookup for step %s: %w", spec.Name, err)
		} else if hit {
			stepLog.Info("idempotency hit, reusing prior result")
			if err := e.completeStep(ctx, instance, step, i, prior); err != nil {
				return "", err
			}
			continue
		}

		adapter, ok := e.adapters[spec.Capability]
		if !ok {
			msg := fmt.Sprintf("step %s: %v: %s", spec.Name, domain.ErrUnknownCapability, spec.Capability)
			return e.failStep(ctx, instance, def, step, msg, log)
		}

		if err := e.steps.UpdateStatus(ctx, step.ID, domain.StepRunning); err != nil {
			return "", err
		}

		started := time.Now()
		result, execErr := e.executeWithRetry(ctx, instance, step, spec, adapter, stepLog)
		if execErr != nil {
			stepLog.Warn("step failed permanently", zap.Error(execErr))
			msg := fmt.Sprintf("step %s failed: %v", spec.Name, execErr)
			return e.failStep(ctx, instance, def, step, msg, log)
		}
		e.metrics.StepDuration.WithLabelValues(spec.Name).Observe(time.Since(started).Seconds())

		if err := e.completeStep(ctx, instance, step, i, result); err != nil {
			return "", err
		}
		stepLog.Info("step succeeded")
	}

	// The boundary after the final step counts too: a cancel that landed
	// while the last step was in flight still wins over completion.
	cancelled, err := e.cancelRequested(ctx, instance)
	if err != nil {
		return "", err
	}
	if cancelled {
		log.Info("cancellation requested after final step, compensating")
		if err := e.transition(ctx, instance, domain.WorkflowCompensating, "cancelled by request"); err != nil {
			return "", err
		}
		return e.compensate(ctx, instance, def, log)
	}

	if err := e.transition(ctx, instance, domain.WorkflowCompleted, ""); err != nil {
		return "", err
	}
	log.Info("workflow completed")
	e.finish(ctx, instance, def)
	return domain.WorkflowCompleted, nil
}

// executeWithRetry runs one step's adapter with a per-attempt timeout, retrying
// transient failures with min(base * 2^attempt, ceiling) backoff. Attempt
// counts and the latest error are persisted between attempts so a crash never
// forgets how far a step got.
func (e *Executor) executeWithRetry(ctx context.Context, instance *domain.WorkflowInstance, step *domain.StepExecution, spec registry.StepSpec, adapter ports.StepAdapter, log *zap.Logger) (datatypes.JSON, error) {
	var out map[string]any
	attempts := 0

	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, spec.Retry.Timeout)
		defer cancel()

		result, err := adapter.Execute(attemptCtx, instance.Context)
		if err != nil {
			if recordErr := e.steps.RecordAttempt(ctx, step.ID, attempts, err.Error()); recordErr != nil {
				log.Warn("failed to record step attempt", zap.Error(recordErr))
			}
			return err
		}
		out = result
		return nil
	}

	err := retry.Do(operation,
		retry.Context(ctx),
		retry.Attempts(uint(spec.Retry.MaxAttempts)),
		retry.Delay(spec.Retry.BackoffBase),
		retry.MaxDelay(spec.Retry.BackoffCeiling),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return domain.IsTransient(err) }),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.metrics.StepRetries.WithLabelValues(spec.Name).Inc()
			log.Warn("step attempt failed, retrying",
				zap.Uint("attempt", n+1),
				zap.Int("max_attempts", spec.Retry.MaxAttempts),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal step result: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// completeStep persists the forward outcome in the required order: idempotency
// store first (so a crash after the external call still dedupes), then the
// step row, then context and step index on the instance.
func (e *Executor) completeStep(ctx context.Context, instance *domain.WorkflowInstance, step *domain.StepExecution, index int, result datatypes.JSON) error {
	if err := e.idem.Put(ctx, instance.IdempotencyKey, step.Name, result); err != nil {
		return fmt.Errorf("idempotency put for step %s: %w", step.Name, err)
	}
	if err := e.steps.MarkSucceeded(ctx, step.ID, result); err != nil {
		return err
	}
	return e.advance(ctx, instance, index+1, result)
}

// advance merges a step result into the workflow context and durably moves the
// step cursor. Step N+1 never begins before this write lands.
func (e *Executor) advance(ctx context.Context, instance *domain.WorkflowInstance, nextIndex int, result datatypes.JSON) error {
	if len(result) > 0 {
		var data map[string]any
		if err := json.Unmarshal(result, &data); err != nil {
			return fmt.Errorf("unmarshal step result: %w", err)
		}
		if instance.Context == nil {
			instance.Context = datatypes.JSONMap{}
		}
		for k, v := range data {
			instance.Context[k] = v
		}
	}
	instance.CurrentStepIndex = nextIndex
	return e.workflows.Save(ctx, instance)
}

func (e *Executor) failStep(ctx context.Context, instance *domain.WorkflowInstance, def *registry.WorkflowDefinition, step *domain.StepExecution, msg string, log *zap.Logger) (domain.WorkflowStatus, error) {
	if err := e.steps.MarkFailed(ctx, step.ID, msg); err != nil {
		return "", err
	}
	if err := e.transition(ctx, instance, domain.WorkflowStepFailed, msg); err != nil {
		return "", err
	}
	return e.beginCompensation(ctx, instance, def, log)
}

func (e *Executor) beginCompensation(ctx context.Context, instance *domain.WorkflowInstance, def *registry.WorkflowDefinition, log *zap.Logger) (domain.WorkflowStatus, error) {
	if err := e.transition(ctx, instance, domain.WorkflowCompensating, ""); err != nil {
		return "", err
	}
	return e.compensate(ctx, instance, def, log)
}

// compensate undoes completed steps in exact reverse completion order.
// Non-compensable steps are skipped, not treated as errors. A failing
// compensation stops the pass immediately: the system is left in a known
// partially-compensated state for manual resolution, never retried blindly.
func (e *Executor) compensate(ctx context.Context, instance *domain.WorkflowInstance, def *registry.WorkflowDefinition, log *zap.Logger) (domain.WorkflowStatus, error) {
	executions, err := e.steps.ListByInstance(ctx, instance.ID)
	if err != nil {
		return "", err
	}

	for i := len(executions) - 1; i >= 0; i-- {
		st := executions[i]
		// SUCCEEDED steps need undoing; a step caught mid-COMPENSATING by a
		// crash gets one more attempt. Everything else is skipped.
		if st.Status != domain.StepSucceeded && st.Status != domain.StepCompensating {
			continue
		}
		if st.StepIndex >= len(def.Steps) {
			return "", fmt.Errorf("step index %d out of range for %s", st.StepIndex, instance.OperationType)
		}
		spec := def.Steps[st.StepIndex]
		if !spec.Compensable {
			continue
		}

		adapter, ok := e.adapters[spec.Capability]
		if !ok {
			return e.compensationFailed(ctx, instance,
				fmt.Sprintf("compensation of step %s: %v: %s", spec.Name, domain.ErrUnknownCapability, spec.Capability), def, log)
		}

		if err := e.steps.UpdateStatus(ctx, st.ID, domain.StepCompensating); err != nil {
			return "", err
		}

		var result map[string]any
		if len(st.Result) > 0 {
			if err := json.Unmarshal(st.Result, &result); err != nil {
				return e.compensationFailed(ctx, instance,
					fmt.Sprintf("compensation of step %s: corrupt stored result: %v", spec.Name, err), def, log)
			}
		}

		log.Info("compensating step", zap.String("step", spec.Name))
		compCtx, cancel := context.WithTimeout(ctx, spec.Retry.Timeout)
		compErr := adapter.Compensate(compCtx, instance.Context, result)
		cancel()
		if compErr != nil {
			return e.compensationFailed(ctx, instance,
				fmt.Sprintf("compensation of step %s failed: %v", spec.Name, compErr), def, log)
		}

		if err := e.steps.UpdateStatus(ctx, st.ID, domain.StepCompensated); err != nil {
			return "", err
		}
	}

	if err := e.transition(ctx, instance, domain.WorkflowCompensated, instance.LastError); err != nil {
		return "", err
	}
	log.Info("workflow compensated")
	e.finish(ctx, instance, def)
	return domain.WorkflowCompensated, nil
}

func (e *Executor) compensationFailed(ctx context.Context, instance *domain.WorkflowInstance, msg string, def *registry.WorkflowDefinition, log *zap.Logger) (domain.WorkflowStatus, error) {
	e.metrics.CompensationFailures.Inc()
	log.Error("compensation failed, manual intervention required", zap.String("detail", msg))
	if err := e.transition(ctx, instance, domain.WorkflowCompensationFailed, msg); err != nil {
		return "", err
	}
	e.finish(ctx, instance, def)
	return domain.WorkflowCompensationFailed, nil
}

// transition moves the instance through a guarded status update and publishes
// the lifecycle event. Publish failures are logged, never propagated.
func (e *Executor) transition(ctx context.Context, instance *domain.WorkflowInstance, to domain.WorkflowStatus, errDetail string) error {
	from := instance.Status
	if err := e.workflows.UpdateStatus(ctx, instance.ID, from, to, errDetail); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	instance.Status = to
	if errDetail != "" {
		instance.LastError = errDetail
	}
	if err := e.events.Publish(ctx, domain.NewLifecycleEvent(instance, from, to, errDetail)); err != nil {
		e.logger.Warn("failed to publish lifecycle event",
			zap.Stringer("instance_id", instance.ID),
			zap.String("new_status", string(to)),
			zap.Error(err))
	}
	return nil
}

// finish releases the subscriber lock and bounds idempotency retention for a
// terminal instance.
func (e *Executor) finish(ctx context.Context, instance *domain.WorkflowInstance, def *registry.WorkflowDefinition) {
	names := make([]string, 0, len(def.Steps))
	for _, s := range def.Steps {
		names = append(names, s.Name)
	}
	if err := e.idem.ExpireAfter(ctx, instance.IdempotencyKey, names, e.idemGrace); err != nil {
		e.logger.Warn("failed to bound idempotency retention", zap.Error(err))
	}
	if err := e.locks.Release(ctx, instance.SubscriberID, instance.ID); err != nil {
		e.logger.Warn("failed to release subscriber lock",
			zap.Stringer("subscriber_id", instance.SubscriberID),
			zap.Error(err))
	}
}

func (e *Executor) cancelRequested(ctx context.Context, instance *domain.WorkflowInstance) (bool, error) {
	fresh, err := e.workflows.GetByID(ctx, instance.ID)
	if err != nil {
		return false, err
	}
	instance.CancelRequested = fresh.CancelRequested
	return fresh.CancelRequested, nil
}

func (e *Executor) loadOrCreateStep(ctx context.Context, instance *domain.WorkflowInstance, index int, name string) (*domain.StepExecution, error) {
	step, err := e.steps.Find(ctx, instance.ID, index)
	if err == nil {
		return step, nil
	}
	if !errors.Is(err, domain.ErrInstanceNotFound) {
		return nil, err
	}
	step = domain.NewStepExecution(instance.ID, index, name)
	if err := e.steps.Create(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}
