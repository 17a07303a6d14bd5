package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"provflow/internal/adapters"
	"provflow/internal/api/dto"
	"provflow/internal/core/memstore"
	"provflow/internal/domain"
	"provflow/internal/metrics"
	"provflow/internal/registry"
	"provflow/internal/saga"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type scriptedAdapter struct {
	capability string
	mu         sync.Mutex
	executions int
	executeFn  func(ctx context.Context, wctx map[string]any) (map[string]any, error)
}

func (a *scriptedAdapter) Capability() string { return a.capability }

func (a *scriptedAdapter) Execute(ctx context.Context, wctx map[string]any) (map[string]any, error) {
	a.mu.Lock()
	a.executions++
	a.mu.Unlock()
	if a.executeFn != nil {
		return a.executeFn(ctx, wctx)
	}
	return map[string]any{"done": true}, nil
}

func (a *scriptedAdapter) Compensate(ctx context.Context, wctx, result map[string]any) error {
	return nil
}

func (a *scriptedAdapter) executionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executions
}

type testEnv struct {
	workflows *memstore.WorkflowStore
	steps     *memstore.StepStore
	locks     *memstore.Locker
	events    *memstore.EventRecorder
	adapter   *scriptedAdapter
	svc       LifecycleService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	def := &registry.WorkflowDefinition{
		OperationType: domain.OperationProvision,
		Steps: []registry.StepSpec{{
			Name:       "s1",
			Capability: "test.s1",
			Retry: registry.RetryPolicy{
				MaxAttempts:    2,
				BackoffBase:    time.Millisecond,
				BackoffCeiling: 5 * time.Millisecond,
				Timeout:        5 * time.Second,
			},
			Compensable: true,
		}},
	}
	reg, err := registry.New(def)
	require.NoError(t, err)

	env := &testEnv{
		workflows: memstore.NewWorkflowStore(),
		steps:     memstore.NewStepStore(),
		locks:     memstore.NewLocker(),
		events:    memstore.NewEventRecorder(),
		adapter:   &scriptedAdapter{capability: "test.s1"},
	}
	idem := memstore.NewIdempotencyStore()
	m := metrics.New(prometheus.NewRegistry())
	logger := zap.NewNop()
	set := adapters.Set{env.adapter.capability: env.adapter}

	executor := saga.NewExecutor(reg, env.workflows, env.steps, idem, env.locks, env.events, set, logger, m)
	env.svc = NewLifecycleService(context.Background(), reg, env.workflows, env.steps, env.locks, env.events, executor, logger, m)
	return env
}

func startRequest(subscriberID uuid.UUID, key string) dto.StartWorkflowRequest {
	return dto.StartWorkflowRequest{
		TenantID:       uuid.New(),
		SubscriberID:   subscriberID,
		Operation:      string(domain.OperationProvision),
		IdempotencyKey: key,
		Params:         map[string]any{"plan": map[string]any{"speed": "1g"}},
	}
}

func TestStartWorkflowRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.svc.StartWorkflow(context.Background(), startRequest(uuid.New(), "req-1"))
	require.NoError(t, err)
	env.svc.Drain()

	stored, err := env.workflows.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, stored.Status)
	assert.Equal(t, 1, env.adapter.executionCount())
}

func TestStartWorkflowRepeatedKeyReturnsSameInstance(t *testing.T) {
	env := newTestEnv(t)
	subscriber := uuid.New()

	first, err := env.svc.StartWorkflow(context.Background(), startRequest(subscriber, "req-dup"))
	require.NoError(t, err)
	env.svc.Drain()

	second, err := env.svc.StartWorkflow(context.Background(), startRequest(subscriber, "req-dup"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, env.adapter.executionCount(), "repeat request must not re-execute adapters")
}

func TestStartWorkflowRejectsConcurrentSubscriberOperation(t *testing.T) {
	env := newTestEnv(t)
	subscriber := uuid.New()
	started := make(chan struct{})
	release := make(chan struct{})
	env.adapter.executeFn = func(ctx context.Context, wctx map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"done": true}, nil
	}

	_, err := env.svc.StartWorkflow(context.Background(), startRequest(subscriber, "req-a"))
	require.NoError(t, err)
	<-started

	_, err = env.svc.StartWorkflow(context.Background(), startRequest(subscriber, "req-b"))
	assert.ErrorIs(t, err, domain.ErrConflictingOperation)

	close(release)
	env.svc.Drain()
}

func TestStartWorkflowUnknownOperation(t *testing.T) {
	env := newTestEnv(t)
	req := startRequest(uuid.New(), "req-x")
	req.Operation = "DECOMMISSION"

	_, err := env.svc.StartWorkflow(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrUnknownOperationType)
}

func TestCancelPendingInstance(t *testing.T) {
	env := newTestEnv(t)
	instance := domain.NewWorkflowInstance(uuid.New(), uuid.New(), domain.OperationProvision, "req-pending", nil)
	require.NoError(t, env.workflows.Create(context.Background(), instance))
	require.NoError(t, env.locks.Acquire(context.Background(), instance.SubscriberID, instance.ID))

	cancelled, err := env.svc.Cancel(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	stored, err := env.workflows.GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCancelled, stored.Status)
	assert.False(t, env.locks.Held(instance.SubscriberID))
	assert.Equal(t, 1, env.events.CountByNewStatus(domain.WorkflowCancelled))
}

func TestCancelRunningInstanceCompensatesAtBoundary(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	env.adapter.executeFn = func(ctx context.Context, wctx map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"done": true}, nil
	}

	id, err := env.svc.StartWorkflow(context.Background(), startRequest(uuid.New(), "req-run"))
	require.NoError(t, err)
	<-started

	cancelled, err := env.svc.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	close(release)
	env.svc.Drain()

	stored, err := env.workflows.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompensated, stored.Status)
}

func TestCancelTerminalInstanceReportsFalse(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.svc.StartWorkflow(context.Background(), startRequest(uuid.New(), "req-done"))
	require.NoError(t, err)
	env.svc.Drain()

	cancelled, err := env.svc.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestGetStatusSanitizesErrors(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.executeFn = func(ctx context.Context, wctx map[string]any) (map[string]any, error) {
		return nil, domain.Transientf("RADIUS code 49: invalid shared secret")
	}

	id, err := env.svc.StartWorkflow(context.Background(), startRequest(uuid.New(), "req-fail"))
	require.NoError(t, err)
	env.svc.Drain()

	view, err := env.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.WorkflowCompensated), view.Status)
	assert.Contains(t, view.ErrorSummary, "s1")
	assert.NotContains(t, view.ErrorSummary, "RADIUS", "adapter error codes must not leak verbatim")
	require.Len(t, view.Steps, 1)
	assert.Equal(t, "s1", view.Steps[0].Name)
}

func TestGetStatusUnknownInstance(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GetStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestResumeInFlightCompensatesStepFailedInstances(t *testing.T) {
	env := newTestEnv(t)

	// Crash landed between the STEP_FAILED transition and the start of
	// compensation; startup must pick the instance up and finish the job.
	instance := domain.NewWorkflowInstance(uuid.New(), uuid.New(), domain.OperationProvision, "req-failed", nil)
	instance.Status = domain.WorkflowStepFailed
	instance.CurrentStepIndex = 1
	require.NoError(t, env.workflows.Create(context.Background(), instance))
	step0 := domain.NewStepExecution(instance.ID, 0, "s1")
	step0.Status = domain.StepSucceeded
	step0.Result = datatypes.JSON(`{"done":true}`)
	require.NoError(t, env.steps.Create(context.Background(), step0))

	resumed, err := env.svc.ResumeInFlight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	env.svc.Drain()

	stored, err := env.workflows.GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompensated, stored.Status)
	storedStep, err := env.steps.Find(context.Background(), instance.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompensated, storedStep.Status)
}

func TestResumeInFlightPicksUpRunningInstances(t *testing.T) {
	env := newTestEnv(t)
	instance := domain.NewWorkflowInstance(uuid.New(), uuid.New(), domain.OperationProvision, "req-resume", nil)
	instance.Status = domain.WorkflowRunning
	require.NoError(t, env.workflows.Create(context.Background(), instance))

	resumed, err := env.svc.ResumeInFlight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	env.svc.Drain()

	stored, err := env.workflows.GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, stored.Status)
}
