package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"provflow/internal/adapters"
	"provflow/internal/core/memstore"
	"provflow/internal/domain"
	"provflow/internal/metrics"
	"provflow/internal/registry"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.list() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeAdapter struct {
	name         string
	capability   string
	log          *callLog
	executeFn    func(ctx context.Context, wctx map[string]any) (map[string]any, error)
	compensateFn func(ctx context.Context, wctx, result map[string]any) error
}

func (a *fakeAdapter) Capability() string { return a.capability }

func (a *fakeAdapter) Execute(ctx context.Context, wctx map[string]any) (map[string]any, error) {
	a.log.add("execute:" + a.name)
	if a.executeFn != nil {
		return a.executeFn(ctx, wctx)
	}
	return map[string]any{a.name + "_result": "ok"}, nil
}

func (a *fakeAdapter) Compensate(ctx context.Context, wctx, result map[string]any) error {
	a.log.add("compensate:" + a.name)
	if a.compensateFn != nil {
		return a.compensateFn(ctx, wctx, result)
	}
	return nil
}

type env struct {
	workflows *memstore.WorkflowStore
	steps     *memstore.StepStore
	idem      *memstore.IdempotencyStore
	locks     *memstore.Locker
	events    *memstore.EventRecorder
	executor  *Executor
}

func fastSpec(name string, compensable bool) registry.StepSpec {
	return registry.StepSpec{
		Name:       name,
		Capability: "test." + name,
		Retry: registry.RetryPolicy{
			MaxAttempts:    3,
			BackoffBase:    time.Millisecond,
			BackoffCeiling: 5 * time.Millisecond,
			Timeout:        time.Second,
		},
		Compensable: compensable,
	}
}

func newEnv(t *testing.T, def *registry.WorkflowDefinition, set adapters.Set) *env {
	t.Helper()
	reg, err := registry.New(def)
	require.NoError(t, err)

	e := &env{
		workflows: memstore.NewWorkflowStore(),
		steps:     memstore.NewStepStore(),
		idem:      memstore.NewIdempotencyStore(),
		locks:     memstore.NewLocker(),
		events:    memstore.NewEventRecorder(),
	}
	e.executor = NewExecutor(reg, e.workflows, e.steps, e.idem, e.locks, e.events, set,
		zap.NewNop(), metrics.New(prometheus.NewRegistry()))
	return e
}

func (e *env) newInstance(t *testing.T, op domain.OperationType) *domain.WorkflowInstance {
	t.Helper()
	instance := domain.NewWorkflowInstance(uuid.New(), uuid.New(), op, "req-"+uuid.NewString(), nil)
	require.NoError(t, e.workflows.Create(context.Background(), instance))
	return instance
}

func threeStepDef(log *callLog) (*registry.WorkflowDefinition, adapters.Set, map[string]*fakeAdapter) {
	def := &registry.WorkflowDefinition{
		OperationType: domain.OperationProvision,
		Steps:         []registry.StepSpec{fastSpec("s1", true), fastSpec("s2", true), fastSpec("s3", true)},
	}
	fakes := map[string]*fakeAdapter{}
	set := adapters.Set{}
	for _, name := range []string{"s1", "s2", "s3"} {
		fa := &fakeAdapter{name: name, capability: "test." + name, log: log}
		fakes[name] = fa
		set[fa.capability] = fa
	}
	return def, set, fakes
}

func TestRunHappyPath(t *testing.T) {
	log := &callLog{}
	def, set, _ := threeStepDef(log)
	e := newEnv(t, def, set)
	instance := e.newInstance(t, domain.OperationProvision)

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, status)
	assert.Equal(t, []string{"execute:s1", "execute:s2", "execute:s3"}, log.list())

	stored, err := e.workflows.GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, stored.Status)
	assert.Equal(t, 3, stored.CurrentStepIndex)
	// Context accumulated every step's result.
	assert.Equal(t, "ok", stored.Context["s1_result"])
	assert.Equal(t, "ok", stored.Context["s2_result"])
	assert.Equal(t, "ok", stored.Context["s3_result"])

	// All step executions SUCCEEDED in definition order with no gaps.
	steps, err := e.steps.ListByInstance(context.Background(), instance.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i, step.StepIndex)
		assert.Equal(t, domain.StepSucceeded, step.Status)
	}

	assert.Equal(t, 1, e.events.CountByNewStatus(domain.WorkflowCompleted))
	assert.False(t, e.locks.Held(instance.SubscriberID))
	assert.NotEmpty(t, e.idem.Expired)
}

func TestRunFailureCompensatesInReverseOrder(t *testing.T) {
	log := &callLog{}
	def, set, fakes := threeStepDef(log)
	fakes["s3"].executeFn = func(ctx context.Context, wctx map[string]any) (map[string]any, error) {
		return nil, domain.Transientf("device flapping")
	}
	e := newEnv(t, def, set)
	instance := e.newInstance(t, domain.OperationProvision)

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompensated, status)

	// Three attempts on s3, then undo of s2 before s1.
	assert.Equal(t, []string{
		"execute:s1", "execute:s2",
		"execute:s3", "execute:s3", "execute:s3",
		"compensate:s2", "compensate:s1",
	}, log.list())

	steps, err := e.steps.ListByInstance(context.Background(), instance.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, domain.StepCompensated, steps[0].Status)
	assert.Equal(t, domain.StepCompensated, steps[1].Status)
	assert.Equal(t, domain.StepFailed, steps[2].Status)
	assert.Equal(t, 3, steps[2].AttemptCount)

	// Original results are retained for audit.
	stored, err := e.workflows.GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", stored.Context["s1_result"])
	assert.Equal(t, "ok", stored.Context["s2_result"])
	assert.NotEmpty(t, stored.LastError)
	assert.False(t, e.locks.Held(instance.SubscriberID))
}

func TestRunNonCompensableStepsAreSkippedInReversePass(t *testing.T) {
	log := &callLog{}
	def := &registry.WorkflowDefinition{
		OperationType: domain.OperationProvision,
		Steps:         []registry.StepSpec{fastSpec("s1", true), fastSpec("s2", false), fastSpec("s3", true)},
	}
	set := adapters.Set{}
	for _, name := range []string{"s1", "s2", "s3"} {
		fa := &fakeAdapter{name: name, capability: "test." + name, log: log}
		set[fa.capability] = fa
	}
	set["test.s3"].(*fakeAdapter).executeFn = func(ctx context.Context, wctx map[string]any) (map[string]any, error) {
		return nil, domain.Transientf("unavailable")
	}
	e := newEnv(t, def, set)
	instance := e.newInstance(t, domain.OperationProvision)

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompensated, status)
	assert.Equal(t, 0, log.count("compensate:s2"))
	assert.Equal(t, 1, log.count("compensate:s1"))

	steps, err := e.steps.ListByInstance(context.Background(), instance.ID)
	require.NoError(t, err)
	// The non-compensable step keeps its SUCCEEDED status untouched.
	assert.Equal(t, domain.StepCompensated, steps[0].Status)
	assert.Equal(t, domain.StepSucceeded, steps[1].Status)
}

func TestRunCompensationFailureStopsReversePass(t *testing.T) {
	log := &callLog{}
	def, set, fakes := threeStepDef(log)
	fakes["s3"].executeFn = func(ctx context.Context, wctx map[string]any) (map[string]any, error) {
		return nil, domain.Transientf("unavailable")
	}
	fakes["s2"].compensateFn = func(ctx context.Context, wctx, result map[string]any) error {
		return domain.Transientf("release rejected")
	}
	e := newEnv(t, def, set)
	instance := e.newInstance(t, domain.OperationProvision)

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompensationFailed, status)

	// Earlier steps are left alone once a compensation fails.
	assert.Equal(t, 1, log.count("compensate:s2"))
	assert.Equal(t, 0, log.count("compensate:s1"))

	stored, err := e.workflows.GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompensationFailed, stored.Status)
	assert.Contains(t, stored.LastError, "s2")
	assert.Equal(t, 1, e.events.CountByNewStatus(domain.WorkflowCompensationFailed))
}

func TestRunSingleAttemptPolicyFailsWithoutRetry(t *testing.T) {
	log := &callLog{}
	spec := fastSpec("s1", false)
	spec.Retry.MaxAttempts = 1
	def := &registry.WorkflowDefinition{OperationType: domain.OperationProvision, Steps: []registry.StepSpec{spec}}
	fa := &fakeAdapter{name: "s1", capability: "test.s1", log: log,
		executeFn: func(ctx context.Context, wctx map[string]any) (map[string]any, error) {
			return nil, domain.Transientf("unavailable")
		}}
	e := newEnv(t, def, adapters.Set{fa.capability: fa})
	instance := e.newInstance(t, domain.OperationProvision)

	started := time.Now()
	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompensated, status)
	assert.Equal(t, 1, log.count("execute:s1"))
	assert.Less(t, time.Since(started), 500*time.Millisecond)

	step, err := e.steps.Find(context.Background(), instance.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, step.AttemptCount)
}

func TestRunPermanentErrorSkipsRemainingAttempts(t *testing.T) {
	log := &callLog{}
	def, set, fakes := threeStepDef(log)
	fakes["s1"].executeFn = func(ctx context.Context, wctx map[string]any) (map[string]any, error) {
		return nil, assert.AnError
	}
	e := newEnv(t, def, set)
	instance := e.newInstance(t, domain.OperationProvision)

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompensated, status)
	assert.Equal(t, 1, log.count("execute:s1"))
	assert.Equal(t, 0, log.count("execute:s2"))
}

func TestRunTerminalInstanceIsNoOp(t *testing.T) {
	log := &callLog{}
	def, set, _ := threeStepDef(log)
	e := newEnv(t, def, set)
	instance := e.newInstance(t, domain.OperationProvision)

	_, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	require.Equal(t, 3, len(log.list()))

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, status)
	assert.Equal(t, 3, len(log.list()), "no adapter call on a terminal instance")
}

func TestRunResumesFromPersistedStepIndex(t *testing.T) {
	log := &callLog{}
	def, set, _ := threeStepDef(log)
	e := newEnv(t, def, set)

	// Simulate a crash after step 0 was durably completed.
	instance := domain.NewWorkflowInstance(uuid.New(), uuid.New(), domain.OperationProvision, "req-resume", nil)
	instance.Status = domain.WorkflowRunning
	instance.CurrentStepIndex = 1
	require.NoError(t, e.workflows.Create(context.Background(), instance))
	step0 := domain.NewStepExecution(instance.ID, 0, "s1")
	step0.Status = domain.StepSucceeded
	require.NoError(t, e.steps.Create(context.Background(), step0))

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, status)
	assert.Equal(t, []string{"execute:s2", "execute:s3"}, log.list())
}

func TestRunReusesIdempotentResultWithoutAdapterCall(t *testing.T) {
	log := &callLog{}
	def, set, _ := threeStepDef(log)
	e := newEnv(t, def, set)

	// A prior run executed s1 externally and recorded it, but crashed before
	// the instance row advanced.
	instance := domain.NewWorkflowInstance(uuid.New(), uuid.New(), domain.OperationProvision, "req-idem", nil)
	instance.Status = domain.WorkflowRunning
	require.NoError(t, e.workflows.Create(context.Background(), instance))
	e.idem.Seed(instance.IdempotencyKey, "s1", []byte(`{"s1_result":"prior"}`))

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, status)
	assert.Equal(t, 0, log.count("execute:s1"), "idempotency hit must skip the external call")
	assert.Equal(t, 1, log.count("execute:s2"))

	stored, err := e.workflows.GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "prior", stored.Context["s1_result"])

	step0, err := e.steps.Find(context.Background(), instance.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StepSucceeded, step0.Status)
}

func TestRunHonorsCancellationAtStepBoundary(t *testing.T) {
	log := &callLog{}
	def, set, fakes := threeStepDef(log)
	e := newEnv(t, def, set)
	instance := e.newInstance(t, domain.OperationProvision)

	// The in-flight step finishes; cancellation lands at the next boundary.
	fakes["s1"].executeFn = func(ctx context.Context, wctx map[string]any) (map[string]any, error) {
		_, err := e.workflows.RequestCancel(context.Background(), instance.ID)
		require.NoError(t, err)
		return map[string]any{"s1_result": "ok"}, nil
	}

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompensated, status)
	assert.Equal(t, []string{"execute:s1", "compensate:s1"}, log.list())
}

func TestRunCancelledBeforeStartIsTerminal(t *testing.T) {
	log := &callLog{}
	def, set, _ := threeStepDef(log)
	e := newEnv(t, def, set)
	instance := e.newInstance(t, domain.OperationProvision)
	_, err := e.workflows.RequestCancel(context.Background(), instance.ID)
	require.NoError(t, err)

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCancelled, status)
	assert.Empty(t, log.list())
	assert.False(t, e.locks.Held(instance.SubscriberID))
}

// workflowStoreHook lets a test interleave a writer between the executor's
// initial load and its first transition.
type workflowStoreHook struct {
	*memstore.WorkflowStore
	afterGet func()
}

func (s *workflowStoreHook) GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	instance, err := s.WorkflowStore.GetByID(ctx, id)
	if f := s.afterGet; f != nil {
		s.afterGet = nil
		f()
	}
	return instance, err
}

func TestRunConcurrentCancelOfPendingReleasesLock(t *testing.T) {
	log := &callLog{}
	def, set, _ := threeStepDef(log)
	reg, err := registry.New(def)
	require.NoError(t, err)

	store := &workflowStoreHook{WorkflowStore: memstore.NewWorkflowStore()}
	steps := memstore.NewStepStore()
	locks := memstore.NewLocker()
	executor := NewExecutor(reg, store, steps, memstore.NewIdempotencyStore(), locks,
		memstore.NewEventRecorder(), set, zap.NewNop(), metrics.New(prometheus.NewRegistry()))

	instance := domain.NewWorkflowInstance(uuid.New(), uuid.New(), domain.OperationProvision, "req-race", nil)
	require.NoError(t, store.Create(context.Background(), instance))

	// A cancel flips the instance to CANCELLED right after the executor loaded
	// its PENDING copy, so the PENDING -> RUNNING transition loses the race.
	store.afterGet = func() {
		require.NoError(t, store.WorkflowStore.UpdateStatus(context.Background(),
			instance.ID, domain.WorkflowPending, domain.WorkflowCancelled, "cancelled before start"))
	}

	status, err := executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCancelled, status)
	assert.Empty(t, log.list())
	assert.False(t, locks.Held(instance.SubscriberID),
		"the lock re-acquired for the doomed run must be released")

	// The subscriber is free for the next operation.
	require.NoError(t, locks.Acquire(context.Background(), instance.SubscriberID, uuid.New()))
}

func TestRunResumeMergesStoredStepResultIntoContext(t *testing.T) {
	log := &callLog{}
	def, set, _ := threeStepDef(log)
	e := newEnv(t, def, set)

	// Crash landed between the step row's success and the instance cursor
	// advancing; the stored result must still reach the context on resume.
	instance := domain.NewWorkflowInstance(uuid.New(), uuid.New(), domain.OperationProvision, "req-merge", nil)
	instance.Status = domain.WorkflowRunning
	require.NoError(t, e.workflows.Create(context.Background(), instance))
	step0 := domain.NewStepExecution(instance.ID, 0, "s1")
	step0.Status = domain.StepSucceeded
	step0.Result = datatypes.JSON(`{"s1_result":"prior"}`)
	require.NoError(t, e.steps.Create(context.Background(), step0))

	status, err := e.executor.Run(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, status)
	assert.Equal(t, 0, log.count("execute:s1"))

	stored, err := e.workflows.GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "prior", stored.Context["s1_result"])
	assert.Equal(t, "ok", stored.Context["s2_result"])
}

func TestRunUnknownOperationType(t *testing.T) {
	log := &callLog{}
	def, set, _ := threeStepDef(log)
	e := newEnv(t, def, set)
	instance := e.newInstance(t, domain.OperationTerminate)

	_, err := e.executor.Run(context.Background(), instance.ID)
	assert.ErrorIs(t, err, domain.ErrUnknownOperationType)
}
