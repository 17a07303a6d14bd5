// Package memstore provides in-memory implementations of the persistence,
// locking and event ports. They back unit tests and single-process demo
// deployments; semantics (guarded transitions, version compare-and-swap,
// snapshot reads) mirror the Postgres and Redis implementations.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"provflow/internal/domain"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type WorkflowStore struct {
	mu        sync.RWMutex
	instances map[uuid.UUID]*domain.WorkflowInstance
}

func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{instances: make(map[uuid.UUID]*domain.WorkflowInstance)}
}

func cloneInstance(w *domain.WorkflowInstance) *domain.WorkflowInstance {
	cp := *w
	cp.Context = datatypes.JSONMap{}
	for k, v := range w.Context {
		cp.Context[k] = v
	}
	return &cp
}

func (s *WorkflowStore) Create(ctx context.Context, instance *domain.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[instance.ID]; exists {
		return fmt.Errorf("instance %s already exists", instance.ID)
	}
	for _, other := range s.instances {
		if other.IdempotencyKey == instance.IdempotencyKey {
			return fmt.Errorf("duplicate idempotency key %q", instance.IdempotencyKey)
		}
	}
	s.instances[instance.ID] = cloneInstance(instance)
	return nil
}

func (s *WorkflowStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[id]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	return cloneInstance(instance), nil
}

func (s *WorkflowStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, instance := range s.instances {
		if instance.IdempotencyKey == key {
			return cloneInstance(instance), nil
		}
	}
	return nil, domain.ErrInstanceNotFound
}

func (s *WorkflowStore) Save(ctx context.Context, instance *domain.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.instances[instance.ID]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	if stored.Version != instance.Version {
		return domain.ErrStaleInstance
	}
	instance.Version++
	instance.UpdatedAt = time.Now()
	cp := cloneInstance(instance)
	// RequestCancel is the only writer of the cancel flag; a stale working
	// copy must not erase it.
	cp.CancelRequested = stored.CancelRequested
	s.instances[instance.ID] = cp
	return nil
}

func (s *WorkflowStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.WorkflowStatus, lastError string) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.instances[id]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	if stored.Status != from {
		return domain.ErrStaleInstance
	}
	stored.Status = to
	if lastError != "" {
		stored.LastError = lastError
	}
	stored.UpdatedAt = time.Now()
	return nil
}

func (s *WorkflowStore) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.instances[id]
	if !ok {
		return false, domain.ErrInstanceNotFound
	}
	if stored.Status != domain.WorkflowPending && stored.Status != domain.WorkflowRunning {
		return false, nil
	}
	stored.CancelRequested = true
	stored.UpdatedAt = time.Now()
	return true, nil
}

func (s *WorkflowStore) ListInFlight(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []uuid.UUID
	for _, instance := range s.instances {
		switch instance.Status {
		case domain.WorkflowPending, domain.WorkflowRunning, domain.WorkflowStepFailed, domain.WorkflowCompensating:
			ids = append(ids, instance.ID)
		}
	}
	return ids, nil
}

type StepStore struct {
	mu    sync.RWMutex
	steps map[uuid.UUID]*domain.StepExecution
}

func NewStepStore() *StepStore {
	return &StepStore{steps: make(map[uuid.UUID]*domain.StepExecution)}
}

func cloneStep(s *domain.StepExecution) *domain.StepExecution {
	cp := *s
	cp.Result = append(datatypes.JSON(nil), s.Result...)
	return &cp
}

func (s *StepStore) Create(ctx context.Context, step *domain.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.ID] = cloneStep(step)
	return nil
}

func (s *StepStore) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StepExecution
	for _, step := range s.steps {
		if step.InstanceID == instanceID {
			out = append(out, *cloneStep(step))
		}
	}
	// Definition order, matching the repository's ORDER BY step_index.
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *StepStore) Find(ctx context.Context, instanceID uuid.UUID, stepIndex int) (*domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, step := range s.steps {
		if step.InstanceID == instanceID && step.StepIndex == stepIndex {
			return cloneStep(step), nil
		}
	}
	return nil, domain.ErrInstanceNotFound
}

func (s *StepStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	step.Status = status
	step.UpdatedAt = time.Now()
	return nil
}

func (s *StepStore) RecordAttempt(ctx context.Context, id uuid.UUID, attempt int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	step.AttemptCount = attempt
	step.LastError = lastError
	step.UpdatedAt = time.Now()
	return nil
}

func (s *StepStore) MarkSucceeded(ctx context.Context, id uuid.UUID, result datatypes.JSON) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	if step.Status == domain.StepSucceeded || step.Status == domain.StepCompensated {
		return nil
	}
	step.Status = domain.StepSucceeded
	step.Result = append(datatypes.JSON(nil), result...)
	step.UpdatedAt = time.Now()
	return nil
}

func (s *StepStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	if step.Status == domain.StepSucceeded || step.Status == domain.StepCompensated {
		return nil
	}
	step.Status = domain.StepFailed
	step.LastError = lastError
	step.UpdatedAt = time.Now()
	return nil
}

type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]datatypes.JSON
	Expired map[string]time.Duration
}

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		entries: make(map[string]datatypes.JSON),
		Expired: make(map[string]time.Duration),
	}
}

func (s *IdempotencyStore) Get(ctx context.Context, key, stepName string) (datatypes.JSON, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.entries[key+":"+stepName]
	return result, ok, nil
}

func (s *IdempotencyStore) Put(ctx context.Context, key, stepName string, result datatypes.JSON) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := key + ":" + stepName
	if _, exists := s.entries[entry]; exists {
		return nil
	}
	s.entries[entry] = append(datatypes.JSON(nil), result...)
	return nil
}

func (s *IdempotencyStore) ExpireAfter(ctx context.Context, key string, stepNames []string, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range stepNames {
		s.Expired[key+":"+name] = grace
	}
	return nil
}

// Seed installs a prior result, simulating a step that already took effect.
func (s *IdempotencyStore) Seed(key, stepName string, result datatypes.JSON) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key+":"+stepName] = result
}

type Locker struct {
	mu      sync.Mutex
	holders map[uuid.UUID]uuid.UUID
}

func NewLocker() *Locker {
	return &Locker{holders: make(map[uuid.UUID]uuid.UUID)}
}

func (l *Locker) Acquire(ctx context.Context, subscriberID, instanceID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, held := l.holders[subscriberID]
	if held && holder != instanceID {
		return domain.ErrConflictingOperation
	}
	l.holders[subscriberID] = instanceID
	return nil
}

func (l *Locker) Release(ctx context.Context, subscriberID, instanceID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[subscriberID] == instanceID {
		delete(l.holders, subscriberID)
	}
	return nil
}

// Held reports whether any workflow currently holds the subscriber's lock.
func (l *Locker) Held(subscriberID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.holders[subscriberID]
	return held
}

type EventRecorder struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

func (r *EventRecorder) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *EventRecorder) Events() []domain.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LifecycleEvent(nil), r.events...)
}

func (r *EventRecorder) CountByNewStatus(status domain.WorkflowStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.NewStatus == status {
			n++
		}
	}
	return n
}
