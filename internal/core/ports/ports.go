package ports

import (
	"context"
	"time"

	"provflow/internal/domain"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// WorkflowRepository is the persistence contract for workflow instances. It is
// the only source of truth; the executor keeps a working copy in memory and
// reconciles through these methods after every transition.
type WorkflowRepository interface {
	Create(ctx context.Context, instance *domain.WorkflowInstance) error

	GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)

	// GetByIdempotencyKey resolves a prior instance for a repeated request.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.WorkflowInstance, error)

	// Save persists the working copy with a version compare-and-swap; returns
	// domain.ErrStaleInstance if another writer got there first. On success
	// the working copy's version is bumped.
	Save(ctx context.Context, instance *domain.WorkflowInstance) error

	// UpdateStatus transitions status with a guarded UPDATE
	// (WHERE status = from); returns domain.ErrStaleInstance if the row was
	// not in the expected state.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.WorkflowStatus, lastError string) error

	// RequestCancel sets the cancel flag on a non-terminal instance. Reports
	// whether the flag was actually set.
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)

	// ListInFlight returns ids of instances in PENDING, RUNNING or
	// COMPENSATING state, oldest first. Used for startup resume.
	ListInFlight(ctx context.Context) ([]uuid.UUID, error)
}

// StepRepository persists per-step execution history.
type StepRepository interface {
	Create(ctx context.Context, step *domain.StepExecution) error

	ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]domain.StepExecution, error)

	// Find returns the execution row for (instance, stepIndex), or
	// domain.ErrInstanceNotFound if the step never began.
	Find(ctx context.Context, instanceID uuid.UUID, stepIndex int) (*domain.StepExecution, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.StepStatus) error

	// RecordAttempt bumps the attempt counter and stores the latest error.
	RecordAttempt(ctx context.Context, id uuid.UUID, attempt int, lastError string) error

	MarkSucceeded(ctx context.Context, id uuid.UUID, result datatypes.JSON) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

// IdempotencyStore maps (idempotency_key, step_name) to a prior step result so
// a retried or resumed workflow never repeats an external call that already
// took effect.
type IdempotencyStore interface {
	Get(ctx context.Context, key, stepName string) (datatypes.JSON, bool, error)
	Put(ctx context.Context, key, stepName string, result datatypes.JSON) error

	// ExpireAfter bounds retention once the owning instance is terminal.
	ExpireAfter(ctx context.Context, key string, stepNames []string, grace time.Duration) error
}

// SubscriberLocker serializes lifecycle operations per subscriber. Acquire is
// atomic across concurrent callers; a held lock yields
// domain.ErrConflictingOperation.
type SubscriberLocker interface {
	Acquire(ctx context.Context, subscriberID, instanceID uuid.UUID) error
	Release(ctx context.Context, subscriberID, instanceID uuid.UUID) error
}

// EventPublisher emits lifecycle transition events. Fire-and-forget: callers
// log a publish error and move on.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.LifecycleEvent) error
}

// EventSubscriber is the consuming side of the event stream, used by the
// in-process observer.
type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.LifecycleEvent, error)
}

// StepAdapter wraps exactly one external-system operation. Execute receives
// the accumulated workflow context and returns data to merge into it;
// Compensate receives the same context plus the original execute result.
type StepAdapter interface {
	Capability() string
	Execute(ctx context.Context, wctx map[string]any) (map[string]any, error)
	Compensate(ctx context.Context, wctx map[string]any, result map[string]any) error
}

// External system clients. Implementations live outside this engine; the
// adapters in internal/adapters are the only callers.

type CredentialRef struct {
	ID    string `json:"id"`
	Realm string `json:"realm,omitempty"`
}

type AddressRef struct {
	Address string `json:"address"`
	VLAN    int    `json:"vlan,omitempty"`
	PoolID  string `json:"pool_id"`
}

// AAADirectory is the authentication directory holding subscriber credentials.
type AAADirectory interface {
	CreateCredential(ctx context.Context, subscriberID uuid.UUID, planAttrs map[string]any) (CredentialRef, error)
	LookupCredential(ctx context.Context, subscriberID uuid.UUID) (CredentialRef, error)
	SuspendCredential(ctx context.Context, ref CredentialRef) error
	ReactivateCredential(ctx context.Context, ref CredentialRef) error
	DeleteCredential(ctx context.Context, ref CredentialRef) error
}

// AddressInventory is the IP address / VLAN inventory.
type AddressInventory interface {
	Allocate(ctx context.Context, poolID string, tenantID uuid.UUID) (AddressRef, error)
	Release(ctx context.Context, ref AddressRef) error
}

// CPEManager pushes configuration to the subscriber's premises device.
type CPEManager interface {
	PushConfig(ctx context.Context, deviceID string, params map[string]any) (string, error)
	ResetToDefault(ctx context.Context, deviceID string) error
}
