package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type OperationType string

const (
	OperationProvision OperationType = "PROVISION"
	OperationModify    OperationType = "MODIFY"
	OperationSuspend   OperationType = "SUSPEND"
	OperationTerminate OperationType = "TERMINATE"
)

type WorkflowStatus string

const (
	WorkflowPending            WorkflowStatus = "PENDING"
	WorkflowRunning            WorkflowStatus = "RUNNING"
	WorkflowCompleted          WorkflowStatus = "COMPLETED"
	WorkflowStepFailed         WorkflowStatus = "STEP_FAILED"
	WorkflowCompensating       WorkflowStatus = "COMPENSATING"
	WorkflowCompensated        WorkflowStatus = "COMPENSATED"
	WorkflowCompensationFailed WorkflowStatus = "COMPENSATION_FAILED"
	WorkflowCancelled          WorkflowStatus = "CANCELLED"
)

// IsTerminal reports whether no further automatic transition can occur.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowCompensated, WorkflowCompensationFailed, WorkflowCancelled:
		return true
	}
	return false
}

// allowedTransitions is the full transition table of the instance state machine.
// Guarded status updates in the repository enforce the same table at the
// database level, so two executors racing on one instance cannot both win.
var allowedTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowPending:      {WorkflowRunning, WorkflowCancelled},
	WorkflowRunning:      {WorkflowCompleted, WorkflowStepFailed, WorkflowCompensating},
	WorkflowStepFailed:   {WorkflowCompensating},
	WorkflowCompensating: {WorkflowCompensated, WorkflowCompensationFailed},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to WorkflowStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkflowInstance is one lifecycle request for one subscriber. Instances are
// never deleted; terminal rows are retained for audit and troubleshooting.
type WorkflowInstance struct {
	ID             uuid.UUID     `gorm:"type:uuid;primary_key"`
	TenantID       uuid.UUID     `gorm:"type:uuid;index;not null"`
	SubscriberID   uuid.UUID     `gorm:"type:uuid;index;not null"`
	OperationType  OperationType `gorm:"type:varchar(20);not null"`
	IdempotencyKey string        `gorm:"type:varchar(200);uniqueIndex;not null"`

	Status           WorkflowStatus `gorm:"type:varchar(30);index;default:'PENDING'"`
	CurrentStepIndex int            `gorm:"default:0"`
	CancelRequested  bool           `gorm:"default:false"`
	LastError        string         `gorm:"type:text"`

	// Context accumulates request parameters and step results; later steps and
	// compensations read what earlier steps produced.
	Context datatypes.JSONMap `gorm:"type:jsonb"`

	Version   int `gorm:"default:1"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewWorkflowInstance(tenantID, subscriberID uuid.UUID, op OperationType, idempotencyKey string, params map[string]any) *WorkflowInstance {
	ctx := datatypes.JSONMap{}
	for k, v := range params {
		ctx[k] = v
	}
	return &WorkflowInstance{
		ID:             uuid.New(),
		TenantID:       tenantID,
		SubscriberID:   subscriberID,
		OperationType:  op,
		IdempotencyKey: idempotencyKey,
		Status:         WorkflowPending,
		Context:        ctx,
		Version:        1,
		CreatedAt:      time.Now(),
	}
}

func (w *WorkflowInstance) IsTerminal() bool {
	return w.Status.IsTerminal()
}
