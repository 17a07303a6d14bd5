package dto

import (
	"fmt"
	"time"

	"provflow/internal/domain"

	"github.com/google/uuid"
)

type StartWorkflowResponse struct {
	InstanceID uuid.UUID `json:"instance_id"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type StepView struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// WorkflowInstanceView is the caller-facing snapshot of an instance. It
// carries a status enum and a human-readable summary, never raw retry counts
// or adapter error codes.
type WorkflowInstanceView struct {
	InstanceID   uuid.UUID  `json:"instance_id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	SubscriberID uuid.UUID  `json:"subscriber_id"`
	Operation    string     `json:"operation"`
	Status       string     `json:"status"`
	ErrorSummary string     `json:"error_summary,omitempty"`
	Steps        []StepView `json:"steps"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func NewWorkflowInstanceView(instance *domain.WorkflowInstance, steps []domain.StepExecution) *WorkflowInstanceView {
	view := &WorkflowInstanceView{
		InstanceID:   instance.ID,
		TenantID:     instance.TenantID,
		SubscriberID: instance.SubscriberID,
		Operation:    string(instance.OperationType),
		Status:       string(instance.Status),
		ErrorSummary: errorSummary(instance, steps),
		Steps:        make([]StepView, 0, len(steps)),
		CreatedAt:    instance.CreatedAt,
		UpdatedAt:    instance.UpdatedAt,
	}
	for _, s := range steps {
		view.Steps = append(view.Steps, StepView{Name: s.Name, Status: string(s.Status)})
	}
	return view
}

// errorSummary derives a readable reason from step history instead of echoing
// stored adapter errors back to the caller.
func errorSummary(instance *domain.WorkflowInstance, steps []domain.StepExecution) string {
	failedStep := ""
	for _, s := range steps {
		if s.Status == domain.StepFailed {
			failedStep = s.Name
			break
		}
	}
	switch instance.Status {
	case domain.WorkflowStepFailed, domain.WorkflowCompensating, domain.WorkflowCompensated:
		if failedStep != "" {
			return fmt.Sprintf("operation failed at step %s; completed steps were rolled back", failedStep)
		}
		if instance.LastError != "" {
			return "operation did not complete; completed steps were rolled back"
		}
	case domain.WorkflowCompensationFailed:
		return "rollback could not complete; manual intervention required"
	case domain.WorkflowCancelled:
		return "cancelled before execution"
	}
	return ""
}
