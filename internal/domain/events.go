package domain

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleEvent is published on every instance status transition. Downstream
// consumers (notification, observability) subscribe; publishing is
// fire-and-forget and never fails the workflow.
type LifecycleEvent struct {
	InstanceID   uuid.UUID      `json:"instance_id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	SubscriberID uuid.UUID      `json:"subscriber_id"`
	Operation    OperationType  `json:"operation"`
	OldStatus    WorkflowStatus `json:"old_status"`
	NewStatus    WorkflowStatus `json:"new_status"`
	Timestamp    time.Time      `json:"timestamp"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
}

func NewLifecycleEvent(w *WorkflowInstance, old, next WorkflowStatus, errDetail string) LifecycleEvent {
	return LifecycleEvent{
		InstanceID:   w.ID,
		TenantID:     w.TenantID,
		SubscriberID: w.SubscriberID,
		Operation:    w.OperationType,
		OldStatus:    old,
		NewStatus:    next,
		Timestamp:    time.Now(),
		ErrorDetail:  errDetail,
	}
}
