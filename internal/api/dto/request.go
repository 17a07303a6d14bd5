package dto

import "github.com/google/uuid"

type StartWorkflowRequest struct {
	TenantID       uuid.UUID      `json:"tenant_id" binding:"required"`
	SubscriberID   uuid.UUID      `json:"subscriber_id" binding:"required"`
	Operation      string         `json:"operation" binding:"required"`
	IdempotencyKey string         `json:"idempotency_key" binding:"required"`
	Params         map[string]any `json:"params"`
}
