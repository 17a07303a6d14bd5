package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStatusTerminality(t *testing.T) {
	terminal := []WorkflowStatus{WorkflowCompleted, WorkflowCompensated, WorkflowCompensationFailed, WorkflowCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s", s)
	}
	nonTerminal := []WorkflowStatus{WorkflowPending, WorkflowRunning, WorkflowStepFailed, WorkflowCompensating}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]WorkflowStatus{
		{WorkflowPending, WorkflowRunning},
		{WorkflowPending, WorkflowCancelled},
		{WorkflowRunning, WorkflowCompleted},
		{WorkflowRunning, WorkflowStepFailed},
		{WorkflowRunning, WorkflowCompensating},
		{WorkflowStepFailed, WorkflowCompensating},
		{WorkflowCompensating, WorkflowCompensated},
		{WorkflowCompensating, WorkflowCompensationFailed},
	}
	for _, pair := range allowed {
		assert.True(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	denied := [][2]WorkflowStatus{
		{WorkflowCompleted, WorkflowRunning},
		{WorkflowCompensated, WorkflowCompensating},
		{WorkflowCompensationFailed, WorkflowCompensating},
		{WorkflowCancelled, WorkflowRunning},
		{WorkflowPending, WorkflowCompleted},
		{WorkflowCompleted, WorkflowCompensating},
	}
	for _, pair := range denied {
		assert.False(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestNewWorkflowInstanceSeedsContext(t *testing.T) {
	w := NewWorkflowInstance(uuid.New(), uuid.New(), OperationProvision, "key-1", map[string]any{"pool_id": "pool-a"})
	assert.Equal(t, WorkflowPending, w.Status)
	assert.Equal(t, 0, w.CurrentStepIndex)
	assert.Equal(t, "pool-a", w.Context["pool_id"])
	assert.Equal(t, 1, w.Version)
	assert.False(t, w.IsTerminal())
}

func TestTransientClassification(t *testing.T) {
	assert.True(t, IsTransient(Transientf("timeout talking to radius")))
	assert.False(t, IsTransient(assert.AnError))
	assert.Nil(t, Transient(nil))
}
