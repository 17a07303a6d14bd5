package registry

import (
	"fmt"
	"time"

	"provflow/internal/domain"
)

// RetryPolicy bounds forward attempts of one step. Backoff between attempts is
// min(base * 2^attempt, ceiling). Timeout bounds each individual adapter call,
// and also the single compensation attempt.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	Timeout        time.Duration
}

// StepSpec is one position in a workflow definition.
type StepSpec struct {
	Name       string
	Capability string
	Retry      RetryPolicy
	// Compensable is false for steps with no undo (read-only checks,
	// destructive terminate steps). The reverse pass skips them.
	Compensable bool
}

// WorkflowDefinition is the ordered step list for one operation type. Step
// order is fixed and total; in-flight instances reference steps by index, so
// definitions are immutable once loaded.
type WorkflowDefinition struct {
	OperationType domain.OperationType
	Steps         []StepSpec
}

// Registry maps operation types to their definitions. Populated once at
// startup, read-only afterwards.
type Registry struct {
	defs map[domain.OperationType]*WorkflowDefinition
}

func New(defs ...*WorkflowDefinition) (*Registry, error) {
	r := &Registry{defs: make(map[domain.OperationType]*WorkflowDefinition, len(defs))}
	for _, def := range defs {
		if len(def.Steps) == 0 {
			return nil, fmt.Errorf("definition %s has no steps", def.OperationType)
		}
		if _, dup := r.defs[def.OperationType]; dup {
			return nil, fmt.Errorf("duplicate definition for %s", def.OperationType)
		}
		seen := make(map[string]bool, len(def.Steps))
		for _, s := range def.Steps {
			if s.Name == "" || s.Capability == "" {
				return nil, fmt.Errorf("definition %s: step name and capability are required", def.OperationType)
			}
			if seen[s.Name] {
				return nil, fmt.Errorf("definition %s: duplicate step %s", def.OperationType, s.Name)
			}
			seen[s.Name] = true
			if s.Retry.MaxAttempts < 1 {
				return nil, fmt.Errorf("definition %s: step %s: max attempts must be >= 1", def.OperationType, s.Name)
			}
		}
		r.defs[def.OperationType] = def
	}
	return r, nil
}

// Definition looks up the workflow shape for an operation type.
func (r *Registry) Definition(op domain.OperationType) (*WorkflowDefinition, error) {
	def, ok := r.defs[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownOperationType, op)
	}
	return def, nil
}

// Default retry policies. External systems in this domain either answer within
// a few seconds or are having an outage worth backing off from.
var (
	standardRetry = RetryPolicy{
		MaxAttempts:    3,
		BackoffBase:    500 * time.Millisecond,
		BackoffCeiling: 10 * time.Second,
		Timeout:        15 * time.Second,
	}
	// CPE pushes ride a slow management channel.
	deviceRetry = RetryPolicy{
		MaxAttempts:    3,
		BackoffBase:    2 * time.Second,
		BackoffCeiling: 30 * time.Second,
		Timeout:        45 * time.Second,
	}
	readOnceRetry = RetryPolicy{
		MaxAttempts:    2,
		BackoffBase:    250 * time.Millisecond,
		BackoffCeiling: 2 * time.Second,
		Timeout:        5 * time.Second,
	}
)

// DefaultDefinitions is the built-in catalogue for subscriber lifecycle
// operations.
func DefaultDefinitions() []*WorkflowDefinition {
	return []*WorkflowDefinition{
		{
			OperationType: domain.OperationProvision,
			Steps: []StepSpec{
				{Name: "create_credential", Capability: "aaa.create_credential", Retry: standardRetry, Compensable: true},
				{Name: "allocate_address", Capability: "inventory.allocate_address", Retry: standardRetry, Compensable: true},
				{Name: "push_cpe_config", Capability: "cpe.push_config", Retry: deviceRetry, Compensable: true},
			},
		},
		{
			OperationType: domain.OperationModify,
			Steps: []StepSpec{
				{Name: "verify_credential", Capability: "aaa.lookup_credential", Retry: readOnceRetry, Compensable: false},
				{Name: "push_cpe_config", Capability: "cpe.push_config", Retry: deviceRetry, Compensable: true},
			},
		},
		{
			OperationType: domain.OperationSuspend,
			Steps: []StepSpec{
				{Name: "suspend_credential", Capability: "aaa.suspend_credential", Retry: standardRetry, Compensable: true},
				{Name: "push_cpe_config", Capability: "cpe.push_config", Retry: deviceRetry, Compensable: true},
			},
		},
		{
			// Terminate tears external state down; none of it can be undone,
			// so a mid-way failure leaves earlier steps as they landed.
			OperationType: domain.OperationTerminate,
			Steps: []StepSpec{
				{Name: "reset_cpe_config", Capability: "cpe.reset_config", Retry: deviceRetry, Compensable: false},
				{Name: "release_address", Capability: "inventory.release_address", Retry: standardRetry, Compensable: false},
				{Name: "delete_credential", Capability: "aaa.delete_credential", Retry: standardRetry, Compensable: false},
			},
		},
	}
}
