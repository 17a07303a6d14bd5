package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepRunning      StepStatus = "RUNNING"
	StepSucceeded    StepStatus = "SUCCEEDED"
	StepFailed       StepStatus = "FAILED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
)

// StepExecution records one step of one WorkflowInstance. A row is created
// when its step begins and is immutable once SUCCEEDED or COMPENSATED.
type StepExecution struct {
	ID         uuid.UUID  `gorm:"type:uuid;primary_key"`
	InstanceID uuid.UUID  `gorm:"type:uuid;index;not null"`
	StepIndex  int        `gorm:"not null"`
	Name       string     `gorm:"type:varchar(100);not null"`
	Status     StepStatus `gorm:"type:varchar(20);index;default:'PENDING'"`

	AttemptCount int    `gorm:"default:0"`
	LastError    string `gorm:"type:text"`

	// Result is the opaque payload returned by the adapter; compensation
	// receives it back verbatim.
	Result datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewStepExecution(instanceID uuid.UUID, index int, name string) *StepExecution {
	return &StepExecution{
		ID:         uuid.New(),
		InstanceID: instanceID,
		StepIndex:  index,
		Name:       name,
		Status:     StepPending,
		CreatedAt:  time.Now(),
	}
}
