package model

import (
	"encoding/json"
	"time"
)

// RobotStatus represents the lifecycle status of a robot
type RobotStatus string

const (
	RobotStatusPending    RobotStatus = "PENDING"
	RobotStatusProcessing RobotStatus = "PROCESSING"
	RobotStatusCompleted  RobotStatus = "COMPLETED"
	RobotStatusFailed     RobotStatus = "FAILED"
	RobotStatusRetrying   RobotStatus = "RETRYING"
)

// Terminal reports whether the status admits no further mutation.
func (s RobotStatus) Terminal() bool {
	return s == RobotStatusCompleted || s == RobotStatusFailed
}

// RobotPriority represents the priority level of a robot
type RobotPriority string

const (
	RobotPriorityLow      RobotPriority = "LOW"
	RobotPriorityNormal   RobotPriority = "NORMAL"
	RobotPriorityHigh     RobotPriority = "HIGH"
	RobotPriorityCritical RobotPriority = "CRITICAL"
)

// FailureCategory classifies terminal failures so callers can distinguish
// retryable from non-retryable outcomes.
type FailureCategory string

const (
	FailureInvalidRequest FailureCategory = "INVALID_REQUEST"
	FailureNoCapacity     FailureCategory = "NO_CAPACITY"
	FailurePersistence    FailureCategory = "PERSISTENCE_UNAVAILABLE"
	FailureModule         FailureCategory = "MODULE_FAILURE"
	FailureConstraint     FailureCategory = "CONSTRAINT_VIOLATION"
	FailureCancelled      FailureCategory = "CANCELLED"
)

// Robot represents one unit of submitted work routed through the core.
type Robot struct {
	ID         string        `json:"id"`
	RobotType  string        `json:"robot_type"`
	Status     RobotStatus   `json:"status"`
	Priority   RobotPriority `json:"priority"`
	ModuleID   string        `json:"module_id,omitempty"`
	RetryCount int           `json:"retry_count"`
	RetryLimit int           `json:"retry_limit"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`

	ErrorCategory FailureCategory `json:"error_category,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SubmitRequest is the caller-facing submission shape.
type SubmitRequest struct {
	RobotType  string          `json:"robot_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   RobotPriority   `json:"priority,omitempty"`
	RetryLimit int             `json:"retry_limit,omitempty"`
}

// RobotResult is published on terminal transitions.
type RobotResult struct {
	RobotID       string          `json:"robot_id"`
	ModuleID      string          `json:"module_id,omitempty"`
	Status        RobotStatus     `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	ErrorCategory FailureCategory `json:"error_category,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CompletedAt   time.Time       `json:"completed_at"`
}
