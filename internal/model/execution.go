package model

import "time"

// ExecutionState represents the state of one processing attempt
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "PENDING"
	ExecutionRunning   ExecutionState = "RUNNING"
	ExecutionPaused    ExecutionState = "PAUSED"
	ExecutionCompleted ExecutionState = "COMPLETED"
	ExecutionFailed    ExecutionState = "FAILED"
	ExecutionRetrying  ExecutionState = "RETRYING"
	ExecutionCancelled ExecutionState = "CANCELLED"
)

// Terminal reports whether the execution is closed.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// ResourceSnapshot captures host resource usage at progress-report time.
type ResourceSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
}

// Execution tracks granular progress within one robot's processing attempt.
// Progress is monotonically non-decreasing; at most one execution is RUNNING
// per robot.
type Execution struct {
	ID          string         `json:"id"`
	RobotID     string         `json:"robot_id"`
	ModuleID    string         `json:"module_id"`
	State       ExecutionState `json:"state"`
	CurrentStep string         `json:"current_step,omitempty"`
	Progress    float64        `json:"progress"`

	Resources ResourceSnapshot `json:"resources"`

	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
}

// ProgressUpdate is the payload of a module progress callback.
type ProgressUpdate struct {
	ExecutionID string           `json:"execution_id"`
	Progress    float64          `json:"progress"`
	StepName    string           `json:"step_name,omitempty"`
	Resources   ResourceSnapshot `json:"resources"`
}
