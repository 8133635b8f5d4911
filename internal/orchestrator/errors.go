package orchestrator

import "errors"

var (
	// ErrInvalidRequest is returned for malformed submissions. Never retried.
	ErrInvalidRequest = errors.New("invalid robot request")

	// ErrNoCapacity is returned when no healthy module supports the robot
	// type. The caller decides retry policy.
	ErrNoCapacity = errors.New("no capacity for robot type")

	// ErrRobotNotFound is returned when the robot id is unknown.
	ErrRobotNotFound = errors.New("robot not found")

	// ErrRobotTerminal is returned when an operation targets a robot that
	// already reached COMPLETED or FAILED.
	ErrRobotTerminal = errors.New("robot is in a terminal state")

	// ErrUnknownModuleHandler is returned when the selected module has no
	// registered processing handler.
	ErrUnknownModuleHandler = errors.New("no handler registered for module")
)
