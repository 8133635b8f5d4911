package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/robot-orchestrator/internal/breaker"
	"github.com/t77yq/robot-orchestrator/internal/model"
)

func newTestStore(t *testing.T, cb *breaker.CircuitBreaker) *Store {
	t.Helper()

	if cb == nil {
		cb = breaker.New(breaker.DefaultConfig(), zaptest.NewLogger(t))
	}
	s, err := New(Config{
		Driver:    "sqlite3",
		DSN:       filepath.Join(t.TempDir(), "core.db"),
		OpTimeout: 5 * time.Second,
	}, cb, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func seedModule(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.RegisterModule(context.Background(), &model.Module{
		ID:                  id,
		Name:                "document-processor",
		Version:             "1.2.0",
		Environment:         "test",
		SupportedRobotTypes: []string{"document"},
		Active:              true,
		RegisteredAt:        time.Now().UTC(),
	}))
}

func seedRobot(t *testing.T, s *Store, id string) *model.Robot {
	t.Helper()
	robot := &model.Robot{
		ID:         id,
		RobotType:  "document",
		Status:     model.RobotStatusPending,
		Priority:   model.RobotPriorityNormal,
		RetryLimit: 2,
		Payload:    json.RawMessage(`{"doc":"a.pdf"}`),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.CreateRobot(context.Background(), robot))
	return robot
}

func TestCompleteRobotTransaction(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	seedModule(t, s, "mod-1")
	seedRobot(t, s, "robot-1")

	require.NoError(t, s.UpdateRobotStatus(ctx, "robot-1", model.RobotStatusProcessing, "mod-1", 0))
	require.NoError(t, s.CreateExecution(ctx, &model.Execution{
		ID:        "exec-1",
		RobotID:   "robot-1",
		ModuleID:  "mod-1",
		State:     model.ExecutionRunning,
		StartedAt: time.Now().UTC(),
		Deadline:  time.Now().UTC().Add(time.Minute),
	}))

	output := json.RawMessage(`{"pages":3}`)
	require.NoError(t, s.CompleteRobot(ctx, "robot-1", "exec-1", "mod-1", output))

	robot, err := s.GetRobot(ctx, "robot-1")
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusCompleted, robot.Status)
	assert.JSONEq(t, `{"pages":3}`, string(robot.Output))
	assert.NotNil(t, robot.StartedAt)
	assert.NotNil(t, robot.CompletedAt)

	exec, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, exec.State)
	assert.Equal(t, float64(100), exec.Progress)

	stats, err := s.ModuleStats(ctx, "mod-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalProcessed)
	assert.Equal(t, int64(0), stats.TotalFailed)
}

func TestCompleteRobotRollsBackOnUnknownModule(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	seedRobot(t, s, "robot-1")

	// No such module: the stats update fails, so the robot mutation must
	// not commit either.
	err := s.CompleteRobot(ctx, "robot-1", "exec-missing", "mod-missing", nil)
	require.ErrorIs(t, err, ErrConstraintViolation)

	robot, err := s.GetRobot(ctx, "robot-1")
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusPending, robot.Status)
}

func TestFailRobotRecordsErrorDetail(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	seedModule(t, s, "mod-1")
	seedRobot(t, s, "robot-1")

	err := s.FailRobot(ctx, "robot-1", "", "mod-1", model.FailureModule, "processing timed out")
	require.NoError(t, err)

	robot, err := s.GetRobot(ctx, "robot-1")
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusFailed, robot.Status)
	assert.Equal(t, model.FailureModule, robot.ErrorCategory)
	assert.Equal(t, "processing timed out", robot.ErrorMessage)

	stats, err := s.ModuleStats(ctx, "mod-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalFailed)
}

func TestFailRobotWithoutExecutionIDClosesRunningExecution(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	seedModule(t, s, "mod-1")
	seedRobot(t, s, "robot-1")
	require.NoError(t, s.CreateExecution(ctx, &model.Execution{
		ID:        "exec-1",
		RobotID:   "robot-1",
		ModuleID:  "mod-1",
		State:     model.ExecutionRunning,
		StartedAt: time.Now().UTC(),
		Deadline:  time.Now().UTC().Add(time.Minute),
	}))

	require.NoError(t, s.FailRobot(ctx, "robot-1", "", "mod-1", model.FailureCancelled, "orphaned"))

	exec, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, exec.State)
}

func TestTerminalRobotRejectsMutation(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	seedModule(t, s, "mod-1")
	seedRobot(t, s, "robot-1")
	require.NoError(t, s.CompleteRobot(ctx, "robot-1", "", "mod-1", nil))

	err := s.UpdateRobotStatus(ctx, "robot-1", model.RobotStatusProcessing, "mod-1", 1)
	assert.ErrorIs(t, err, ErrConstraintViolation)

	err = s.FailRobot(ctx, "robot-1", "", "mod-1", model.FailureModule, "late failure")
	assert.ErrorIs(t, err, ErrConstraintViolation)
}

func TestSingleRunningExecutionPerRobot(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	seedModule(t, s, "mod-1")
	seedRobot(t, s, "robot-1")

	first := &model.Execution{
		ID:        "exec-1",
		RobotID:   "robot-1",
		ModuleID:  "mod-1",
		State:     model.ExecutionRunning,
		StartedAt: time.Now().UTC(),
		Deadline:  time.Now().UTC().Add(time.Minute),
	}
	require.NoError(t, s.CreateExecution(ctx, first))

	second := &model.Execution{
		ID:        "exec-2",
		RobotID:   "robot-1",
		ModuleID:  "mod-1",
		State:     model.ExecutionRunning,
		StartedAt: time.Now().UTC(),
		Deadline:  time.Now().UTC().Add(time.Minute),
	}
	err := s.CreateExecution(ctx, second)
	assert.ErrorIs(t, err, ErrConstraintViolation)

	// Closing the first execution clears the constraint.
	require.NoError(t, s.CloseExecution(ctx, "exec-1", model.ExecutionFailed))
	require.NoError(t, s.CreateExecution(ctx, second))
}

func TestProgressIsMonotonic(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	seedModule(t, s, "mod-1")
	seedRobot(t, s, "robot-1")
	require.NoError(t, s.CreateExecution(ctx, &model.Execution{
		ID:        "exec-1",
		RobotID:   "robot-1",
		ModuleID:  "mod-1",
		State:     model.ExecutionRunning,
		StartedAt: time.Now().UTC(),
		Deadline:  time.Now().UTC().Add(time.Minute),
	}))

	require.NoError(t, s.RecordExecutionProgress(ctx, &model.ProgressUpdate{
		ExecutionID: "exec-1", Progress: 50, StepName: "extract",
	}))

	// Stale update arrives late and must not move progress backwards.
	require.NoError(t, s.RecordExecutionProgress(ctx, &model.ProgressUpdate{
		ExecutionID: "exec-1", Progress: 30, StepName: "stale",
	}))

	exec, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, float64(50), exec.Progress)
	assert.Equal(t, "extract", exec.CurrentStep)

	require.NoError(t, s.RecordExecutionProgress(ctx, &model.ProgressUpdate{
		ExecutionID: "exec-1", Progress: 80, StepName: "render",
	}))
	exec, err = s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, float64(80), exec.Progress)
}

func TestOpenBreakerFailsWritesFast(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cb := breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, logger)
	s := newTestStore(t, cb)
	ctx := context.Background()

	seedRobot(t, s, "robot-1")

	cb.RecordFailure()
	require.Equal(t, breaker.StateOpen, cb.State())

	err := s.CreateRobot(ctx, &model.Robot{
		ID:        "robot-2",
		RobotType: "document",
		Status:    model.RobotStatusPending,
		Priority:  model.RobotPriorityNormal,
		CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)

	// Reads bypass the breaker and stay available.
	robot, err := s.GetRobot(ctx, "robot-1")
	require.NoError(t, err)
	assert.Equal(t, "robot-1", robot.ID)
}

func TestModuleReRegisterUpdatesMutableAttributes(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	seedModule(t, s, "mod-1")

	require.NoError(t, s.RegisterModule(ctx, &model.Module{
		ID:                  "mod-1",
		Name:                "renamed", // identity fields are not overwritten
		Version:             "9.9.9",
		SupportedRobotTypes: []string{"document", "image"},
		HealthEndpoint:      "http://localhost:9090/health",
		Active:              true,
	}))

	m, err := s.GetModule(ctx, "mod-1")
	require.NoError(t, err)
	assert.Equal(t, "document-processor", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, []string{"document", "image"}, m.SupportedRobotTypes)
	assert.Equal(t, "http://localhost:9090/health", m.HealthEndpoint)
}

func TestRetentionDeletesTerminalRobots(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	seedModule(t, s, "mod-1")

	seedRobot(t, s, "robot-old")
	require.NoError(t, s.CompleteRobot(ctx, "robot-old", "", "mod-1", nil))

	seedRobot(t, s, "robot-active")

	require.NoError(t, s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Hour)))

	_, err := s.GetRobot(ctx, "robot-old")
	assert.ErrorIs(t, err, ErrNotFound)

	// Non-terminal robots survive the sweep regardless of age.
	robot, err := s.GetRobot(ctx, "robot-active")
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusPending, robot.Status)
}
