package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/t77yq/robot-orchestrator/internal/model"
)

// CreateExecution inserts a new execution record. The one-RUNNING-per-robot
// invariant is enforced: any previous RUNNING execution for the robot must
// already be closed by the caller.
func (s *Store) CreateExecution(ctx context.Context, exec *model.Execution) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var running int
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM executions WHERE robot_id = ? AND state = 'RUNNING'`),
			exec.RobotID).Scan(&running)
		if err != nil {
			return fmt.Errorf("failed to check running executions: %w", err)
		}
		if running > 0 {
			return fmt.Errorf("%w: robot %s already has a running execution",
				ErrConstraintViolation, exec.RobotID)
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO executions (
				id, robot_id, module_id, state, current_step, progress,
				cpu_percent, memory_percent, memory_used_mb, started_at, deadline
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			exec.ID,
			exec.RobotID,
			exec.ModuleID,
			exec.State,
			nullString(exec.CurrentStep),
			exec.Progress,
			exec.Resources.CPUPercent,
			exec.Resources.MemoryPercent,
			exec.Resources.MemoryUsedMB,
			exec.StartedAt,
			exec.Deadline,
		)
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}
		return nil
	})
}

// RecordExecutionProgress applies a progress callback. Progress is
// monotonically non-decreasing; stale updates are silently dropped.
func (s *Store) RecordExecutionProgress(ctx context.Context, update *model.ProgressUpdate) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE executions SET
				progress = ?,
				current_step = ?,
				cpu_percent = ?,
				memory_percent = ?,
				memory_used_mb = ?
			WHERE id = ? AND state = 'RUNNING' AND progress <= ?`),
			update.Progress,
			nullString(update.StepName),
			update.Resources.CPUPercent,
			update.Resources.MemoryPercent,
			update.Resources.MemoryUsedMB,
			update.ExecutionID,
			update.Progress,
		)
		if err != nil {
			return fmt.Errorf("failed to record progress: %w", err)
		}
		return nil
	})
}

// CloseExecution moves an execution to a terminal or retrying state.
func (s *Store) CloseExecution(ctx context.Context, executionID string, state model.ExecutionState) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE executions SET state = ? WHERE id = ?`), state, executionID)
		if err != nil {
			return fmt.Errorf("failed to close execution: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: unknown execution %s", ErrConstraintViolation, executionID)
		}
		return nil
	})
}

// GetExecution retrieves an execution by id.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*model.Execution, error) {
	var exec *model.Execution
	err := s.read(ctx, func(ctx context.Context) error {
		row := s.readDB.QueryRowContext(ctx, s.rebind(`
			SELECT id, robot_id, module_id, state, current_step, progress,
			       cpu_percent, memory_percent, memory_used_mb, started_at, deadline
			FROM executions WHERE id = ?`), executionID)

		var err error
		exec, err = scanExecution(row)
		return err
	})
	return exec, err
}

// LatestExecution returns the most recent execution for a robot.
func (s *Store) LatestExecution(ctx context.Context, robotID string) (*model.Execution, error) {
	var exec *model.Execution
	err := s.read(ctx, func(ctx context.Context) error {
		row := s.readDB.QueryRowContext(ctx, s.rebind(`
			SELECT id, robot_id, module_id, state, current_step, progress,
			       cpu_percent, memory_percent, memory_used_mb, started_at, deadline
			FROM executions WHERE robot_id = ?
			ORDER BY started_at DESC LIMIT 1`), robotID)

		var err error
		exec, err = scanExecution(row)
		return err
	})
	return exec, err
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	var e model.Execution
	var step sql.NullString

	err := row.Scan(
		&e.ID,
		&e.RobotID,
		&e.ModuleID,
		&e.State,
		&step,
		&e.Progress,
		&e.Resources.CPUPercent,
		&e.Resources.MemoryPercent,
		&e.Resources.MemoryUsedMB,
		&e.StartedAt,
		&e.Deadline,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	e.CurrentStep = step.String
	return &e, nil
}
