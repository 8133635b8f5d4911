package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/t77yq/robot-orchestrator/internal/model"
)

// CreateRobot inserts a new PENDING robot record.
func (s *Store) CreateRobot(ctx context.Context, robot *model.Robot) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO robots (
				id, robot_type, status, priority, module_id,
				retry_count, retry_limit, payload, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			robot.ID,
			robot.RobotType,
			robot.Status,
			robot.Priority,
			nullString(robot.ModuleID),
			robot.RetryCount,
			robot.RetryLimit,
			nullString(string(robot.Payload)),
			robot.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert robot: %w", err)
		}
		return nil
	})
}

// UpdateRobotStatus transitions a robot's status and assignment. Terminal
// robots reject further mutation with ErrConstraintViolation.
func (s *Store) UpdateRobotStatus(ctx context.Context, robotID string, status model.RobotStatus, moduleID string, retryCount int) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var started interface{}
		if status == model.RobotStatusProcessing {
			started = time.Now().UTC()
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE robots SET
				status = ?,
				module_id = ?,
				retry_count = ?,
				started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status NOT IN ('COMPLETED', 'FAILED')`),
			status,
			nullString(moduleID),
			retryCount,
			started,
			robotID,
		)
		if err != nil {
			return fmt.Errorf("failed to update robot status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: robot %s is terminal or unknown", ErrConstraintViolation, robotID)
		}
		return nil
	})
}

// CompleteRobot marks the robot COMPLETED with its output, closes the
// execution, and increments the module success counter in one transaction.
func (s *Store) CompleteRobot(ctx context.Context, robotID, executionID, moduleID string, output json.RawMessage) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE robots SET status = 'COMPLETED', output = ?, completed_at = ?
			WHERE id = ? AND status NOT IN ('COMPLETED', 'FAILED')`),
			nullString(string(output)), now, robotID)
		if err != nil {
			return fmt.Errorf("failed to complete robot: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: robot %s is terminal or unknown", ErrConstraintViolation, robotID)
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE executions SET state = 'COMPLETED', progress = 100
			WHERE id = ?`), executionID)
		if err != nil {
			return fmt.Errorf("failed to close execution: %w", err)
		}

		return incrementModuleStats(ctx, tx, s, moduleID, 1, 0)
	})
}

// FailRobot marks the robot FAILED with its error detail, closes the
// execution, and increments the module failure counter in one transaction.
// When no execution id is given, any execution still RUNNING for the robot
// is closed instead, so a failed robot never leaves a live execution behind.
func (s *Store) FailRobot(ctx context.Context, robotID, executionID, moduleID string, category model.FailureCategory, message string) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE robots SET
				status = 'FAILED', error_category = ?, error_message = ?, completed_at = ?
			WHERE id = ? AND status NOT IN ('COMPLETED', 'FAILED')`),
			category, message, now, robotID)
		if err != nil {
			return fmt.Errorf("failed to fail robot: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: robot %s is terminal or unknown", ErrConstraintViolation, robotID)
		}

		if executionID != "" {
			_, err = tx.ExecContext(ctx, s.rebind(`
				UPDATE executions SET state = 'FAILED' WHERE id = ?`), executionID)
		} else {
			_, err = tx.ExecContext(ctx, s.rebind(`
				UPDATE executions SET state = 'FAILED'
				WHERE robot_id = ? AND state = 'RUNNING'`), robotID)
		}
		if err != nil {
			return fmt.Errorf("failed to close execution: %w", err)
		}

		if moduleID != "" {
			return incrementModuleStats(ctx, tx, s, moduleID, 0, 1)
		}
		return nil
	})
}

// GetRobot retrieves a robot by id.
func (s *Store) GetRobot(ctx context.Context, robotID string) (*model.Robot, error) {
	var robot *model.Robot
	err := s.read(ctx, func(ctx context.Context) error {
		row := s.readDB.QueryRowContext(ctx, s.rebind(`
			SELECT id, robot_type, status, priority, module_id,
			       retry_count, retry_limit, payload, output,
			       error_category, error_message, created_at, started_at, completed_at
			FROM robots WHERE id = ?`), robotID)

		var err error
		robot, err = scanRobot(row)
		return err
	})
	return robot, err
}

// ListActiveRobots returns non-terminal robots, newest first.
func (s *Store) ListActiveRobots(ctx context.Context, limit int) ([]*model.Robot, error) {
	if limit <= 0 {
		limit = 100
	}
	var robots []*model.Robot
	err := s.read(ctx, func(ctx context.Context) error {
		rows, err := s.readDB.QueryContext(ctx, s.rebind(`
			SELECT id, robot_type, status, priority, module_id,
			       retry_count, retry_limit, payload, output,
			       error_category, error_message, created_at, started_at, completed_at
			FROM robots
			WHERE status NOT IN ('COMPLETED', 'FAILED')
			ORDER BY created_at DESC LIMIT ?`), limit)
		if err != nil {
			return fmt.Errorf("failed to list robots: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			robot, err := scanRobot(rows)
			if err != nil {
				return err
			}
			robots = append(robots, robot)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return robots, nil
}

func scanRobot(row rowScanner) (*model.Robot, error) {
	var r model.Robot
	var moduleID, payload, output, category, message sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&r.ID,
		&r.RobotType,
		&r.Status,
		&r.Priority,
		&moduleID,
		&r.RetryCount,
		&r.RetryLimit,
		&payload,
		&output,
		&category,
		&message,
		&r.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan robot: %w", err)
	}

	r.ModuleID = moduleID.String
	if payload.Valid && payload.String != "" {
		r.Payload = json.RawMessage(payload.String)
	}
	if output.Valid && output.String != "" {
		r.Output = json.RawMessage(output.String)
	}
	r.ErrorCategory = model.FailureCategory(category.String)
	r.ErrorMessage = message.String
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
