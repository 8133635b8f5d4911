package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/robot-orchestrator/internal/model"
)

// RegisterModule persists a module definition. Re-registering an existing id
// updates its mutable attributes while identity fields stay untouched.
func (s *Store) RegisterModule(ctx context.Context, m *model.Module) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM modules WHERE id = ?`), m.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check module: %w", err)
		}

		if exists > 0 {
			_, err = tx.ExecContext(ctx, s.rebind(`
				UPDATE modules SET supported_types = ?, health_endpoint = ?, active = ?
				WHERE id = ?`),
				strings.Join(m.SupportedRobotTypes, ","),
				m.HealthEndpoint,
				boolToInt(m.Active),
				m.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to update module: %w", err)
			}
			return nil
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO modules (
				id, name, version, environment, supported_types,
				health_endpoint, active, registered_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			m.ID,
			m.Name,
			m.Version,
			m.Environment,
			strings.Join(m.SupportedRobotTypes, ","),
			m.HealthEndpoint,
			boolToInt(m.Active),
			m.RegisteredAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert module: %w", err)
		}
		return nil
	})
}

// DeactivateModule soft-deletes a module. The record is retained while robots
// still reference it.
func (s *Store) DeactivateModule(ctx context.Context, moduleID string) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE modules SET active = 0 WHERE id = ?`), moduleID)
		if err != nil {
			return fmt.Errorf("failed to deactivate module: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetModule retrieves a module by id from the read pool.
func (s *Store) GetModule(ctx context.Context, moduleID string) (*model.Module, error) {
	var m *model.Module
	err := s.read(ctx, func(ctx context.Context) error {
		row := s.readDB.QueryRowContext(ctx, s.rebind(`
			SELECT id, name, version, environment, supported_types,
			       health_endpoint, active, total_processed, total_failed, registered_at
			FROM modules WHERE id = ?`), moduleID)

		var err error
		m, err = scanModule(row)
		return err
	})
	return m, err
}

// ListActiveModules returns all active modules.
func (s *Store) ListActiveModules(ctx context.Context) ([]*model.Module, error) {
	var modules []*model.Module
	err := s.read(ctx, func(ctx context.Context) error {
		rows, err := s.readDB.QueryContext(ctx, `
			SELECT id, name, version, environment, supported_types,
			       health_endpoint, active, total_processed, total_failed, registered_at
			FROM modules WHERE active = 1 ORDER BY id`)
		if err != nil {
			return fmt.Errorf("failed to list modules: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanModule(rows)
			if err != nil {
				return err
			}
			modules = append(modules, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return modules, nil
}

// ModuleStats returns the persisted counters for a module.
func (s *Store) ModuleStats(ctx context.Context, moduleID string) (*model.ModuleStats, error) {
	stats := &model.ModuleStats{ModuleID: moduleID}
	err := s.read(ctx, func(ctx context.Context) error {
		err := s.readDB.QueryRowContext(ctx, s.rebind(
			`SELECT total_processed, total_failed FROM modules WHERE id = ?`), moduleID).
			Scan(&stats.TotalProcessed, &stats.TotalFailed)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanModule(row rowScanner) (*model.Module, error) {
	var m model.Module
	var supportedTypes string
	var endpoint sql.NullString
	var active int

	err := row.Scan(
		&m.ID,
		&m.Name,
		&m.Version,
		&m.Environment,
		&supportedTypes,
		&endpoint,
		&active,
		&m.TotalProcessed,
		&m.TotalFailed,
		&m.RegisteredAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan module: %w", err)
	}

	m.SupportedRobotTypes = strings.Split(supportedTypes, ",")
	m.HealthEndpoint = endpoint.String
	m.Active = active != 0
	m.Health = model.ModuleUnknown
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// incrementModuleStats bumps the per-module counters inside the caller's
// transaction so a statistics update never commits without its robot mutation.
func incrementModuleStats(ctx context.Context, tx *sql.Tx, s *Store, moduleID string, processed, failed int64) error {
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE modules SET
			total_processed = total_processed + ?,
			total_failed = total_failed + ?
		WHERE id = ?`),
		processed, failed, moduleID)
	if err != nil {
		return fmt.Errorf("failed to update module stats: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: unknown module %s", ErrConstraintViolation, moduleID)
	}
	return nil
}

// DeleteTerminalBefore removes terminal robots and their executions older than
// the cutoff. Used by the retention sweep.
func (s *Store) DeleteTerminalBefore(ctx context.Context, before time.Time) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM executions WHERE robot_id IN (
				SELECT id FROM robots
				WHERE status IN ('COMPLETED', 'FAILED') AND created_at < ?
			)`), before)
		if err != nil {
			return fmt.Errorf("failed to delete old executions: %w", err)
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM robots
			WHERE status IN ('COMPLETED', 'FAILED') AND created_at < ?`), before)
		if err != nil {
			return fmt.Errorf("failed to delete old robots: %w", err)
		}

		affected, _ := res.RowsAffected()
		if affected > 0 {
			s.logger.Info("Deleted old terminal robots",
				zap.Time("before", before),
				zap.Int64("deleted", affected))
		}
		return nil
	})
}
