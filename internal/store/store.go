package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/robot-orchestrator/internal/breaker"
)

// Config defines store connection settings
type Config struct {
	Driver        string        // "sqlite3" or "postgres"
	DSN           string
	ReadMaxConns  int
	WriteMaxConns int
	OpTimeout     time.Duration
}

// Store provides transactional CRUD over module, robot, and execution records.
// Writes go through the write pool and are wrapped by the circuit breaker;
// reads use a separate pool and stay available while the breaker is open.
type Store struct {
	logger  *zap.Logger
	config  Config
	readDB  *sql.DB
	writeDB *sql.DB
	breaker *breaker.CircuitBreaker
}

// New opens the read and write pools and initializes the schema.
func New(config Config, cb *breaker.CircuitBreaker, logger *zap.Logger) (*Store, error) {
	if config.OpTimeout <= 0 {
		config.OpTimeout = 10 * time.Second
	}
	if config.ReadMaxConns <= 0 {
		config.ReadMaxConns = 10
	}
	if config.WriteMaxConns <= 0 {
		config.WriteMaxConns = 5
	}

	writeDB, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(config.WriteMaxConns)

	readDB, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(config.ReadMaxConns)

	s := &Store{
		logger:  logger.Named("store"),
		config:  config,
		readDB:  readDB,
		writeDB: writeDB,
		breaker: cb,
	}

	if err := s.initialize(); err != nil {
		readDB.Close()
		writeDB.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the record sets if they don't exist.
func (s *Store) initialize() error {
	_, err := s.writeDB.Exec(`
		CREATE TABLE IF NOT EXISTS modules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			environment TEXT NOT NULL,
			supported_types TEXT NOT NULL,
			health_endpoint TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			total_processed INTEGER NOT NULL DEFAULT 0,
			total_failed INTEGER NOT NULL DEFAULT 0,
			registered_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS robots (
			id TEXT PRIMARY KEY,
			robot_type TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			module_id TEXT REFERENCES modules(id),
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_limit INTEGER NOT NULL DEFAULT 0,
			payload TEXT,
			output TEXT,
			error_category TEXT,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			robot_id TEXT NOT NULL REFERENCES robots(id),
			module_id TEXT NOT NULL,
			state TEXT NOT NULL,
			current_step TEXT,
			progress REAL NOT NULL DEFAULT 0,
			cpu_percent REAL NOT NULL DEFAULT 0,
			memory_percent REAL NOT NULL DEFAULT 0,
			memory_used_mb REAL NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			deadline TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_robots_status ON robots(status);
		CREATE INDEX IF NOT EXISTS idx_robots_module ON robots(module_id);
		CREATE INDEX IF NOT EXISTS idx_executions_robot ON executions(robot_id);
		CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes both pools.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	werr := s.writeDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// rebind rewrites ? placeholders to $n for the postgres driver.
func (s *Store) rebind(query string) string {
	if s.config.Driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// write runs fn inside a single transaction on the write pool, under the
// circuit breaker and the per-operation deadline. Constraint rejections do
// not count against the breaker: the store serviced those calls.
func (s *Store) write(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := s.breaker.Allow(); isBreakerOpen(err) {
		return ErrPersistenceUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	err := func() error {
		tx, err := s.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		if err := fn(ctx, tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	}()

	switch {
	case err == nil:
		s.breaker.RecordSuccess()
		return nil
	case errors.Is(err, ErrConstraintViolation), errors.Is(err, ErrNotFound):
		s.breaker.RecordSuccess()
		return err
	case isDeadline(err):
		s.breaker.RecordFailure()
		return ErrTimeout
	default:
		s.breaker.RecordFailure()
		return err
	}
}

// read runs fn on the read pool with the per-operation deadline. Reads bypass
// the breaker so cached/read-pool data stays available while it is open.
func (s *Store) read(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	err := fn(ctx)
	if isDeadline(err) {
		return ErrTimeout
	}
	return err
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, breaker.ErrCircuitOpen)
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
