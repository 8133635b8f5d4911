package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/robot-orchestrator/internal/breaker"
	"github.com/t77yq/robot-orchestrator/internal/store"
)

// NewStore opens a file-backed sqlite store in a test temp dir
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	return NewStoreWithBreaker(t, breaker.New(breaker.DefaultConfig(), zaptest.NewLogger(t)))
}

// NewStoreWithBreaker opens a sqlite store guarded by the given breaker
func NewStoreWithBreaker(t *testing.T, cb *breaker.CircuitBreaker) *store.Store {
	t.Helper()

	s, err := store.New(store.Config{
		Driver:    "sqlite3",
		DSN:       filepath.Join(t.TempDir(), "core.db"),
		OpTimeout: 5 * time.Second,
	}, cb, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}
