package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/robot-orchestrator/internal/model"
)

func newModule(id string, types ...string) *model.Module {
	return &model.Module{
		ID:                  id,
		Name:                id,
		Version:             "1.0.0",
		Environment:         "test",
		SupportedRobotTypes: types,
		Active:              true,
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New(DefaultConfig(), zaptest.NewLogger(t))

	t.Run("EmptyTypeSet", func(t *testing.T) {
		err := r.Register(newModule("empty"))
		assert.ErrorIs(t, err, ErrInvalidModule)
	})

	t.Run("VersionConflict", func(t *testing.T) {
		require.NoError(t, r.Register(newModule("extractor-a", "document")))

		conflicting := newModule("extractor-b", "document")
		conflicting.Name = "extractor-a"
		conflicting.Version = "2.0.0"
		err := r.Register(conflicting)
		assert.ErrorIs(t, err, ErrInvalidModule)
	})

	t.Run("ReRegisterUpdatesAttributes", func(t *testing.T) {
		m := newModule("updatable", "email")
		require.NoError(t, r.Register(m))

		m.SupportedRobotTypes = []string{"email", "ocr"}
		require.NoError(t, r.Register(m))

		got, err := r.Get("updatable")
		require.NoError(t, err)
		assert.Equal(t, []string{"email", "ocr"}, got.SupportedRobotTypes)
	})
}

func TestSnapshotFiltersByTypeAndActive(t *testing.T) {
	r := New(DefaultConfig(), zaptest.NewLogger(t))

	require.NoError(t, r.Register(newModule("doc-1", "document")))
	require.NoError(t, r.Register(newModule("doc-2", "document", "email")))
	require.NoError(t, r.Register(newModule("web-1", "scraping")))
	require.NoError(t, r.Deactivate("doc-1"))

	snapshot := r.Snapshot("document")
	require.Len(t, snapshot, 1)
	assert.Equal(t, "doc-2", snapshot[0].ID)

	// Snapshot entries are copies; mutating them must not leak back
	snapshot[0].Health = model.ModuleUnhealthy
	got, err := r.Get("doc-2")
	require.NoError(t, err)
	assert.Equal(t, model.ModuleUnknown, got.Health)
}

func TestHealthStateMachine(t *testing.T) {
	r := New(Config{FailureThreshold: 3, MaxConcurrent: 10}, zaptest.NewLogger(t))
	require.NoError(t, r.Register(newModule("m", "document")))

	get := func() model.ModuleHealth {
		m, err := r.Get("m")
		require.NoError(t, err)
		return m.Health
	}

	// UNKNOWN -> HEALTHY on first successful probe
	assert.Equal(t, model.ModuleUnknown, get())
	r.MarkSuccess("m", 20*time.Millisecond)
	assert.Equal(t, model.ModuleHealthy, get())

	// Failures below threshold degrade
	r.MarkFailure("m", "probe timeout")
	assert.Equal(t, model.ModuleDegraded, get())
	r.MarkFailure("m", "probe timeout")
	assert.Equal(t, model.ModuleDegraded, get())

	// Threshold crossed
	r.MarkFailure("m", "probe timeout")
	assert.Equal(t, model.ModuleUnhealthy, get())

	// A successful probe immediately recovers and resets the counter
	r.MarkSuccess("m", 15*time.Millisecond)
	assert.Equal(t, model.ModuleHealthy, get())
	m, err := r.Get("m")
	require.NoError(t, err)
	assert.Zero(t, m.ConsecutiveFailures)
}

func TestLoadTracking(t *testing.T) {
	r := New(Config{FailureThreshold: 3, MaxConcurrent: 4}, zaptest.NewLogger(t))
	require.NoError(t, r.Register(newModule("m", "document")))

	r.AddLoad("m")
	r.AddLoad("m")

	m, err := r.Get("m")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.CapacityUtilization, 0.001)

	r.RemoveLoad("m")
	r.RemoveLoad("m")
	r.RemoveLoad("m") // never below zero

	m, err = r.Get("m")
	require.NoError(t, err)
	assert.Zero(t, m.CapacityUtilization)
}

func TestWindowSummary(t *testing.T) {
	r := New(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, r.Register(newModule("m", "document")))

	r.MarkSuccess("m", 100*time.Millisecond)
	r.MarkSuccess("m", 200*time.Millisecond)
	r.MarkFailure("m", "boom")
	r.MarkSuccess("m", 300*time.Millisecond)

	rate, latency, errors := r.Window("m")
	assert.InDelta(t, 0.75, rate, 0.001)
	assert.Equal(t, 200*time.Millisecond, latency)
	assert.Equal(t, 1, errors)
}
