package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/robot-orchestrator/internal/cache"
	"github.com/t77yq/robot-orchestrator/internal/model"
	"github.com/t77yq/robot-orchestrator/internal/module"
	"github.com/t77yq/robot-orchestrator/internal/registry"
)

// fakeProber returns scripted probe outcomes per endpoint.
type fakeProber struct {
	down map[string]bool
}

func (p *fakeProber) Probe(ctx context.Context, endpoint string) (module.HealthReport, error) {
	if p.down[endpoint] {
		return module.HealthReport{}, errors.New("connection refused")
	}
	return module.HealthReport{Status: "ok", Latency: 20 * time.Millisecond}, nil
}

func newTestMonitor(t *testing.T, prober module.Prober) (*Monitor, *registry.Registry, *cache.Cache) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := registry.New(registry.Config{FailureThreshold: 2, MaxConcurrent: 10}, logger)
	c := cache.New(cache.NewMemoryBackend(), logger)
	return New(DefaultConfig(), reg, c, nil, prober, logger), reg, c
}

func TestHealthSweepUpdatesRegistry(t *testing.T) {
	prober := &fakeProber{down: map[string]bool{"http://bad/health": true}}
	m, reg, c := newTestMonitor(t, prober)
	ctx := context.Background()

	require.NoError(t, reg.Register(&model.Module{
		ID: "good", Name: "good", Version: "1", Environment: "test",
		SupportedRobotTypes: []string{"document"},
		HealthEndpoint:      "http://good/health",
		Active:              true,
	}))
	require.NoError(t, reg.Register(&model.Module{
		ID: "bad", Name: "bad", Version: "1", Environment: "test",
		SupportedRobotTypes: []string{"document"},
		HealthEndpoint:      "http://bad/health",
		Active:              true,
	}))

	// Pre-populate cache entries so the sweep has something to invalidate
	c.Set(ctx, cache.ModuleHealthKey("good"), cache.ClassModuleHealth, []byte("stale"))

	m.HealthSweep(ctx)

	good, err := reg.Get("good")
	require.NoError(t, err)
	assert.Equal(t, model.ModuleHealthy, good.Health)

	bad, err := reg.Get("bad")
	require.NoError(t, err)
	assert.Equal(t, model.ModuleDegraded, bad.Health)

	// Threshold of 2: second failed sweep marks the module unhealthy
	m.HealthSweep(ctx)
	bad, err = reg.Get("bad")
	require.NoError(t, err)
	assert.Equal(t, model.ModuleUnhealthy, bad.Health)

	// A recovered endpoint flips straight back to healthy
	prober.down["http://bad/health"] = false
	m.HealthSweep(ctx)
	bad, err = reg.Get("bad")
	require.NoError(t, err)
	assert.Equal(t, model.ModuleHealthy, bad.Health)

	// The health cache entry was invalidated by the sweep
	loaded, err := c.GetOrLoad(ctx, cache.ModuleHealthKey("good"), cache.ClassModuleHealth,
		func(ctx context.Context) ([]byte, error) { return []byte("fresh"), nil })
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), loaded)
}

func TestPerformanceSweepRecomputesScores(t *testing.T) {
	m, reg, _ := newTestMonitor(t, &fakeProber{})
	ctx := context.Background()

	require.NoError(t, reg.Register(&model.Module{
		ID: "m", Name: "m", Version: "1", Environment: "test",
		SupportedRobotTypes: []string{"document"},
		Active:              true,
	}))

	// 3 successes at 100ms, 1 failure
	reg.MarkSuccess("m", 100*time.Millisecond)
	reg.MarkSuccess("m", 100*time.Millisecond)
	reg.MarkSuccess("m", 100*time.Millisecond)
	reg.MarkFailure("m", "boom")

	m.PerformanceSweep(ctx)

	got, err := reg.Get("m")
	require.NoError(t, err)

	want := computeScore(0.75, 100*time.Millisecond, 1)
	assert.InDelta(t, want, got.PerformanceScore, 1e-9)
	assert.Greater(t, got.PerformanceScore, 0.5)
	assert.Less(t, got.PerformanceScore, 1.0)
}

func TestComputeScore(t *testing.T) {
	t.Run("PerfectWindow", func(t *testing.T) {
		assert.InDelta(t, 1.0, computeScore(1.0, 0, 0), 1e-9)
	})

	t.Run("SuccessRateDominates", func(t *testing.T) {
		allFailing := computeScore(0.0, 0, 50)
		allPassing := computeScore(1.0, 0, 0)
		assert.Greater(t, allPassing-allFailing, 0.6-1e-9)
	})

	t.Run("LatencyAndErrorsClampToZero", func(t *testing.T) {
		score := computeScore(0.5, time.Minute, 1000)
		assert.InDelta(t, 0.3, score, 1e-9)
	})
}

func TestResourceSampler(t *testing.T) {
	sampler := NewResourceSampler(zaptest.NewLogger(t))
	snapshot := sampler.Sample()

	assert.GreaterOrEqual(t, snapshot.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, snapshot.MemoryPercent, 0.0)
	assert.GreaterOrEqual(t, snapshot.MemoryUsedMB, 0.0)
}
