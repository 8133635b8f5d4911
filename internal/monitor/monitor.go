package monitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/robot-orchestrator/internal/cache"
	"github.com/t77yq/robot-orchestrator/internal/module"
	"github.com/t77yq/robot-orchestrator/internal/registry"
	"github.com/t77yq/robot-orchestrator/internal/store"
)

// Performance score weights. Success rate dominates; latency and recent
// errors are normalized to [0,1] before weighting.
const (
	successRateWeight = 0.6
	latencyWeight     = 0.25
	errorWeight       = 0.15

	// latencyCeiling is the latency mapped to a zero latency score.
	latencyCeiling = 10 * time.Second

	// errorCeiling is the recent-error count mapped to a zero error score.
	errorCeiling = 50
)

// Config defines monitor schedules
type Config struct {
	HealthSchedule      string        // cron spec for health sweeps
	PerformanceSchedule string        // cron spec for score recomputation
	RetentionSchedule   string        // cron spec for old-record cleanup
	ProbeTimeout        time.Duration
	RetentionDays       int
}

// DefaultConfig returns the default monitor schedules.
func DefaultConfig() Config {
	return Config{
		HealthSchedule:      "@every 5m",
		PerformanceSchedule: "@every 15m",
		RetentionSchedule:   "@daily",
		ProbeTimeout:        5 * time.Second,
		RetentionDays:       30,
	}
}

// Monitor periodically probes modules and recomputes performance scores,
// updating the registry and invalidating the corresponding cache entries. It
// never blocks request-path operations; probe failures are logged, not
// propagated.
type Monitor struct {
	logger   *zap.Logger
	config   Config
	registry *registry.Registry
	cache    *cache.Cache
	store    *store.Store
	prober   module.Prober
	cron     *cron.Cron
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// New creates a monitor over the given registry, cache, and store.
func New(config Config, reg *registry.Registry, c *cache.Cache, st *store.Store, prober module.Prober, logger *zap.Logger) *Monitor {
	logger = logger.Named("health-monitor")
	return &Monitor{
		logger:   logger,
		config:   config,
		registry: reg,
		cache:    c,
		store:    st,
		prober:   prober,
		cron: cron.New(
			cron.WithChain(cron.Recover(&cronLogger{logger: logger.Named("cron")})),
		),
	}
}

// Start registers the sweep schedules and starts the cron runner.
func (m *Monitor) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc(m.config.HealthSchedule, func() { m.HealthSweep(ctx) }); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(m.config.PerformanceSchedule, func() { m.PerformanceSweep(ctx) }); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(m.config.RetentionSchedule, func() { m.retentionSweep(ctx) }); err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info("Health monitor started",
		zap.String("health_schedule", m.config.HealthSchedule),
		zap.String("performance_schedule", m.config.PerformanceSchedule))
	return nil
}

// Stop stops the cron runner and waits for running sweeps.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("Health monitor stopped")
}

// HealthSweep probes every active module and updates its health in the
// registry. UNHEALTHY modules keep receiving probes so a successful one can
// recover them.
func (m *Monitor) HealthSweep(ctx context.Context) {
	for _, mod := range m.registry.Snapshot("") {
		if mod.HealthEndpoint == "" {
			continue
		}

		report, err := m.prober.Probe(ctx, mod.HealthEndpoint)
		if err != nil {
			m.registry.MarkFailure(mod.ID, err.Error())
			m.logger.Warn("Module health probe failed",
				zap.String("module_id", mod.ID),
				zap.Error(err))
		} else {
			m.registry.MarkSuccess(mod.ID, report.Latency)
		}

		m.cache.Invalidate(ctx, cache.ModuleHealthKey(mod.ID))
	}
}

// PerformanceSweep recomputes every active module's performance score from
// its rolling outcome window and invalidates the score cache entry.
func (m *Monitor) PerformanceSweep(ctx context.Context) {
	for _, mod := range m.registry.Snapshot("") {
		rate, latency, recentErrors := m.registry.Window(mod.ID)
		score := computeScore(rate, latency, recentErrors)

		m.registry.UpdateScore(mod.ID, score)
		m.cache.Invalidate(ctx, cache.PerformanceScoreKey(mod.ID))

		m.logger.Debug("Performance score updated",
			zap.String("module_id", mod.ID),
			zap.Float64("score", score),
			zap.Float64("success_rate", rate),
			zap.Duration("avg_latency", latency),
			zap.Int("recent_errors", recentErrors))
	}
}

// retentionSweep purges terminal robots past the retention window.
func (m *Monitor) retentionSweep(ctx context.Context) {
	if m.store == nil || m.config.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -m.config.RetentionDays)
	if err := m.store.DeleteTerminalBefore(ctx, cutoff); err != nil {
		m.logger.Error("Retention sweep failed", zap.Error(err))
	}
}

// computeScore combines the normalized window metrics with fixed weights.
func computeScore(successRate float64, avgLatency time.Duration, recentErrors int) float64 {
	latencyScore := 1.0 - float64(avgLatency)/float64(latencyCeiling)
	if latencyScore < 0 {
		latencyScore = 0
	}

	errorScore := 1.0 - float64(recentErrors)/errorCeiling
	if errorScore < 0 {
		errorScore = 0
	}

	return successRateWeight*successRate + latencyWeight*latencyScore + errorWeight*errorScore
}
