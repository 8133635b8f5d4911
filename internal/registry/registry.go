package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/robot-orchestrator/internal/model"
)

var (
	// ErrInvalidModule is returned when a registration violates the module
	// contract (empty supported-type set, version conflict).
	ErrInvalidModule = errors.New("invalid module definition")

	// ErrModuleNotFound is returned when the module id is not registered.
	ErrModuleNotFound = errors.New("module not found")
)

const rollingWindowSize = 50

// Config defines registry behavior
type Config struct {
	FailureThreshold int // Consecutive failures before UNHEALTHY
	MaxConcurrent    int // Robots per module used to derive capacity utilization
}

// DefaultConfig returns the default registry thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		MaxConcurrent:    10,
	}
}

// entry couples the module record with its rolling outcome window. The window
// feeds the performance monitor's score recomputation.
type entry struct {
	module    model.Module
	active    int // robots currently assigned
	latencies []time.Duration
	outcomes  []bool // true = success, newest last
}

// Registry is the in-memory view of registered processing modules. Readers
// get copy-on-read snapshots; the health monitor holds a brief exclusive
// window per update, never globally across request handling.
type Registry struct {
	logger *zap.Logger
	config Config

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New(config Config, logger *zap.Logger) *Registry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	return &Registry{
		logger:  logger.Named("registry"),
		config:  config,
		entries: make(map[string]*entry),
	}
}

// Register adds or updates a module definition. A module with an empty
// supported-type set is rejected, as is a module whose name and environment
// collide with an already-registered different version.
func (r *Registry) Register(m *model.Module) error {
	if len(m.SupportedRobotTypes) == 0 {
		return fmt.Errorf("%w: supported robot types must not be empty", ErrInvalidModule)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if id == m.ID {
			continue
		}
		if e.module.Name == m.Name && e.module.Environment == m.Environment && e.module.Version != m.Version {
			return fmt.Errorf("%w: %s already registered as version %s in %s",
				ErrInvalidModule, m.Name, e.module.Version, m.Environment)
		}
	}

	if existing, ok := r.entries[m.ID]; ok {
		// Identity is immutable; only the mutable attributes follow the update.
		existing.module.SupportedRobotTypes = append([]string(nil), m.SupportedRobotTypes...)
		existing.module.HealthEndpoint = m.HealthEndpoint
		existing.module.Active = m.Active
		r.logger.Info("Module updated", zap.String("module_id", m.ID))
		return nil
	}

	stored := *m
	stored.SupportedRobotTypes = append([]string(nil), m.SupportedRobotTypes...)
	if stored.Health == "" {
		stored.Health = model.ModuleUnknown
	}
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now().UTC()
	}
	r.entries[m.ID] = &entry{module: stored}

	r.logger.Info("Module registered",
		zap.String("module_id", m.ID),
		zap.Strings("robot_types", stored.SupportedRobotTypes))
	return nil
}

// Deactivate soft-deletes a module. It stops receiving robots but remains
// registered while referenced by active ones.
func (r *Registry) Deactivate(moduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[moduleID]
	if !ok {
		return ErrModuleNotFound
	}
	e.module.Active = false
	r.logger.Info("Module deactivated", zap.String("module_id", moduleID))
	return nil
}

// Get returns a copy of the module record.
func (r *Registry) Get(moduleID string) (*model.Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[moduleID]
	if !ok {
		return nil, ErrModuleNotFound
	}
	m := e.module
	m.SupportedRobotTypes = append([]string(nil), e.module.SupportedRobotTypes...)
	return &m, nil
}

// Snapshot returns copies of all active modules supporting the robot type.
// The view may be slightly stale relative to in-flight monitor updates.
func (r *Registry) Snapshot(robotType string) []*model.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var modules []*model.Module
	for _, e := range r.entries {
		if !e.module.Active {
			continue
		}
		if robotType != "" && !e.module.SupportsRobotType(robotType) {
			continue
		}
		m := e.module
		m.SupportedRobotTypes = append([]string(nil), e.module.SupportedRobotTypes...)
		modules = append(modules, &m)
	}
	return modules
}

// MarkSuccess records a successful probe or processing outcome. Any health
// state transitions back to HEALTHY and the failure counter resets.
func (r *Registry) MarkSuccess(moduleID string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[moduleID]
	if !ok {
		return
	}

	prev := e.module.Health
	e.module.ConsecutiveFailures = 0
	e.module.Health = model.ModuleHealthy
	e.module.LastHealthCheck = time.Now().UTC()
	e.module.LastError = ""
	e.push(true, latency)

	if prev != model.ModuleHealthy {
		r.logger.Info("Module recovered",
			zap.String("module_id", moduleID),
			zap.String("previous_health", string(prev)))
	}
}

// MarkFailure records a failed probe or processing outcome, transitioning to
// DEGRADED and then UNHEALTHY once the failure threshold is crossed.
func (r *Registry) MarkFailure(moduleID string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[moduleID]
	if !ok {
		return
	}

	e.module.ConsecutiveFailures++
	e.module.LastHealthCheck = time.Now().UTC()
	e.module.LastError = reason
	e.push(false, 0)

	prev := e.module.Health
	if e.module.ConsecutiveFailures >= r.config.FailureThreshold {
		e.module.Health = model.ModuleUnhealthy
	} else {
		e.module.Health = model.ModuleDegraded
	}

	if e.module.Health != prev {
		r.logger.Warn("Module health degraded",
			zap.String("module_id", moduleID),
			zap.String("health", string(e.module.Health)),
			zap.Int("consecutive_failures", e.module.ConsecutiveFailures),
			zap.String("reason", reason))
	}
}

// UpdateScore sets the module's performance score. Monitor-only writer.
func (r *Registry) UpdateScore(moduleID string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[moduleID]
	if !ok {
		return
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	e.module.PerformanceScore = score
}

// AddLoad records a robot assignment, raising capacity utilization.
func (r *Registry) AddLoad(moduleID string) {
	r.adjustLoad(moduleID, 1)
}

// RemoveLoad records the end of an assignment.
func (r *Registry) RemoveLoad(moduleID string) {
	r.adjustLoad(moduleID, -1)
}

func (r *Registry) adjustLoad(moduleID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[moduleID]
	if !ok {
		return
	}
	e.active += delta
	if e.active < 0 {
		e.active = 0
	}
	utilization := float64(e.active) / float64(r.config.MaxConcurrent)
	if utilization > 1 {
		utilization = 1
	}
	e.module.CapacityUtilization = utilization
}

// Window summarizes the module's rolling outcome window for score
// recomputation: success rate, average success latency, and recent error
// count.
func (r *Registry) Window(moduleID string) (successRate float64, avgLatency time.Duration, recentErrors int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[moduleID]
	if !ok || len(e.outcomes) == 0 {
		return 1.0, 0, 0
	}

	successes := 0
	for _, ok := range e.outcomes {
		if ok {
			successes++
		}
	}
	successRate = float64(successes) / float64(len(e.outcomes))
	recentErrors = len(e.outcomes) - successes

	if len(e.latencies) > 0 {
		var total time.Duration
		for _, l := range e.latencies {
			total += l
		}
		avgLatency = total / time.Duration(len(e.latencies))
	}
	return successRate, avgLatency, recentErrors
}

// push appends an outcome to the rolling window. Caller holds mu.
func (e *entry) push(success bool, latency time.Duration) {
	e.outcomes = append(e.outcomes, success)
	if len(e.outcomes) > rollingWindowSize {
		e.outcomes = e.outcomes[1:]
	}
	if success && latency > 0 {
		e.latencies = append(e.latencies, latency)
		if len(e.latencies) > rollingWindowSize {
			e.latencies = e.latencies[1:]
		}
	}
}
