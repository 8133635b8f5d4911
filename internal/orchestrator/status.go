package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/robot-orchestrator/internal/cache"
	"github.com/t77yq/robot-orchestrator/internal/model"
	"github.com/t77yq/robot-orchestrator/internal/store"
)

// StatusView is the caller-facing status shape: the robot record plus its
// latest execution, when one exists.
type StatusView struct {
	Robot     *model.Robot     `json:"robot"`
	Execution *model.Execution `json:"execution,omitempty"`
}

// SystemHealth aggregates a point-in-time view of the core.
type SystemHealth struct {
	TotalModules     int  `json:"total_modules"`
	HealthyModules   int  `json:"healthy_modules"`
	DegradedModules  int  `json:"degraded_modules"`
	UnhealthyModules int  `json:"unhealthy_modules"`
	ActiveRobots     int  `json:"active_robots"`
	CacheHealthy     bool `json:"cache_healthy"`

	CacheStats cache.Stats `json:"cache_stats"`
	Timestamp  time.Time   `json:"timestamp"`
}

// GetStatus returns the current status of a robot. Reads go through the
// cache layer; in-flight robots have their entries invalidated on every
// transition, so a cached view is at worst one progress tick stale.
func (o *Orchestrator) GetStatus(ctx context.Context, robotID string) (*StatusView, error) {
	if robotID == "" {
		return nil, fmt.Errorf("%w: robot id is required", ErrInvalidRequest)
	}

	load := func(ctx context.Context) ([]byte, error) {
		robot, err := o.store.GetRobot(ctx, robotID)
		if err != nil {
			return nil, err
		}
		view := &StatusView{Robot: robot}
		exec, err := o.store.LatestExecution(ctx, robotID)
		if err == nil {
			view.Execution = exec
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return json.Marshal(view)
	}

	var raw []byte
	var err error
	if o.cache != nil {
		raw, err = o.cache.GetOrLoad(ctx, cache.RobotStatusKey(robotID), cache.ClassRobotStatus, load)
	} else {
		raw, err = load(ctx)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRobotNotFound, robotID)
		}
		return nil, err
	}

	var view StatusView
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("decode cached status for %s: %w", robotID, err)
	}
	return &view, nil
}

// Cancel requests cancellation of a robot. The owning goroutine observes the
// request, stops the current attempt, and finalizes the robot as FAILED with
// a CANCELLED category. Cancelling a terminal robot is an error.
func (o *Orchestrator) Cancel(ctx context.Context, robotID string) error {
	if value, ok := o.running.Load(robotID); ok {
		run := value.(*robotRun)
		run.requestCancel()
		o.logger.Info("Robot cancellation requested",
			zap.String("robot_id", robotID))
		return nil
	}

	// Not in flight: either terminal, unknown, or orphaned by a restart.
	robot, err := o.store.GetRobot(ctx, robotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRobotNotFound, robotID)
		}
		return err
	}
	if robot.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRobotTerminal, robotID, robot.Status)
	}

	o.finalize(ctx, robot, "", robot.ModuleID, model.FailureCancelled, "cancelled by caller")
	return nil
}

// Health returns an aggregate view over the registry, in-flight robots, and
// the cache layer.
func (o *Orchestrator) Health(ctx context.Context) SystemHealth {
	health := SystemHealth{Timestamp: time.Now().UTC()}

	for _, m := range o.registry.Snapshot("") {
		health.TotalModules++
		switch m.Health {
		case model.ModuleHealthy:
			health.HealthyModules++
		case model.ModuleDegraded:
			health.DegradedModules++
		case model.ModuleUnhealthy:
			health.UnhealthyModules++
		}
	}

	o.running.Range(func(_, _ interface{}) bool {
		health.ActiveRobots++
		return true
	})

	if o.cache != nil {
		health.CacheStats = o.cache.Stats()
		health.CacheHealthy = o.cache.Healthy(ctx)
	}
	return health
}
