package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/robot-orchestrator/internal/cache"
	"github.com/t77yq/robot-orchestrator/internal/model"
	"github.com/t77yq/robot-orchestrator/internal/module"
)

// RegisterModule registers a processing module with the registry, persists
// its definition, and binds its handler.
func (o *Orchestrator) RegisterModule(ctx context.Context, m *model.Module, handler module.Handler) error {
	if err := o.registry.Register(m); err != nil {
		return err
	}
	if err := o.store.RegisterModule(ctx, m); err != nil {
		return err
	}
	o.handlers.Store(m.ID, handler)

	o.logger.Info("Module registered",
		zap.String("module_id", m.ID),
		zap.String("version", m.Version),
		zap.Strings("robot_types", m.SupportedRobotTypes))
	return nil
}

// DeactivateModule removes a module from selection. Robots already assigned
// to it run to completion; no new robots are routed its way.
func (o *Orchestrator) DeactivateModule(ctx context.Context, moduleID string) error {
	if err := o.registry.Deactivate(moduleID); err != nil {
		return err
	}
	if err := o.store.DeactivateModule(ctx, moduleID); err != nil {
		return err
	}
	if o.cache != nil {
		o.cache.Invalidate(ctx, cache.ModuleHealthKey(moduleID))
	}

	o.logger.Info("Module deactivated", zap.String("module_id", moduleID))
	return nil
}

// Recover rehydrates the registry from persisted module definitions and
// fails robots orphaned mid-flight by a previous process. Call once at
// startup, before accepting submissions.
func (o *Orchestrator) Recover(ctx context.Context) error {
	modules, err := o.store.ListActiveModules(ctx)
	if err != nil {
		return err
	}
	for _, m := range modules {
		if err := o.registry.Register(m); err != nil {
			o.logger.Warn("Skipping persisted module",
				zap.String("module_id", m.ID),
				zap.Error(err))
		}
	}

	orphans, err := o.store.ListActiveRobots(ctx, 0)
	if err != nil {
		return err
	}
	for _, robot := range orphans {
		if _, inFlight := o.running.Load(robot.ID); inFlight {
			continue
		}
		o.finalize(ctx, robot, "", robot.ModuleID,
			model.FailureCancelled, "orphaned by orchestrator restart")
	}

	if len(modules) > 0 || len(orphans) > 0 {
		o.logger.Info("Recovery complete",
			zap.Int("modules", len(modules)),
			zap.Int("orphaned_robots", len(orphans)))
	}
	return nil
}
