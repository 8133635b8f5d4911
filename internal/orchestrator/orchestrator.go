package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/robot-orchestrator/internal/balancer"
	"github.com/t77yq/robot-orchestrator/internal/cache"
	"github.com/t77yq/robot-orchestrator/internal/event"
	"github.com/t77yq/robot-orchestrator/internal/model"
	"github.com/t77yq/robot-orchestrator/internal/module"
	"github.com/t77yq/robot-orchestrator/internal/registry"
	"github.com/t77yq/robot-orchestrator/internal/store"
)

// ResourceSampler provides host resource snapshots for progress records.
type ResourceSampler interface {
	Sample() model.ResourceSnapshot
}

// Config defines orchestrator behavior
type Config struct {
	DefaultRetryLimit int           // Retries per robot when the request omits one
	ExecutionTimeout  time.Duration // Deadline per execution attempt
	SweepInterval     time.Duration // Tick for the deadline sweep
	CancelGrace       time.Duration // Wait for a module to acknowledge cancellation
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		DefaultRetryLimit: 2,
		ExecutionTimeout:  5 * time.Minute,
		SweepInterval:     time.Second,
		CancelGrace:       5 * time.Second,
	}
}

// robotRun tracks one in-flight robot. The owning goroutine is the single
// writer for the robot's lifecycle transitions.
type robotRun struct {
	robotID   string
	mu        sync.Mutex
	deadline  time.Time
	cancel    context.CancelFunc
	cancelled bool
}

func (r *robotRun) expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.deadline.IsZero() && now.After(r.deadline)
}

func (r *robotRun) setAttempt(deadline time.Time, cancel context.CancelFunc) {
	r.mu.Lock()
	r.deadline = deadline
	r.cancel = cancel
	r.mu.Unlock()
}

func (r *robotRun) requestCancel() {
	r.mu.Lock()
	r.cancelled = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *robotRun) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Orchestrator accepts robot submissions, routes them to the optimal module,
// and drives each robot's lifecycle on its own goroutine. It is the exclusive
// owner of robot and execution state transitions.
type Orchestrator struct {
	logger   *zap.Logger
	config   Config
	registry *registry.Registry
	store    *store.Store
	cache    *cache.Cache
	events   event.Publisher
	sampler  ResourceSampler

	handlers sync.Map // module id -> module.Handler
	running  sync.Map // robot id -> *robotRun

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an orchestrator.
func New(config Config, reg *registry.Registry, st *store.Store, c *cache.Cache, events event.Publisher, sampler ResourceSampler, logger *zap.Logger) *Orchestrator {
	if config.DefaultRetryLimit < 0 {
		config.DefaultRetryLimit = 0
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = DefaultConfig().ExecutionTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if config.CancelGrace <= 0 {
		config.CancelGrace = DefaultConfig().CancelGrace
	}
	if events == nil {
		events = event.NopPublisher{}
	}
	return &Orchestrator{
		logger:   logger.Named("orchestrator"),
		config:   config,
		registry: reg,
		store:    st,
		cache:    c,
		events:   events,
		sampler:  sampler,
		stop:     make(chan struct{}),
	}
}

// Start starts the execution deadline sweep.
func (o *Orchestrator) Start(ctx context.Context) error {
	go o.sweepLoop(ctx)
	o.logger.Info("Orchestrator started")
	return nil
}

// Stop signals shutdown and waits for in-flight robots to settle. Safe to
// call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	o.wg.Wait()
	o.logger.Info("Orchestrator stopped")
}

// RegisterHandler binds a module id to its processing contract client.
// Modules rehydrated by Recover have no handler until one is bound here.
func (o *Orchestrator) RegisterHandler(moduleID string, handler module.Handler) {
	o.handlers.Store(moduleID, handler)
}

// Submit validates the request, selects a module, creates the robot record,
// and dispatches processing asynchronously. It returns the robot id.
func (o *Orchestrator) Submit(ctx context.Context, req *model.SubmitRequest) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	// Selection happens before any record exists so a capacity miss costs
	// nothing to clean up.
	selected, err := balancer.Select(o.registry.Snapshot(req.RobotType), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoCapacity, req.RobotType)
	}

	retryLimit := req.RetryLimit
	if retryLimit <= 0 {
		retryLimit = o.config.DefaultRetryLimit
	}
	priority := req.Priority
	if priority == "" {
		priority = model.RobotPriorityNormal
	}

	robot := &model.Robot{
		ID:         uuid.New().String(),
		RobotType:  req.RobotType,
		Status:     model.RobotStatusPending,
		Priority:   priority,
		RetryLimit: retryLimit,
		Payload:    req.Payload,
		CreatedAt:  time.Now().UTC(),
	}

	if err := o.store.CreateRobot(ctx, robot); err != nil {
		return "", err
	}

	o.publishStatus(robot.ID, model.RobotStatusPending, selected.ID, 0)

	run := &robotRun{robotID: robot.ID}
	o.running.Store(robot.ID, run)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.running.Delete(robot.ID)
		o.runRobot(robot, selected.ID, run)
	}()

	o.logger.Info("Robot submitted",
		zap.String("robot_id", robot.ID),
		zap.String("robot_type", robot.RobotType),
		zap.String("module_id", selected.ID),
		zap.String("priority", string(priority)))

	return robot.ID, nil
}

func validate(req *model.SubmitRequest) error {
	if req == nil || req.RobotType == "" {
		return fmt.Errorf("%w: robot type is required", ErrInvalidRequest)
	}
	switch req.Priority {
	case "", model.RobotPriorityLow, model.RobotPriorityNormal,
		model.RobotPriorityHigh, model.RobotPriorityCritical:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, req.Priority)
	}
	if req.RetryLimit < 0 {
		return fmt.Errorf("%w: retry limit must not be negative", ErrInvalidRequest)
	}
	return nil
}

// runRobot drives the robot through processing attempts until a terminal
// state. Module exclusion on retry is scoped to this robot only.
func (o *Orchestrator) runRobot(robot *model.Robot, moduleID string, run *robotRun) {
	ctx := context.Background()
	exclude := make(map[string]bool)

	for {
		outcome := o.runAttempt(ctx, robot, moduleID, run)

		if outcome.err == nil {
			return // completed
		}
		if run.wasCancelled() {
			o.finalize(ctx, robot, outcome.executionID, moduleID,
				model.FailureCancelled, "cancelled by caller")
			return
		}

		// Store-layer outcomes are not module faults: a constraint breach is
		// fatal and never retried, and a persistence outage ends the robot
		// under its own category without consuming the retry budget.
		switch {
		case errors.Is(outcome.err, store.ErrConstraintViolation):
			o.finalize(ctx, robot, outcome.executionID, moduleID,
				model.FailureConstraint, outcome.err.Error())
			return
		case errors.Is(outcome.err, store.ErrPersistenceUnavailable):
			o.finalize(ctx, robot, outcome.executionID, moduleID,
				model.FailurePersistence, outcome.err.Error())
			return
		}

		// retry_count never exceeds retry_limit: each failed attempt past
		// the first increments it, and reaching the limit is terminal.
		if robot.RetryCount < robot.RetryLimit {
			robot.RetryCount++
		}
		if robot.RetryCount >= robot.RetryLimit {
			o.finalize(ctx, robot, outcome.executionID, moduleID,
				model.FailureModule, outcome.err.Error())
			return
		}

		exclude[moduleID] = true

		if err := o.store.UpdateRobotStatus(ctx, robot.ID, model.RobotStatusRetrying, moduleID, robot.RetryCount); err != nil {
			o.logger.Error("Failed to record retry transition",
				zap.String("robot_id", robot.ID),
				zap.Error(err))
		}
		o.invalidateStatus(ctx, robot.ID)
		o.publishStatus(robot.ID, model.RobotStatusRetrying, moduleID, 0)

		// Prefer a module that has not failed this robot; fall back to the
		// full candidate set when the exclusion leaves nothing.
		next, err := balancer.Select(o.registry.Snapshot(robot.RobotType), exclude)
		if err != nil {
			next, err = balancer.Select(o.registry.Snapshot(robot.RobotType), nil)
		}
		if err != nil {
			o.finalize(ctx, robot, outcome.executionID, moduleID,
				model.FailureNoCapacity,
				fmt.Sprintf("no alternative module after failure: %s", outcome.err))
			return
		}

		o.logger.Info("Retrying robot",
			zap.String("robot_id", robot.ID),
			zap.Int("retry_count", robot.RetryCount),
			zap.String("failed_module", moduleID),
			zap.String("next_module", next.ID))

		moduleID = next.ID
	}
}

type attemptOutcome struct {
	executionID string
	err         error
}

// runAttempt runs a single processing attempt on moduleID.
func (o *Orchestrator) runAttempt(ctx context.Context, robot *model.Robot, moduleID string, run *robotRun) attemptOutcome {
	handlerValue, ok := o.handlers.Load(moduleID)
	if !ok {
		return attemptOutcome{err: fmt.Errorf("%w: %s", ErrUnknownModuleHandler, moduleID)}
	}
	handler := handlerValue.(module.Handler)

	if err := o.store.UpdateRobotStatus(ctx, robot.ID, model.RobotStatusProcessing, moduleID, robot.RetryCount); err != nil {
		return attemptOutcome{err: err}
	}
	robot.Status = model.RobotStatusProcessing
	robot.ModuleID = moduleID

	exec := &model.Execution{
		ID:        uuid.New().String(),
		RobotID:   robot.ID,
		ModuleID:  moduleID,
		State:     model.ExecutionRunning,
		StartedAt: time.Now().UTC(),
		Deadline:  time.Now().UTC().Add(o.config.ExecutionTimeout),
	}
	if o.sampler != nil {
		exec.Resources = o.sampler.Sample()
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return attemptOutcome{err: err}
	}

	o.invalidateStatus(ctx, robot.ID)
	o.publishStatus(robot.ID, model.RobotStatusProcessing, moduleID, 0)

	attemptCtx, cancel := context.WithDeadline(ctx, exec.Deadline)
	defer cancel()
	run.setAttempt(exec.Deadline, cancel)

	o.registry.AddLoad(moduleID)
	start := time.Now()

	type processResult struct {
		output json.RawMessage
		err    error
	}
	done := make(chan processResult, 1)
	go func() {
		output, err := handler.Process(attemptCtx, robot.ID, robot.Payload, o.progressFunc(exec))
		done <- processResult{output: output, err: err}
	}()

	var result processResult
	select {
	case result = <-done:
	case <-attemptCtx.Done():
		// Deadline or cancellation. Give the module the grace period to
		// acknowledge before abandoning the attempt.
		select {
		case result = <-done:
		case <-time.After(o.config.CancelGrace):
			result = processResult{err: fmt.Errorf("module %s did not acknowledge stop: %w", moduleID, attemptCtx.Err())}
		}
		if result.err == nil {
			result.err = attemptCtx.Err()
		}
	}

	o.registry.RemoveLoad(moduleID)
	run.setAttempt(time.Time{}, nil)

	if result.err != nil {
		// A caller-initiated cancel is not a module fault.
		if !run.wasCancelled() {
			o.registry.MarkFailure(moduleID, result.err.Error())
		}
		if err := o.store.CloseExecution(ctx, exec.ID, model.ExecutionFailed); err != nil {
			o.logger.Error("Failed to close execution",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		}
		o.logger.Warn("Robot attempt failed",
			zap.String("robot_id", robot.ID),
			zap.String("module_id", moduleID),
			zap.Int("retry_count", robot.RetryCount),
			zap.Error(result.err))
		return attemptOutcome{executionID: exec.ID, err: result.err}
	}

	if err := o.complete(ctx, robot, exec, moduleID, result.output, time.Since(start)); err != nil {
		return attemptOutcome{executionID: exec.ID, err: err}
	}
	return attemptOutcome{executionID: exec.ID}
}

// complete finishes a successful attempt: persists output, updates module
// statistics, refreshes caches, and publishes the result.
func (o *Orchestrator) complete(ctx context.Context, robot *model.Robot, exec *model.Execution, moduleID string, output json.RawMessage, elapsed time.Duration) error {
	if err := o.store.CompleteRobot(ctx, robot.ID, exec.ID, moduleID, output); err != nil {
		o.logger.Error("Failed to persist robot completion",
			zap.String("robot_id", robot.ID),
			zap.Error(err))
		return err
	}
	robot.Status = model.RobotStatusCompleted

	o.registry.MarkSuccess(moduleID, elapsed)
	o.invalidateStatus(ctx, robot.ID)
	o.publishStatus(robot.ID, model.RobotStatusCompleted, moduleID, 100)
	o.publishResult(&model.RobotResult{
		RobotID:     robot.ID,
		ModuleID:    moduleID,
		Status:      model.RobotStatusCompleted,
		Output:      output,
		CompletedAt: time.Now().UTC(),
	})

	o.logger.Info("Robot completed",
		zap.String("robot_id", robot.ID),
		zap.String("module_id", moduleID),
		zap.Duration("elapsed", elapsed))
	return nil
}

// finalize transitions the robot to terminal FAILED with a structured error.
func (o *Orchestrator) finalize(ctx context.Context, robot *model.Robot, executionID, moduleID string, category model.FailureCategory, message string) {
	if err := o.store.FailRobot(ctx, robot.ID, executionID, moduleID, category, message); err != nil {
		o.logger.Error("Failed to persist robot failure",
			zap.String("robot_id", robot.ID),
			zap.Error(err))
	}
	robot.Status = model.RobotStatusFailed

	o.invalidateStatus(ctx, robot.ID)
	o.publishStatus(robot.ID, model.RobotStatusFailed, moduleID, 0)
	o.publishResult(&model.RobotResult{
		RobotID:       robot.ID,
		ModuleID:      moduleID,
		Status:        model.RobotStatusFailed,
		ErrorCategory: category,
		ErrorMessage:  message,
		CompletedAt:   time.Now().UTC(),
	})

	o.logger.Warn("Robot failed",
		zap.String("robot_id", robot.ID),
		zap.String("category", string(category)),
		zap.Int("retry_count", robot.RetryCount),
		zap.String("message", message))
}

// progressFunc adapts module progress callbacks into execution updates.
func (o *Orchestrator) progressFunc(exec *model.Execution) module.ProgressFunc {
	return func(percentage float64, stepName string) {
		if percentage < 0 {
			percentage = 0
		}
		if percentage > 100 {
			percentage = 100
		}

		update := &model.ProgressUpdate{
			ExecutionID: exec.ID,
			Progress:    percentage,
			StepName:    stepName,
		}
		if o.sampler != nil {
			update.Resources = o.sampler.Sample()
		}

		ctx := context.Background()
		if err := o.store.RecordExecutionProgress(ctx, update); err != nil {
			o.logger.Warn("Failed to record execution progress",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		}
		o.invalidateStatus(ctx, exec.RobotID)
		o.publishStatus(exec.RobotID, model.RobotStatusProcessing, exec.ModuleID, percentage)
	}
}

// sweepLoop cancels attempts whose execution deadline elapsed without a
// module callback.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			now := time.Now()
			o.running.Range(func(key, value interface{}) bool {
				run := value.(*robotRun)
				if run.expired(now) {
					run.mu.Lock()
					cancel := run.cancel
					run.mu.Unlock()
					if cancel != nil {
						o.logger.Warn("Execution deadline elapsed, cancelling attempt",
							zap.String("robot_id", run.robotID))
						cancel()
					}
				}
				return true
			})
		}
	}
}

func (o *Orchestrator) invalidateStatus(ctx context.Context, robotID string) {
	if o.cache != nil {
		o.cache.Invalidate(ctx, cache.RobotStatusKey(robotID))
	}
}

func (o *Orchestrator) publishStatus(robotID string, status model.RobotStatus, moduleID string, progress float64) {
	err := o.events.PublishStatus(event.StatusEvent{
		RobotID:   robotID,
		Status:    status,
		ModuleID:  moduleID,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Warn("Failed to publish status event",
			zap.String("robot_id", robotID),
			zap.Error(err))
	}
}

func (o *Orchestrator) publishResult(result *model.RobotResult) {
	if err := o.events.PublishResult(result); err != nil {
		o.logger.Warn("Failed to publish result event",
			zap.String("robot_id", result.RobotID),
			zap.Error(err))
	}
}
