package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/robot-orchestrator/internal/breaker"
	"github.com/t77yq/robot-orchestrator/internal/cache"
	"github.com/t77yq/robot-orchestrator/internal/event"
	"github.com/t77yq/robot-orchestrator/internal/model"
	"github.com/t77yq/robot-orchestrator/internal/module"
	"github.com/t77yq/robot-orchestrator/internal/monitor"
	"github.com/t77yq/robot-orchestrator/internal/orchestrator"
	"github.com/t77yq/robot-orchestrator/internal/registry"
	"github.com/t77yq/robot-orchestrator/internal/store"
)

// EchoHandler is a trivial processing module used for smoke testing the
// pipeline end to end.
type EchoHandler struct {
	logger *zap.Logger
}

func (h *EchoHandler) Health(ctx context.Context) (module.HealthReport, error) {
	return module.HealthReport{Status: "ok"}, nil
}

func (h *EchoHandler) Process(ctx context.Context, robotID string, payload json.RawMessage, progress module.ProgressFunc) (json.RawMessage, error) {
	h.logger.Info("Processing robot",
		zap.String("robot_id", robotID))

	progress(50, "echo")
	time.Sleep(time.Second)
	progress(100, "done")

	return payload, nil
}

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	// Create JetStream context
	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Lifecycle event publisher
	events, err := event.NewJetStreamPublisher(js, logger)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}

	// State store guarded by the write circuit breaker
	cb := breaker.New(breaker.Config{
		FailureThreshold: viper.GetInt("store.breaker.failure_threshold"),
		RecoveryTimeout:  viper.GetDuration("store.breaker.recovery_timeout"),
	}, logger)

	st, err := store.New(store.Config{
		Driver:        viper.GetString("store.driver"),
		DSN:           viper.GetString("store.dsn"),
		ReadMaxConns:  viper.GetInt("store.read_max_conns"),
		WriteMaxConns: viper.GetInt("store.write_max_conns"),
		OpTimeout:     viper.GetDuration("store.op_timeout"),
	}, cb, logger)
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}
	defer st.Close()

	// Cache layer: Redis when configured, in-process otherwise
	var backend cache.Backend
	if addr := viper.GetString("cache.redis.addr"); addr != "" {
		backend = cache.NewRedisBackend(cache.RedisConfig{
			Addr:     addr,
			Password: viper.GetString("cache.redis.password"),
			DB:       viper.GetInt("cache.redis.db"),
		})
	} else {
		backend = cache.NewMemoryBackend()
	}
	c := cache.New(backend, logger)

	// Module registry
	reg := registry.New(registry.Config{
		FailureThreshold: viper.GetInt("registry.failure_threshold"),
		MaxConcurrent:    viper.GetInt("registry.max_concurrent"),
	}, logger)

	// Health monitor
	probeTimeout := viper.GetDuration("monitor.probe_timeout")
	if probeTimeout <= 0 {
		probeTimeout = monitor.DefaultConfig().ProbeTimeout
	}
	mon := monitor.New(monitor.Config{
		HealthSchedule:      viper.GetString("monitor.health_schedule"),
		PerformanceSchedule: viper.GetString("monitor.performance_schedule"),
		RetentionSchedule:   viper.GetString("monitor.retention_schedule"),
		ProbeTimeout:        probeTimeout,
		RetentionDays:       viper.GetInt("monitor.retention_days"),
	}, reg, c, st, module.NewHTTPProber(probeTimeout), logger)

	// Orchestrator
	orch := orchestrator.New(orchestrator.Config{
		DefaultRetryLimit: viper.GetInt("orchestrator.default_retry_limit"),
		ExecutionTimeout:  viper.GetDuration("orchestrator.execution_timeout"),
		SweepInterval:     viper.GetDuration("orchestrator.sweep_interval"),
		CancelGrace:       viper.GetDuration("orchestrator.cancel_grace"),
	}, reg, st, c, events, monitor.NewResourceSampler(logger), logger)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := mon.Start(ctx); err != nil {
		logger.Fatal("Failed to start health monitor", zap.Error(err))
	}
	defer mon.Stop()

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	defer orch.Stop()

	// Rehydrate persisted modules and fail robots orphaned by a previous run
	if err := orch.Recover(ctx); err != nil {
		logger.Fatal("Failed to recover persisted state", zap.Error(err))
	}

	// Register the built-in echo module
	err = orch.RegisterModule(ctx, &model.Module{
		ID:                  "echo-1",
		Name:                "echo",
		Version:             "1.0.0",
		Environment:         viper.GetString("app.environment"),
		SupportedRobotTypes: []string{"echo"},
		Active:              true,
		RegisteredAt:        time.Now().UTC(),
	}, &EchoHandler{logger: logger})
	if err != nil {
		logger.Fatal("Failed to register echo module", zap.Error(err))
	}

	// Submit an example robot
	robotID, err := orch.Submit(ctx, &model.SubmitRequest{
		RobotType: "echo",
		Payload:   json.RawMessage(`{"message":"hello"}`),
		Priority:  model.RobotPriorityNormal,
	})
	if err != nil {
		logger.Error("Failed to submit example robot", zap.Error(err))
	} else {
		logger.Info("Example robot submitted", zap.String("robot_id", robotID))
	}

	// Periodically report system health
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				health := orch.Health(ctx)
				logger.Info("System health",
					zap.Int("modules", health.TotalModules),
					zap.Int("healthy", health.HealthyModules),
					zap.Int("degraded", health.DegradedModules),
					zap.Int("unhealthy", health.UnhealthyModules),
					zap.Int("active_robots", health.ActiveRobots),
					zap.Bool("cache_healthy", health.CacheHealthy),
					zap.Float64("cache_hit_rate", health.CacheStats.HitRate()))
			}
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("Server shutting down gracefully")
}
