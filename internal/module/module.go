// Package module defines the processing contract implemented by external
// processing modules and consumed by the orchestrator.
package module

import (
	"context"
	"encoding/json"
	"time"
)

// ProgressFunc is invoked by a module zero or more times while processing.
// Percentage is in [0,100]; stepName identifies the current step.
type ProgressFunc func(percentage float64, stepName string)

// Handler is the processing contract an external module implements. Process
// must terminate by returning output or an error within the negotiated
// timeout carried on ctx.
type Handler interface {
	Health(ctx context.Context) (HealthReport, error)
	Process(ctx context.Context, robotID string, payload json.RawMessage, progress ProgressFunc) (json.RawMessage, error)
}

// HealthReport is the result of a module health probe.
type HealthReport struct {
	Status  string        `json:"status"`
	Latency time.Duration `json:"latency"`
}
