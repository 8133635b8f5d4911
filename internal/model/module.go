package model

import "time"

// ModuleHealth represents the health status of a processing module
type ModuleHealth string

const (
	ModuleHealthy   ModuleHealth = "HEALTHY"
	ModuleDegraded  ModuleHealth = "DEGRADED"
	ModuleUnhealthy ModuleHealth = "UNHEALTHY"
	ModuleUnknown   ModuleHealth = "UNKNOWN"
)

// Module represents a registered processing worker. Identity (name, version,
// environment) is immutable after registration; health and performance fields
// are owned by the health monitor.
type Module struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Version             string   `json:"version"`
	Environment         string   `json:"environment"`
	SupportedRobotTypes []string `json:"supported_robot_types"`
	HealthEndpoint      string   `json:"health_endpoint,omitempty"`
	Active              bool     `json:"active"`

	Health              ModuleHealth `json:"health"`
	PerformanceScore    float64      `json:"performance_score"`
	CapacityUtilization float64      `json:"capacity_utilization"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastHealthCheck     time.Time    `json:"last_health_check,omitempty"`
	LastError           string       `json:"last_error,omitempty"`

	// Statistics
	TotalProcessed int64     `json:"total_processed"`
	TotalFailed    int64     `json:"total_failed"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// SupportsRobotType reports whether the module can process the given robot type.
func (m *Module) SupportsRobotType(robotType string) bool {
	for _, t := range m.SupportedRobotTypes {
		if t == robotType {
			return true
		}
	}
	return false
}

// Available reports whether the module may receive new robots.
func (m *Module) Available() bool {
	return m.Active && m.Health != ModuleUnhealthy
}

// ModuleStats holds per-module counters incremented alongside robot mutations.
type ModuleStats struct {
	ModuleID       string `json:"module_id"`
	TotalProcessed int64  `json:"total_processed"`
	TotalFailed    int64  `json:"total_failed"`
}
