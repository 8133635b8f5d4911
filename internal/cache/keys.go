package cache

import "fmt"

// Key builders shared by the orchestrator and the health monitor.

// RobotStatusKey returns the cache key for a robot's status projection.
func RobotStatusKey(robotID string) string {
	return fmt.Sprintf("robot:status:%s", robotID)
}

// ModuleHealthKey returns the cache key for a module's health record.
func ModuleHealthKey(moduleID string) string {
	return fmt.Sprintf("module:health:%s", moduleID)
}

// PerformanceScoreKey returns the cache key for a module's performance score.
func PerformanceScoreKey(moduleID string) string {
	return fmt.Sprintf("module:score:%s", moduleID)
}
