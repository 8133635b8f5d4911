package monitor

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/robot-orchestrator/internal/model"
)

// ResourceSampler captures host resource usage snapshots attached to
// execution progress records.
type ResourceSampler struct {
	logger *zap.Logger
}

// NewResourceSampler creates a sampler.
func NewResourceSampler(logger *zap.Logger) *ResourceSampler {
	return &ResourceSampler{logger: logger.Named("resource-sampler")}
}

// Sample returns the current host resource snapshot. Sampling errors yield a
// zero snapshot; they are logged and never block progress recording.
func (s *ResourceSampler) Sample() model.ResourceSnapshot {
	var snapshot model.ResourceSnapshot

	if percents, err := cpu.Percent(0, false); err != nil {
		s.logger.Debug("Failed to sample CPU usage", zap.Error(err))
	} else if len(percents) > 0 {
		snapshot.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		s.logger.Debug("Failed to sample memory usage", zap.Error(err))
	} else {
		snapshot.MemoryPercent = vm.UsedPercent
		snapshot.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}

	return snapshot
}
