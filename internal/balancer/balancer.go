// Package balancer implements module selection as a pure function of a
// registry snapshot: no side effects, no I/O, deterministic tie-breaking.
package balancer

import (
	"errors"

	"github.com/t77yq/robot-orchestrator/internal/model"
)

// ErrNoAvailableModule is returned when no healthy module supports the
// requested robot type.
var ErrNoAvailableModule = errors.New("no available module")

// Selection weights and health bonuses.
const (
	performanceWeight = 0.5
	capacityWeight    = 0.3
	healthWeight      = 0.2

	healthyBonus  = 1.0
	degradedBonus = 0.5

	// scoreEpsilon bounds float error when deciding score ties.
	scoreEpsilon = 1e-9
)

// Score computes the weighted selection score for a candidate module.
func Score(m *model.Module) float64 {
	bonus := 0.0
	switch m.Health {
	case model.ModuleHealthy:
		bonus = healthyBonus
	case model.ModuleDegraded:
		bonus = degradedBonus
	}
	return performanceWeight*m.PerformanceScore +
		capacityWeight*(1.0-m.CapacityUtilization) +
		healthWeight*bonus
}

// Select returns the optimal module from the snapshot, excluding UNHEALTHY
// modules and any ids in exclude. Ties break by lowest capacity utilization,
// then by module id, so repeated calls on the same snapshot return the same
// module.
func Select(snapshot []*model.Module, exclude map[string]bool) (*model.Module, error) {
	var best *model.Module
	var bestScore float64

	for _, m := range snapshot {
		if !m.Available() || exclude[m.ID] {
			continue
		}

		score := Score(m)
		switch {
		case best == nil, score > bestScore+scoreEpsilon:
			best = m
			bestScore = score
		case score > bestScore-scoreEpsilon && tieBreak(m, best):
			best = m
			bestScore = score
		}
	}

	if best == nil {
		return nil, ErrNoAvailableModule
	}
	return best, nil
}

// tieBreak reports whether candidate wins over incumbent at equal score.
func tieBreak(candidate, incumbent *model.Module) bool {
	if candidate.CapacityUtilization != incumbent.CapacityUtilization {
		return candidate.CapacityUtilization < incumbent.CapacityUtilization
	}
	return candidate.ID < incumbent.ID
}
