// Package simulate is the Simulator: it derives a simulated profit from an
// already-built transaction's route amounts, used by the Execution Pipeline
// before risking a signature. It makes no venue call of its own.
package simulate

import (
	"context"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/venue"
)

// Simulator dry-runs a built transaction's economics.
type Simulator struct {
	adapter venue.Adapter
}

func New(adapter venue.Adapter) *Simulator {
	return &Simulator{adapter: adapter}
}

// Simulate takes the built route's OutAmount minus InAmount as the
// simulated profit and the build's priority fee as gas; a build with no
// route output passes the edge's own estimate through. It does not re-quote
// the route or dry-run the transaction against the venue, and it always
// reports Success.
func (s *Simulator) Simulate(ctx context.Context, edge domain.Edge, build venue.BuildResult) domain.SimulationResult {
	if build.Route.OutAmount == 0 {
		return domain.SimulationResult{Success: true, SimulatedProfit: edge.EstimatedProfitLamports}
	}

	simulatedProfit := int64(build.Route.OutAmount) - int64(build.Route.InAmount)
	return domain.SimulationResult{
		Success:         true,
		SimulatedProfit: simulatedProfit,
		GasLamports:     int64(build.PriorityFee),
	}
}
