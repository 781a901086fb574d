// Package risk implements the Risk Manager: a pure evaluator over a
// candidate (edge, strategy) pair plus running daily statistics, using
// atomic counters for the lock-free hot-path bookkeeping.
package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"solfarm-engine/internal/domain"
)

// Stats is the running daily risk picture exposed by GetRiskStats.
type Stats struct {
	TradesToday      int64
	RealizedPnLToday float64
	WorstDrawdown    float64
	DayStartedAt     time.Time
}

// Manager evaluates edges against a strategy's risk parameters and tracks
// the day's realized PnL against the strategy's daily-loss cap.
type Manager struct {
	mu           sync.Mutex
	realizedPnL  float64
	dayStartedAt time.Time
	tradesToday  atomic.Int64
	worstDD      float64
}

func NewManager() *Manager {
	return &Manager{dayStartedAt: time.Now()}
}

func (m *Manager) rolloverIfNewDay() {
	if time.Since(m.dayStartedAt) >= 24*time.Hour {
		m.realizedPnL = 0
		m.worstDD = 0
		m.tradesToday.Store(0)
		m.dayStartedAt = time.Now()
	}
}

// Evaluate is the Risk Manager's sole decision point: apart from rolling the
// daily counters over when a new day has begun, it only reads state.
func (m *Manager) Evaluate(edge domain.Edge, strategy domain.Strategy) domain.RiskCheck {
	m.mu.Lock()
	m.rolloverIfNewDay()
	realized := m.realizedPnL
	m.mu.Unlock()

	var violations []domain.Violation
	score := edge.RiskScore

	if edge.RiskScore > strategy.Risk.MaxRiskScore {
		violations = append(violations, domain.Violation{
			Severity: domain.SeverityBlock,
			Message:  "edge risk score exceeds strategy maximum",
		})
	}

	if strategy.Risk.MinProfitBps > 0 {
		profitBps := int64(0)
		if edge.EstimatedProfitLamports > 0 {
			profitBps = edge.EstimatedProfitLamports / 10_000
		}
		if profitBps < strategy.Risk.MinProfitBps {
			violations = append(violations, domain.Violation{
				Severity: domain.SeverityWarn,
				Message:  "estimated profit below strategy minimum",
			})
		}
	}

	if strategy.Risk.DailyLossCapBase > 0 && -realized >= strategy.Risk.DailyLossCapBase {
		violations = append(violations, domain.Violation{
			Severity: domain.SeverityBlock,
			Message:  "daily loss cap reached",
		})
	}

	if edge.EstimatedProfitLamports < 0 {
		violations = append(violations, domain.Violation{
			Severity: domain.SeverityBlock,
			Message:  "estimated profit is negative",
		})
	}

	passed := true
	for _, v := range violations {
		if v.Severity == domain.SeverityBlock {
			passed = false
			break
		}
	}

	return domain.RiskCheck{Passed: passed, Score: score, Violations: violations}
}

// RecordTradeResult folds a completed trade's realized PnL into the day's
// running statistics; called by the Pipeline after a Landed confirmation.
func (m *Manager) RecordTradeResult(realizedPnLBase float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverIfNewDay()
	m.realizedPnL += realizedPnLBase
	m.tradesToday.Add(1)
	if m.realizedPnL < m.worstDD {
		m.worstDD = m.realizedPnL
	}
}

func (m *Manager) GetRiskStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TradesToday:      m.tradesToday.Load(),
		RealizedPnLToday: m.realizedPnL,
		WorstDrawdown:    m.worstDD,
		DayStartedAt:     m.dayStartedAt,
	}
}
