// Package domain holds the shared data model for the execution and position
// lifecycle engine: Edge, Strategy, RiskCheck, PendingExecution, OpenPosition,
// ExitConfig, ExitSignal and ExecutionResult, plus their enums and invariants.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// EdgeKind classifies the opportunity a detector surfaced.
type EdgeKind string

const (
	EdgeArbitrage  EdgeKind = "arbitrage"
	EdgeGraduation EdgeKind = "graduation"
	EdgeLiquidation EdgeKind = "liquidation"
	EdgeCopy       EdgeKind = "copy"
)

// Atomicity describes whether an edge's profit is guaranteed within a
// single bundle.
type Atomicity string

const (
	FullyAtomic    Atomicity = "fully_atomic"
	PartiallyAtomic Atomicity = "partially_atomic"
	NonAtomic      Atomicity = "non_atomic"
)

// Edge is a candidate trading opportunity. Immutable once submitted to the
// Execution Pipeline.
type Edge struct {
	ID                        uuid.UUID
	Kind                      EdgeKind
	TokenMint                 string
	Route                     string
	EstimatedProfitLamports   int64
	RiskScore                 int // 0-100
	Atomicity                 Atomicity
	SimulatedProfitGuaranteed bool
	DetectedAt                time.Time
}

// ExecutionMode is the strategy's declared (or computed) execution policy.
type ExecutionMode string

const (
	ModeAutonomous    ExecutionMode = "autonomous"
	ModeHybrid        ExecutionMode = "hybrid"
	ModeAgentDirected ExecutionMode = "agent_directed"
)

// RiskParams bound a strategy's tolerance.
type RiskParams struct {
	MaxPositionBase float64
	MinProfitBps    int64
	MaxSlippageBps  int
	MaxRiskScore    int
	DailyLossCapBase float64
	RequireConsensus bool
}

// Strategy is the risk envelope and execution policy governing a family of
// edges.
type Strategy struct {
	ID         uuid.UUID
	Mode       ExecutionMode // the raw, possibly-unrecognized string as declared
	Risk       RiskParams
	TipAlpha   float64 // tip curve coefficient, e.g. 0.05
}

// Severity tags a single risk violation.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// Violation is one risk-manager finding.
type Violation struct {
	Severity Severity
	Message  string
}

// RiskCheck is the outcome of evaluating (edge, strategy) against live state.
type RiskCheck struct {
	Passed     bool
	Score      int
	Violations []Violation
}

// Blocking returns the subset of violations with severity block.
func (r RiskCheck) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}

// ExecutionStatus is the PendingExecution state machine.
type ExecutionStatus string

const (
	StatusPending          ExecutionStatus = "pending"
	StatusSimulating       ExecutionStatus = "simulating"
	StatusRiskCheck        ExecutionStatus = "risk_check"
	StatusAwaitingApproval ExecutionStatus = "awaiting_approval"
	StatusSubmitting       ExecutionStatus = "submitting"
	StatusConfirming       ExecutionStatus = "confirming"
	StatusCompleted        ExecutionStatus = "completed"
	StatusFailed           ExecutionStatus = "failed"
	StatusRejected         ExecutionStatus = "rejected"
)

// SimulationResult is a dry-run outcome from the Simulator.
type SimulationResult struct {
	Success         bool
	SimulatedProfit int64
	GasLamports     int64
	Error           string
}

// PendingExecution tracks an in-flight edge through the pipeline's state
// machine. Exclusively owned by the Execution Pipeline.
type PendingExecution struct {
	EdgeID      uuid.UUID
	Edge        Edge
	Strategy    Strategy
	Status      ExecutionStatus
	Simulation  *SimulationResult
	RiskCheck   *RiskCheck
	BundleID    string
	StartedAt   time.Time
	CompletedAt time.Time
}

// PositionStatus is the lifecycle state of an OpenPosition.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionPendingExit PositionStatus = "pending_exit"
	PositionClosed     PositionStatus = "closed"
)

// BaseCurrency is the denomination positions and configs are expressed in.
type BaseCurrency string

const (
	BaseSOL  BaseCurrency = "SOL"
	BaseUSDC BaseCurrency = "USDC"
)

func (b BaseCurrency) Symbol() string {
	if b == "" {
		return string(BaseSOL)
	}
	return string(b)
}

// LadderTier is one laddered take-profit rule.
type LadderTier struct {
	TriggerPercent float64 // unrealized_pnl_percent threshold
	ExitPercent    float64 // percent of remaining to exit
	Fired          bool
}

// ExitConfig bundles the exit rules governing one OpenPosition.
type ExitConfig struct {
	BaseCurrency        BaseCurrency
	TrailingStopPercent float64 // 0 disables
	HardStopLossPercent float64 // 0 disables
	Tiers               []LadderTier
	MaxLifetime         time.Duration // 0 disables
	MomentumProfitFloor float64       // unrealized_pnl_percent above which momentum reversal is armed
	DustThresholdBase   float64
}

// DefaultExitConfig is the default laddered exit rule set.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		BaseCurrency:        BaseSOL,
		TrailingStopPercent: 20,
		HardStopLossPercent: 30,
		Tiers: []LadderTier{
			{TriggerPercent: 20, ExitPercent: 25},
			{TriggerPercent: 50, ExitPercent: 50},
			{TriggerPercent: 100, ExitPercent: 100},
		},
		MaxLifetime:         2 * time.Hour,
		MomentumProfitFloor: 10,
		DustThresholdBase:   0.00001,
	}
}

// Momentum tracks an exponentially weighted price velocity over a rolling
// window of recent ticks. Sign and magnitude are both retained; the Position
// Manager consults the recent-tick history to decide whether velocity has
// been negative for at least NegativeTicks of the last WindowTicks samples.
type Momentum struct {
	Velocity    float64
	recentSigns []bool // true = negative tick
	lastPrice   float64
	lastAt      time.Time
}

const (
	// MomentumWindowTicks and MomentumNegativeTicks fix the momentum
	// velocity window: the last 5 ticks are kept and a reversal requires
	// at least 3 of them negative.
	MomentumWindowTicks   = 5
	MomentumNegativeTicks = 3
	momentumSmoothing     = 0.3 // EWMA alpha
)

// Update folds a new price sample into the momentum tracker and returns the
// updated velocity.
func (m *Momentum) Update(price float64, at time.Time) float64 {
	if m.lastPrice == 0 {
		m.lastPrice = price
		m.lastAt = at
		return m.Velocity
	}
	dt := at.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		dt = 1
	}
	instant := (price - m.lastPrice) / m.lastPrice / dt
	m.Velocity = momentumSmoothing*instant + (1-momentumSmoothing)*m.Velocity

	m.recentSigns = append(m.recentSigns, m.Velocity < 0)
	if len(m.recentSigns) > MomentumWindowTicks {
		m.recentSigns = m.recentSigns[len(m.recentSigns)-MomentumWindowTicks:]
	}

	m.lastPrice = price
	m.lastAt = at
	return m.Velocity
}

// NegativeForNTicks reports whether velocity has read negative for at least
// MomentumNegativeTicks of the last MomentumWindowTicks recorded samples.
func (m *Momentum) NegativeForNTicks() bool {
	if len(m.recentSigns) < MomentumNegativeTicks {
		return false
	}
	negatives := 0
	for _, neg := range m.recentSigns {
		if neg {
			negatives++
		}
	}
	return negatives >= MomentumNegativeTicks
}

// OpenPosition is a live holding, exclusively owned by the Position Manager.
type OpenPosition struct {
	ID                   uuid.UUID
	EdgeID                uuid.UUID
	StrategyID            uuid.UUID
	TokenMint             string
	TokenSymbol           string
	EntryAmountBase       float64
	EntryTokenAmount      float64
	EntryPrice            float64
	CurrentPrice          float64
	RemainingAmountBase   float64
	RemainingTokenAmount  float64
	UnrealizedPnLPercent  float64
	Status                PositionStatus
	ExitConfig            ExitConfig
	OpeningTxSignature    string
	StrategyTag           string
	OriginTag             string
	PeakPrice             float64
	Momentum              Momentum
	OpenedAt              time.Time
}

// ExitReason enumerates why an ExitSignal was raised.
type ExitReason string

const (
	ReasonTakeProfit       ExitReason = "TakeProfit"
	ReasonStopLoss         ExitReason = "StopLoss"
	ReasonTrailingStop     ExitReason = "TrailingStop"
	ReasonTimeOut          ExitReason = "TimeOut"
	ReasonMomentumReversal ExitReason = "MomentumReversal"
	ReasonManual           ExitReason = "Manual"
	ReasonEmergency        ExitReason = "Emergency"
	ReasonCopySell         ExitReason = "CopySell"
)

// ExitUrgency scales how much slippage tolerance an exit is willing to
// sacrifice to land.
type ExitUrgency string

const (
	UrgencyLow      ExitUrgency = "Low"
	UrgencyNormal   ExitUrgency = "Normal"
	UrgencyHigh     ExitUrgency = "High"
	UrgencyCritical ExitUrgency = "Critical"
)

// ExitSignal is a request to reduce (or close) a position.
type ExitSignal struct {
	PositionID   uuid.UUID
	Reason       ExitReason
	ExitPercent  float64
	CurrentPrice float64
	TriggeredAt  time.Time
	Urgency      ExitUrgency
}

// ExecutionResult is the terminal record for an edge's execution attempt.
type ExecutionResult struct {
	Success     bool
	TxSignature string
	BundleID    string
	RealizedProfitLamports int64
	GasLamports int64
	LatencyMS   int64
	Error       string
	LandedSlot  uint64
}
