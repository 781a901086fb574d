// Package execution implements the Execution Pipeline: it transforms an
// edge+strategy pair into a landed transaction through simulation,
// risk-gating, signing and bundle submission. The PendingExecution map is
// guarded by a single writer-preferring sync.RWMutex, never held across a
// network await.
package execution

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/events"
	"solfarm-engine/internal/metrics"
	"solfarm-engine/internal/position"
	"solfarm-engine/internal/relayer"
	"solfarm-engine/internal/risk"
	"solfarm-engine/internal/simulate"
	"solfarm-engine/internal/txerrors"
	"solfarm-engine/internal/venue"
	"solfarm-engine/internal/walletsigner"
)

// Config carries every Pipeline option.
type Config struct {
	AutoExecuteAtomic       bool
	RequireSimulation       bool
	MaxConcurrentExecutions int
	ExecutionTimeoutSecs    int

	TipMinLamports uint64
	TipMaxLamports uint64

	BuildTimeout   time.Duration
	SignTimeout    time.Duration
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
}

// DefaultConfig sets explicit defaults at construction rather than
// leaving the zero value to stand in for them.
func DefaultConfig() Config {
	return Config{
		AutoExecuteAtomic:       true,
		RequireSimulation:       true,
		MaxConcurrentExecutions: 5,
		ExecutionTimeoutSecs:    60,
		TipMinLamports:          1_000,
		TipMaxLamports:          100_000,
		BuildTimeout:            15 * time.Second,
		SignTimeout:             30 * time.Second,
		SubmitTimeout:           30 * time.Second,
		ConfirmTimeout:          60 * time.Second,
	}
}

// Pipeline orchestrates Simulator -> Risk -> Signer -> Relayer.
type Pipeline struct {
	cfg      Config
	adapter  venue.Adapter
	sim      *simulate.Simulator
	riskMgr  *risk.Manager
	signer   walletsigner.Signer
	relay    relayer.Relayer
	posMgr   *position.Manager
	bus      *events.Bus

	mu      sync.RWMutex
	pending map[uuid.UUID]*domain.PendingExecution

	sem chan struct{} // bounds MaxConcurrentExecutions
}

func New(cfg Config, adapter venue.Adapter, sim *simulate.Simulator, riskMgr *risk.Manager, signer walletsigner.Signer, relay relayer.Relayer, posMgr *position.Manager, bus *events.Bus) *Pipeline {
	max := cfg.MaxConcurrentExecutions
	if max <= 0 {
		max = 1
	}
	return &Pipeline{
		cfg:     cfg,
		adapter: adapter,
		sim:     sim,
		riskMgr: riskMgr,
		signer:  signer,
		relay:   relay,
		posMgr:  posMgr,
		bus:     bus,
		pending: make(map[uuid.UUID]*domain.PendingExecution),
		sem:     make(chan struct{}, max),
	}
}

// Tip computes the relayer tip from estimated profit: clamp(floor(alpha *
// max(0, estimated_profit)), tip_min, tip_max). Monotonically
// non-decreasing in estimated_profit and bounded in [tip_min, tip_max].
func Tip(estimatedProfitLamports int64, alpha float64, tipMin, tipMax uint64) uint64 {
	profit := estimatedProfitLamports
	if profit < 0 {
		profit = 0
	}
	tip := uint64(math.Floor(alpha * float64(profit)))
	if tip < tipMin {
		return tipMin
	}
	if tip > tipMax {
		return tipMax
	}
	return tip
}

func (p *Pipeline) setStatus(edgeID uuid.UUID, status domain.ExecutionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pe, ok := p.pending[edgeID]; ok {
		pe.Status = status
	}
}

func (p *Pipeline) publish(eventType string, topic string, payload map[string]any) {
	p.bus.Publish(events.New(eventType, events.SourcePipeline, topic, payload))
}

// determineMode selects the execution mode for an edge, including a
// silent fallback to AgentDirected for unrecognized strategy mode strings
// rather than rejecting at load time (see SPEC_FULL.md §9's Open Question
// decisions).
func determineMode(edge domain.Edge, strategy domain.Strategy, cfg Config) domain.ExecutionMode {
	if edge.Atomicity == domain.FullyAtomic && edge.SimulatedProfitGuaranteed && cfg.AutoExecuteAtomic {
		return domain.ModeAutonomous
	}

	switch strings.ToLower(string(strategy.Mode)) {
	case "autonomous":
		if edge.RiskScore <= strategy.Risk.MaxRiskScore/2 {
			return domain.ModeAutonomous
		}
		return domain.ModeHybrid
	case "hybrid":
		profitBps := int64(0)
		if edge.EstimatedProfitLamports > 0 {
			profitBps = edge.EstimatedProfitLamports / 10_000
		}
		if profitBps > strategy.Risk.MinProfitBps*2 && edge.RiskScore <= strategy.Risk.MaxRiskScore {
			return domain.ModeAutonomous
		}
		return domain.ModeAgentDirected
	default:
		log.Warn().Str("strategy_id", strategy.ID.String()).Str("mode", string(strategy.Mode)).
			Msg("unrecognized execution_mode string, falling back to agent_directed")
		return domain.ModeAgentDirected
	}
}

// ExecuteAuto drives one edge end to end: build via the Venue Adapter,
// simulate, risk-check, select mode, sign, submit, confirm.
func (p *Pipeline) ExecuteAuto(ctx context.Context, edge domain.Edge, strategy domain.Strategy, slippageBps int) domain.ExecutionResult {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return domain.ExecutionResult{Success: false, Error: "execution pipeline at concurrency limit"}
	}

	start := time.Now()

	pe := &domain.PendingExecution{
		EdgeID:    edge.ID,
		Edge:      edge,
		Strategy:  strategy,
		Status:    domain.StatusPending,
		StartedAt: start,
	}
	p.mu.Lock()
	p.pending[edge.ID] = pe
	p.mu.Unlock()

	p.publish("edge.executing", events.TopicEdgeExecuting, map[string]any{"edge_id": edge.ID})

	result := p.runExecution(ctx, pe, slippageBps)

	result.LatencyMS = time.Since(start).Milliseconds()
	p.mu.Lock()
	pe.CompletedAt = time.Now()
	if result.Success {
		pe.Status = domain.StatusCompleted
	} else if pe.Status != domain.StatusRejected && pe.Status != domain.StatusAwaitingApproval {
		pe.Status = domain.StatusFailed
	}
	p.mu.Unlock()

	metrics.ExecutionsTotal.WithLabelValues(string(pe.Status)).Inc()
	if pe.Status == domain.StatusCompleted || pe.Status == domain.StatusFailed {
		metrics.ExecutionLatencySeconds.Observe(float64(result.LatencyMS) / 1000)
	}
	if result.Success {
		metrics.RealizedProfitLamports.Add(float64(result.RealizedProfitLamports))
	}

	return result
}

func (p *Pipeline) runExecution(ctx context.Context, pe *domain.PendingExecution, slippageBps int) domain.ExecutionResult {
	edge, strategy := pe.Edge, pe.Strategy

	// Step 2: Build.
	buildCtx, cancel := context.WithTimeout(ctx, p.cfg.BuildTimeout)
	build, err := p.adapter.BuildSwap(buildCtx, edge, "", slippageBps)
	cancel()
	if err != nil {
		p.fail(pe, err)
		return domain.ExecutionResult{Success: false, Error: err.Error()}
	}

	// Step 3: Simulate.
	p.setStatus(edge.ID, domain.StatusSimulating)
	if p.cfg.RequireSimulation {
		sim := p.sim.Simulate(ctx, edge, build)
		p.mu.Lock()
		pe.Simulation = &sim
		p.mu.Unlock()
		if !sim.Success {
			p.fail(pe, fmt.Errorf("simulation failed: %s", sim.Error))
			return domain.ExecutionResult{Success: false, Error: "simulation failed: " + sim.Error, GasLamports: sim.GasLamports}
		}
	}

	// Step 4: Risk-check.
	p.setStatus(edge.ID, domain.StatusRiskCheck)
	rc := p.riskMgr.Evaluate(edge, strategy)
	p.mu.Lock()
	pe.RiskCheck = &rc
	p.mu.Unlock()
	if !rc.Passed {
		var msgs []string
		for _, v := range rc.Blocking() {
			msgs = append(msgs, v.Message)
		}
		errMsg := "Risk check failed: " + strings.Join(msgs, "; ")
		p.fail(pe, fmt.Errorf("%s", errMsg))
		return domain.ExecutionResult{Success: false, Error: errMsg}
	}

	// Step 5: Mode selection.
	mode := determineMode(edge, strategy, p.cfg)

	if mode == domain.ModeAgentDirected {
		p.mu.Lock()
		pe.Status = domain.StatusAwaitingApproval
		p.mu.Unlock()
		p.publish("edge.pending_approval", events.TopicEdgePendingApproval, map[string]any{"edge_id": edge.ID})
		return domain.ExecutionResult{Success: false, Error: "awaiting manual approval"}
	}

	// Step 7: Sign.
	p.setStatus(edge.ID, domain.StatusSubmitting)
	signCtx, cancel := context.WithTimeout(ctx, p.cfg.SignTimeout)
	estimatedProfit := edge.EstimatedProfitLamports
	signResult, err := p.signer.SignTransaction(signCtx, walletsigner.SignRequest{
		TransactionB64:          build.TransactionB64,
		EstimatedAmountLamports: build.Route.InAmount,
		EstimatedProfitLamports: &estimatedProfit,
		EdgeID:                  &edge.ID,
		Description:             fmt.Sprintf("Execute edge %s (%s)", edge.ID, edge.TokenMint),
		Mint:                    edge.TokenMint,
	})
	cancel()
	if err != nil {
		p.fail(pe, err)
		return domain.ExecutionResult{Success: false, Error: err.Error()}
	}
	if !signResult.Success {
		msg := "Unknown signing error"
		if signResult.PolicyViolation != nil {
			msg = signResult.PolicyViolation.Message
		} else if signResult.Error != "" {
			msg = signResult.Error
		}
		p.fail(pe, fmt.Errorf("%s", msg))
		return domain.ExecutionResult{Success: false, Error: msg}
	}

	// Step 8: Submit.
	tip := Tip(estimatedProfit, strategy.TipAlpha, p.cfg.TipMinLamports, p.cfg.TipMaxLamports)
	txB58, err := relayer.Base64ToBase58(signResult.SignedTransactionB64)
	if err != nil {
		p.fail(pe, err)
		return domain.ExecutionResult{Success: false, Error: err.Error()}
	}

	submitCtx, cancel := context.WithTimeout(ctx, p.cfg.SubmitTimeout)
	bundleID, err := p.relay.SendBundle(submitCtx, []string{txB58}, tip)
	cancel()
	if err != nil {
		p.fail(pe, err)
		return domain.ExecutionResult{Success: false, Error: err.Error()}
	}
	p.mu.Lock()
	pe.BundleID = bundleID
	p.mu.Unlock()

	// Step 9: Confirm.
	p.setStatus(edge.ID, domain.StatusConfirming)
	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	status, err := p.relay.WaitForBundle(confirmCtx, bundleID, p.cfg.ConfirmTimeout)
	cancel()
	if err != nil {
		p.fail(pe, err)
		return domain.ExecutionResult{Success: false, Error: err.Error(), BundleID: bundleID}
	}

	switch status.Status {
	case relayer.BundleLanded:
		entryAmountBase := float64(build.Route.InAmount) / 1e9
		_, openErr := p.posMgr.Open(position.OpenParams{
			EdgeID:           edge.ID,
			StrategyID:       strategy.ID,
			TokenMint:        edge.TokenMint,
			EntryAmountBase:  entryAmountBase,
			EntryTokenAmount: float64(build.Route.OutAmount),
			EntryPrice:       priceFromRoute(build.Route),
			Config:           domain.DefaultExitConfig(),
			TxSignature:      signResult.Signature,
			MaxPositionBase:  strategy.Risk.MaxPositionBase,
		})
		if openErr != nil {
			log.Error().Err(openErr).Str("edge_id", edge.ID.String()).Msg("failed to open position after landed execution")
		}

		p.riskMgr.RecordTradeResult(0)

		p.publish("edge.executed", events.TopicEdgeExecuted, map[string]any{
			"edge_id": edge.ID, "bundle_id": bundleID, "tx_signature": signResult.Signature,
		})

		return domain.ExecutionResult{
			Success:                true,
			TxSignature:            signResult.Signature,
			BundleID:               bundleID,
			RealizedProfitLamports: int64(build.Route.OutAmount) - int64(build.Route.InAmount),
			LandedSlot:             status.LandedSlot,
		}
	default:
		errMsg := fmt.Sprintf("bundle did not land: %s", status.Status)
		p.publish("edge.failed", events.TopicEdgeFailed, map[string]any{"edge_id": edge.ID, "error": errMsg})
		return domain.ExecutionResult{Success: false, Error: errMsg, BundleID: bundleID}
	}
}

func priceFromRoute(route venue.RouteInfo) float64 {
	if route.OutAmount == 0 {
		return 0
	}
	return float64(route.InAmount) / float64(route.OutAmount)
}

func (p *Pipeline) fail(pe *domain.PendingExecution, err error) {
	p.mu.Lock()
	pe.Status = domain.StatusFailed
	p.mu.Unlock()
	p.publish("edge.failed", events.TopicEdgeFailed, map[string]any{"edge_id": pe.EdgeID, "error": err.Error()})
}

// Execute is the legacy path: a transaction is already built, only
// sign/submit/confirm remain.
func (p *Pipeline) Execute(ctx context.Context, edge domain.Edge, strategy domain.Strategy, prebuiltTxB64 string) domain.ExecutionResult {
	pe := &domain.PendingExecution{EdgeID: edge.ID, Edge: edge, Strategy: strategy, Status: domain.StatusSubmitting, StartedAt: time.Now()}
	p.mu.Lock()
	p.pending[edge.ID] = pe
	p.mu.Unlock()

	signCtx, cancel := context.WithTimeout(ctx, p.cfg.SignTimeout)
	signResult, err := p.signer.SignTransaction(signCtx, walletsigner.SignRequest{
		TransactionB64:          prebuiltTxB64,
		EstimatedAmountLamports: 0,
		EdgeID:                  &edge.ID,
		Description:             "Execute prebuilt edge " + edge.ID.String(),
		Mint:                    edge.TokenMint,
	})
	cancel()
	if err != nil || !signResult.Success {
		p.fail(pe, fmt.Errorf("signing failed"))
		return domain.ExecutionResult{Success: false}
	}

	tip := Tip(edge.EstimatedProfitLamports, strategy.TipAlpha, p.cfg.TipMinLamports, p.cfg.TipMaxLamports)
	txB58, err := relayer.Base64ToBase58(signResult.SignedTransactionB64)
	if err != nil {
		p.fail(pe, err)
		return domain.ExecutionResult{Success: false, Error: err.Error()}
	}

	submitCtx, cancel := context.WithTimeout(ctx, p.cfg.SubmitTimeout)
	bundleID, err := p.relay.SendBundle(submitCtx, []string{txB58}, tip)
	cancel()
	if err != nil {
		p.fail(pe, err)
		return domain.ExecutionResult{Success: false, Error: err.Error()}
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	status, err := p.relay.WaitForBundle(confirmCtx, bundleID, p.cfg.ConfirmTimeout)
	cancel()
	if err != nil || status.Status != relayer.BundleLanded {
		p.fail(pe, fmt.Errorf("bundle not landed"))
		return domain.ExecutionResult{Success: false, BundleID: bundleID}
	}

	// Legacy path: entry amount is unknown without route info, placeholder
	// 0 entry matches the original service's legacy execute_edge quirk.
	_, _ = p.posMgr.Open(position.OpenParams{
		EdgeID: edge.ID, StrategyID: strategy.ID, TokenMint: edge.TokenMint,
		EntryAmountBase: 0, Config: domain.DefaultExitConfig(), TxSignature: bundleID,
	})

	return domain.ExecutionResult{Success: true, BundleID: bundleID, TxSignature: signResult.Signature}
}

// Approve transitions an AwaitingApproval edge back to Pending for
// re-entry. Idempotent in state but not in result: re-approving an already
// non-AwaitingApproval edge is a NotFound error.
func (p *Pipeline) Approve(edgeID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pe, ok := p.pending[edgeID]
	if !ok || pe.Status != domain.StatusAwaitingApproval {
		return txerrors.NotFoundf("edge %s is not awaiting approval", edgeID)
	}
	pe.Status = domain.StatusPending
	return nil
}

// Reject transitions an AwaitingApproval edge to Rejected.
func (p *Pipeline) Reject(edgeID uuid.UUID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pe, ok := p.pending[edgeID]
	if !ok || pe.Status != domain.StatusAwaitingApproval {
		return txerrors.NotFoundf("edge %s is not awaiting approval", edgeID)
	}
	pe.Status = domain.StatusRejected
	p.bus.Publish(events.New("edge.rejected", events.SourcePipeline, events.TopicEdgeRejected, map[string]any{
		"edge_id": edgeID, "reason": reason,
	}))
	return nil
}

func (p *Pipeline) GetPending() []domain.PendingExecution {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.PendingExecution, 0, len(p.pending))
	for _, pe := range p.pending {
		out = append(out, *pe)
	}
	return out
}

func (p *Pipeline) GetStatus(edgeID uuid.UUID) (domain.ExecutionStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pe, ok := p.pending[edgeID]
	if !ok {
		return "", false
	}
	return pe.Status, true
}
