// Package monitor implements the Position Monitor: a background loop that
// prices every open position, evaluates the laddered exit rules, and drives
// priority (manual/forced) exits through the venue adapter, wallet signer
// and relayer. Ground truth is the original service's
// execution/position_monitor.rs start_monitoring loop, calculate_adaptive_interval,
// calculate_profit_aware_slippage and execute_curve_exit functions.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/events"
	"solfarm-engine/internal/metrics"
	"solfarm-engine/internal/position"
	"solfarm-engine/internal/relayer"
	"solfarm-engine/internal/txerrors"
	"solfarm-engine/internal/venue"
	"solfarm-engine/internal/walletsigner"
)

// Config mirrors the original service's MonitorConfig defaults exactly.
type Config struct {
	PriceCheckInterval  time.Duration
	ExitSlippageBps     int
	EmergencySlippageBps int
	MaxExitRetries      int
	BundleTimeout       time.Duration
	RetryBackoff        time.Duration
}

func DefaultConfig() Config {
	return Config{
		PriceCheckInterval:   2 * time.Second,
		ExitSlippageBps:      1000,
		EmergencySlippageBps: 1200,
		MaxExitRetries:       3,
		BundleTimeout:        60 * time.Second,
		RetryBackoff:         300 * time.Millisecond,
	}
}

const (
	minSlippageBps      = 150
	maxSlippageBps      = 1200
	profitSacrificeRatio = 0.15
)

// CalculateProfitAwareSlippage is a direct port of the original service's
// calculate_profit_aware_slippage: slippage tolerance scales with how much
// profit is on the table, widened further by exit urgency, and is always
// clamped into [minSlippageBps, maxSlippageBps].
func CalculateProfitAwareSlippage(unrealizedPnLPercent float64, urgency domain.ExitUrgency) int {
	profit := unrealizedPnLPercent
	if profit < 0 {
		profit = 0
	}
	base := minSlippageBps + int(profit*profitSacrificeRatio*100)

	multiplier := 1.0
	switch urgency {
	case domain.UrgencyCritical:
		multiplier = 1.5
	case domain.UrgencyHigh:
		multiplier = 1.25
	}
	scaled := int(float64(base) * multiplier)

	if scaled < minSlippageBps {
		scaled = minSlippageBps
	}
	if scaled > maxSlippageBps {
		scaled = maxSlippageBps
	}
	metrics.ExitSlippageBps.Observe(float64(scaled))
	return scaled
}

// calculateAdaptiveInterval shortens the poll interval for at-risk
// positions: 1s if any position is up double-digit percent but trending
// down, 2s if any position is simply up more than 5%, otherwise the
// configured default.
func calculateAdaptiveInterval(positions []domain.OpenPosition, def time.Duration) time.Duration {
	atRisk := false
	anyUp := false
	for _, p := range positions {
		if p.UnrealizedPnLPercent > 10 && p.Momentum.Velocity < 0 {
			atRisk = true
		}
		if p.UnrealizedPnLPercent > 5 {
			anyUp = true
		}
	}
	switch {
	case atRisk:
		return time.Second
	case anyUp:
		return 2 * time.Second
	default:
		return def
	}
}

// Monitor drives the price-check / exit-execution loop.
type Monitor struct {
	cfg     Config
	posMgr  *position.Manager
	adapter venue.Adapter
	signer  walletsigner.Signer
	relay   relayer.Relayer
	bus     *events.Bus
}

func New(cfg Config, posMgr *position.Manager, adapter venue.Adapter, signer walletsigner.Signer, relay relayer.Relayer, bus *events.Bus) *Monitor {
	return &Monitor{cfg: cfg, posMgr: posMgr, adapter: adapter, signer: signer, relay: relay, bus: bus}
}

// Start runs the monitoring loop until ctx is cancelled: priority pass,
// then regular pass, then an adaptively sized sleep, exactly the order the
// original start_monitoring loop uses.
func (m *Monitor) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.processPriorityExits(ctx)
		m.checkAndProcessExits(ctx)

		positions := m.posMgr.GetOpenPositions()
		interval := calculateAdaptiveInterval(positions, m.cfg.PriceCheckInterval)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// processPriorityExits drains the manager's priority queue and actions
// every signal before the regular pass runs, so manual/forced exits always
// preempt routine rule evaluation. A signal reaching this queue already
// failed to land once (or was forced); it is upgraded to a full-size,
// Critical-urgency exit run at the configured emergency slippage rather
// than replayed as-is, so a re-queued failed TakeProfit doesn't quietly
// retry as a Normal partial at profit-aware slippage.
func (m *Monitor) processPriorityExits(ctx context.Context) {
	for _, sig := range m.posMgr.DrainPriorityExits() {
		sig.ExitPercent = 100
		sig.Urgency = domain.UrgencyCritical

		pos, wallet, ok := m.resolveForExit(ctx, sig)
		if !ok {
			continue
		}
		m.dispatchExit(ctx, pos, sig, wallet, m.cfg.EmergencySlippageBps)
	}
}

// checkAndProcessExits prices every open position and actions any exit
// rule that fires.
func (m *Monitor) checkAndProcessExits(ctx context.Context) {
	positions := m.posMgr.GetOpenPositions()
	if len(positions) == 0 {
		return
	}

	mints := make([]string, 0, len(positions))
	for _, p := range positions {
		mints = append(mints, p.TokenMint)
	}
	prices, err := m.adapter.GetMultipleTokenPrices(ctx, mints, domain.BaseSOL)
	if err != nil {
		log.Warn().Err(err).Msg("failed to fetch bulk prices this tick")
		prices = map[string]float64{}
	}

	now := time.Now()
	for _, p := range positions {
		if p.Status != domain.PositionOpen {
			continue
		}
		price, ok := prices[p.TokenMint]
		if !ok || price <= 0 {
			state, err := m.adapter.GetCurveState(ctx, p.TokenMint)
			if err != nil {
				continue
			}
			price = state.Price()
			if price <= 0 {
				continue
			}
		}

		signal, err := m.posMgr.UpdatePrice(p.ID, price, now)
		if err != nil {
			continue
		}
		if signal != nil {
			m.processExitSignal(ctx, *signal)
		}
	}
}

// TriggerManualExit is the operator-facing manual override: it always
// queues a Critical-urgency full exit, bypassing rule evaluation entirely.
func (m *Monitor) TriggerManualExit(positionID uuid.UUID) {
	m.TriggerExitWithReason(positionID, domain.ReasonManual, 100, domain.UrgencyCritical)
}

func (m *Monitor) TriggerExitWithReason(positionID uuid.UUID, reason domain.ExitReason, exitPercent float64, urgency domain.ExitUrgency) {
	pos, ok := m.posMgr.GetPosition(positionID)
	if !ok {
		log.Warn().Str("position_id", positionID.String()).Msg("cannot trigger exit: position not found")
		return
	}
	m.posMgr.QueuePriorityExit(domain.ExitSignal{
		PositionID:   positionID,
		Reason:       reason,
		ExitPercent:  exitPercent,
		CurrentPrice: pos.CurrentPrice,
		TriggeredAt:  time.Now(),
		Urgency:      urgency,
	})
}

// processExitSignal resolves the position and wallet, computes
// profit-aware slippage, and dispatches to the curve-sell path or the
// standard DEX path depending on the token's graduation state.
func (m *Monitor) processExitSignal(ctx context.Context, sig domain.ExitSignal) {
	pos, wallet, ok := m.resolveForExit(ctx, sig)
	if !ok {
		return
	}
	slippageBps := CalculateProfitAwareSlippage(pos.UnrealizedPnLPercent, sig.Urgency)
	m.dispatchExit(ctx, pos, sig, wallet, slippageBps)
}

// resolveForExit looks up the position and the configured wallet an exit
// would sign with, failing the exit and resetting the position's status if
// either is unavailable.
func (m *Monitor) resolveForExit(ctx context.Context, sig domain.ExitSignal) (*domain.OpenPosition, string, bool) {
	pos, ok := m.posMgr.GetPosition(sig.PositionID)
	if !ok {
		log.Warn().Str("position_id", sig.PositionID.String()).Msg("exit signal for unknown position, dropping")
		return nil, "", false
	}

	status := m.signer.GetStatus(ctx)
	if status.WalletAddress == nil {
		log.Error().Str("position_id", pos.ID.String()).Msg("no wallet configured, cannot process exit")
		m.emitExitFailed(pos.ID, txerrors.Policyf("no wallet configured"))
		_ = m.posMgr.ResetStatus(pos.ID)
		return nil, "", false
	}
	return pos, *status.WalletAddress, true
}

// dispatchExit routes to the curve-sell path or the standard DEX path
// depending on the token's graduation state.
func (m *Monitor) dispatchExit(ctx context.Context, pos *domain.OpenPosition, sig domain.ExitSignal, wallet string, slippageBps int) {
	curveState, err := m.adapter.GetCurveState(ctx, pos.TokenMint)
	if err == nil && !curveState.IsComplete {
		m.executeCurveExit(ctx, pos, sig, wallet, slippageBps)
		return
	}
	m.executeDEXExit(ctx, pos, sig, wallet, slippageBps)
}

// executeCurveExit is a direct port of the original execute_curve_exit: it
// trusts the on-chain actual balance over the tracked remaining amount
// (other exits, other processes may have moved it), closes immediately as
// "AlreadySold" on a zero balance, and retries only failures recognized as
// slippage errors (txerrors.IsSlippageError), jumping straight to emergency
// slippage for those retries rather than escalating gradually. Any other
// failure ends the loop at once; a failed exit is requeued as a priority exit
// and the position is set back to open.
func (m *Monitor) executeCurveExit(ctx context.Context, pos *domain.OpenPosition, sig domain.ExitSignal, wallet string, slippageBps int) {
	actualBalance, err := m.adapter.GetActualTokenBalance(ctx, wallet, pos.TokenMint)
	if err != nil {
		log.Error().Err(err).Str("position_id", pos.ID.String()).Msg("failed to read actual token balance for curve exit")
		m.emitExitFailed(pos.ID, err)
		_ = m.posMgr.ResetStatus(pos.ID)
		return
	}
	if actualBalance == 0 {
		_ = m.posMgr.Close(pos.ID, "AlreadySold")
		return
	}

	sellAmount := actualBalance
	if sig.ExitPercent < 100 {
		sellAmount = uint64(float64(actualBalance) * sig.ExitPercent / 100)
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxExitRetries; attempt++ {
		attemptSlippage := slippageBps
		emergency := "false"
		if attempt > 0 {
			attemptSlippage = m.cfg.EmergencySlippageBps
			emergency = "true"
		}
		metrics.ExitRetries.WithLabelValues(emergency).Inc()

		build, err := m.adapter.BuildCurveSell(ctx, venue.CurveSellParams{
			Mint: pos.TokenMint, TokenAmount: sellAmount, SlippageBps: attemptSlippage, UserWallet: wallet,
		})
		if err != nil {
			lastErr = err
			if !txerrors.IsSlippageError(err) {
				break
			}
			time.Sleep(m.cfg.RetryBackoff)
			continue
		}

		result, err := m.signAndSubmit(ctx, build.TransactionB64, pos, sig)
		if err != nil {
			lastErr = err
			if !txerrors.IsSlippageError(err) {
				break
			}
			time.Sleep(m.cfg.RetryBackoff)
			continue
		}

		m.onExitLanded(pos, sig, result, int64(build.ExpectedBaseOut))
		return
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("curve exit exhausted retries")
	}
	m.emitExitFailed(pos.ID, lastErr)
	m.posMgr.QueuePriorityExit(sig)
	_ = m.posMgr.ResetStatus(pos.ID)
}

// executeDEXExit sells the position's token back to the base currency via
// the venue adapter's sell-shaped BuildExit, signs and submits it, and
// branches on the landed/failed/pending bundle outcome. The actual on-chain
// balance is trusted over the tracked remaining amount the same way
// executeCurveExit does; an adapter that can't report it (e.g. the DEX
// adapter's balance lookup is unimplemented) falls back to the tracked
// remaining token amount.
func (m *Monitor) executeDEXExit(ctx context.Context, pos *domain.OpenPosition, sig domain.ExitSignal, wallet string, slippageBps int) {
	tokenAmount, err := m.adapter.GetActualTokenBalance(ctx, wallet, pos.TokenMint)
	if err != nil {
		tokenAmount = uint64(pos.RemainingTokenAmount)
	}
	if sig.ExitPercent < 100 {
		tokenAmount = uint64(float64(tokenAmount) * sig.ExitPercent / 100)
	}
	if tokenAmount == 0 {
		_ = m.posMgr.Close(pos.ID, "AlreadySold")
		return
	}

	build, err := m.adapter.BuildExit(ctx, venue.ExitParams{
		Mint: pos.TokenMint, TokenAmount: tokenAmount, SlippageBps: slippageBps, UserWallet: wallet,
	})
	if err != nil {
		log.Error().Err(err).Str("position_id", pos.ID.String()).Msg("failed to build DEX exit swap")
		m.emitExitFailed(pos.ID, err)
		m.posMgr.QueuePriorityExit(sig)
		return
	}

	result, err := m.signAndSubmit(ctx, build.TransactionB64, pos, sig)
	if err != nil {
		m.emitExitFailed(pos.ID, err)
		m.posMgr.QueuePriorityExit(sig)
		return
	}

	m.onExitLanded(pos, sig, result, int64(build.Route.OutAmount))
}

func (m *Monitor) signAndSubmit(ctx context.Context, txB64 string, pos *domain.OpenPosition, sig domain.ExitSignal) (domain.ExecutionResult, error) {
	signResult, err := m.signer.SignTransaction(ctx, walletsigner.SignRequest{
		TransactionB64: txB64,
		Description:    fmt.Sprintf("Exit position %s (%s)", pos.ID, sig.Reason),
		Mint:           pos.TokenMint,
	})
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if !signResult.Success {
		msg := "signing refused"
		if signResult.PolicyViolation != nil {
			msg = signResult.PolicyViolation.Message
		}
		return domain.ExecutionResult{}, txerrors.Policyf("%s", msg)
	}

	txB58, err := relayer.Base64ToBase58(signResult.SignedTransactionB64)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	bundleID, err := m.relay.SendBundle(ctx, []string{txB58}, 0)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	status, err := m.relay.WaitForBundle(ctx, bundleID, m.cfg.BundleTimeout)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if status.Status != relayer.BundleLanded {
		return domain.ExecutionResult{}, txerrors.Externalf("exit bundle did not land: %s", status.Status)
	}

	return domain.ExecutionResult{
		Success: true, TxSignature: signResult.Signature, BundleID: bundleID, LandedSlot: status.LandedSlot,
	}, nil
}

func (m *Monitor) onExitLanded(pos *domain.OpenPosition, sig domain.ExitSignal, result domain.ExecutionResult, baseOut int64) {
	exitedBase := pos.RemainingAmountBase * sig.ExitPercent / 100
	exitedTokens := pos.RemainingTokenAmount * sig.ExitPercent / 100

	if sig.ExitPercent >= 100 {
		_ = m.posMgr.Close(pos.ID, string(sig.Reason))
	} else {
		_ = m.posMgr.RecordPartialExit(pos.ID, string(sig.Reason), sig.ExitPercent, exitedBase, exitedTokens)
	}

	metrics.ExitsTotal.WithLabelValues(string(sig.Reason), "landed").Inc()
	m.bus.Publish(events.New("position.exit_completed", events.SourceMonitor, events.TopicPositionExitCompleted, map[string]any{
		"position_id": pos.ID, "reason": sig.Reason, "tx_signature": result.TxSignature, "base_out": baseOut,
		"exit_percent": sig.ExitPercent, "entry_amount_base": pos.EntryAmountBase,
	}))
}

func (m *Monitor) emitExitFailed(positionID uuid.UUID, err error) {
	kind := txerrors.KindOf(err)
	metrics.ExitsTotal.WithLabelValues(string(kind), "failed").Inc()
	m.bus.Publish(events.New("position.exit_failed", events.SourceMonitor, events.TopicPositionExitFailed, map[string]any{
		"position_id": positionID, "error": err.Error(), "error_kind": string(kind),
	}))
}
