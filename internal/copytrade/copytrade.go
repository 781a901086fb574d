// Package copytrade implements the Copy-Execution variant: it mirrors a
// tracked KOL wallet's trades at a configured size, subject to a trust gate
// and a rate limiter. When the KOL sells, a copy with no linked open
// position is a no-op; a linked position that is not closed within the sell
// poll timeout is force-sold at emergency slippage. Ground truth is the original
// service's execution/copy_executor.rs.
package copytrade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/events"
	"solfarm-engine/internal/metrics"
	"solfarm-engine/internal/position"
	"solfarm-engine/internal/relayer"
	"solfarm-engine/internal/storage"
	"solfarm-engine/internal/venue"
	"solfarm-engine/internal/walletsigner"
)

// TradeType is the KOL-observed trade direction being mirrored.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// KolTrade is an observed trade from a tracked wallet, as surfaced by
// whatever upstream signal source feeds the copy executor.
type KolTrade struct {
	KolID          string
	KolTradeID     string
	TokenMint      string
	Type           TradeType
	AmountBase     float64
	TrustScore     float64
	Whitelisted    bool
}

// Config mirrors the original service's CopyExecutorConfig defaults.
type Config struct {
	Enabled             bool
	DefaultCopyPercentage float64
	MaxPositionBase     float64
	MinTrustScore       float64
	CopyDelay           time.Duration
	RequireWhitelist    bool
	EmergencySlippageBps int
	SellPollInterval    time.Duration
	SellPollTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		DefaultCopyPercentage: 0.5,
		MaxPositionBase:      0.5,
		MinTrustScore:        60.0,
		CopyDelay:            500 * time.Millisecond,
		RequireWhitelist:     false,
		EmergencySlippageBps: 2500,
		SellPollInterval:     2 * time.Second,
		SellPollTimeout:      30 * time.Second,
	}
}

const (
	minCopyIntervalMS = 1000
	maxCopiesPerMinute = 10
)

// rateLimiter enforces the original service's per-minute cap and minimum
// spacing between copies.
type rateLimiter struct {
	mu            sync.Mutex
	windowStart   time.Time
	countInWindow int
	lastCopyAt    time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windowStart: time.Now()}
}

// checkAndWait blocks for whatever delay is needed to respect the minimum
// inter-copy spacing, and reports whether the copy may proceed: false once
// the per-minute cap is reached.
func (r *rateLimiter) checkAndWait() bool {
	r.mu.Lock()
	if time.Since(r.windowStart) >= time.Minute {
		r.windowStart = time.Now()
		r.countInWindow = 0
	}
	if r.countInWindow >= maxCopiesPerMinute {
		r.mu.Unlock()
		return false
	}
	sinceLast := time.Since(r.lastCopyAt)
	wait := time.Duration(minCopyIntervalMS)*time.Millisecond - sinceLast
	r.countInWindow++
	r.lastCopyAt = time.Now()
	r.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
	return true
}

// Result is returned from ExecuteCopy/ExecuteSell for event logging by the
// caller.
type Result struct {
	Success    bool
	PositionID *uuid.UUID
	Error      string
	LatencyMS  int64
}

// Executor drives the copy-trade pipeline.
type Executor struct {
	cfg     Config
	posMgr  *position.Manager
	adapter venue.Adapter
	signer  walletsigner.Signer
	relay   relayer.Relayer
	bus     *events.Bus
	db      *storage.DB

	limiter *rateLimiter

	mu             sync.Mutex
	copyToPosition map[string]uuid.UUID // kolTradeID -> positionID
	positionToCopy map[uuid.UUID]string // positionID -> kolTradeID, the reverse index
	entryBase      map[uuid.UUID]float64 // positionID -> entry_amount_base, for close-time P&L
}

// New wires the Copy-Execution variant. db may be nil (e.g. in tests), in
// which case copy-trade attempts simply aren't persisted.
func New(cfg Config, posMgr *position.Manager, adapter venue.Adapter, signer walletsigner.Signer, relay relayer.Relayer, bus *events.Bus, db *storage.DB) *Executor {
	return &Executor{
		cfg: cfg, posMgr: posMgr, adapter: adapter, signer: signer, relay: relay, bus: bus, db: db,
		limiter:        newRateLimiter(),
		copyToPosition: make(map[string]uuid.UUID),
		positionToCopy: make(map[uuid.UUID]string),
		entryBase:      make(map[uuid.UUID]float64),
	}
}

// linkCopy records the copy-trade <-> position association in both
// directions so a close event can be traced back to the KOL trade that
// opened it, and an incoming KOL sell can find the position it should exit.
func (e *Executor) linkCopy(kolTradeID string, positionID uuid.UUID, entryAmountBase float64) {
	e.mu.Lock()
	e.copyToPosition[kolTradeID] = positionID
	e.positionToCopy[positionID] = kolTradeID
	e.entryBase[positionID] = entryAmountBase
	e.mu.Unlock()
}

// Start subscribes to position-close events so a copy-opened position's
// realized P&L gets folded back into its copy-trade record once the
// Position Monitor (or this executor's own emergency-sell path) closes it.
func (e *Executor) Start(ctx context.Context) {
	ch, cancel := e.bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Topic == events.TopicPositionClosed {
				e.onPositionClosed(ev)
			}
		}
	}
}

func (e *Executor) onPositionClosed(ev events.Event) {
	rawID, _ := ev.Payload["position_id"]
	positionID, ok := rawID.(uuid.UUID)
	if !ok {
		return
	}

	e.mu.Lock()
	kolTradeID, linked := e.positionToCopy[positionID]
	entryAmountBase := e.entryBase[positionID]
	if linked {
		delete(e.positionToCopy, positionID)
		delete(e.entryBase, positionID)
	}
	e.mu.Unlock()
	if !linked {
		return
	}

	pos, ok := e.posMgr.GetPosition(positionID)
	if !ok {
		return
	}
	exitAmountBase := entryAmountBase - pos.RemainingAmountBase
	profit := CalculateProfitForClosedPosition(entryAmountBase, exitAmountBase)

	if e.db != nil {
		if err := e.db.InsertCopyTrade(storage.CopyTradeRecord{
			KolTradeID: kolTradeID, TokenMint: pos.TokenMint, TradeType: string(TradeSell),
			Success: true, PositionID: positionID.String(),
		}); err != nil {
			log.Warn().Err(err).Str("position_id", positionID.String()).Msg("failed to persist copy-trade close record")
		}
	}

	log.Info().Str("kol_trade_id", kolTradeID).Str("position_id", positionID.String()).
		Float64("realized_profit_base", profit).Msg("copy-traded position closed")
}

// ExecuteCopy mirrors a single observed KOL trade, dispatching to the buy
// or sell path.
func (e *Executor) ExecuteCopy(ctx context.Context, trade KolTrade) Result {
	start := time.Now()

	if !e.cfg.Enabled {
		return Result{Success: false, Error: "copy executor disabled"}
	}
	if e.cfg.RequireWhitelist && !trade.Whitelisted {
		return Result{Success: false, Error: "kol not whitelisted"}
	}
	if trade.TrustScore < e.cfg.MinTrustScore {
		log.Debug().Str("kol_id", trade.KolID).Float64("trust_score", trade.TrustScore).
			Msg("copy rejected: trust score below minimum")
		return Result{Success: false, Error: "trust score below minimum"}
	}
	if !e.limiter.checkAndWait() {
		return Result{Success: false, Error: "rate limit exceeded"}
	}

	time.Sleep(e.cfg.CopyDelay)

	var result Result
	switch trade.Type {
	case TradeBuy:
		result = e.executeBuy(ctx, trade)
	case TradeSell:
		result = e.executeSell(ctx, trade)
	default:
		return Result{Success: false, Error: fmt.Sprintf("unrecognized trade type %q", trade.Type)}
	}
	result.LatencyMS = time.Since(start).Milliseconds()

	if result.Success {
		metrics.CopiesTotal.WithLabelValues("success").Inc()
		e.bus.Publish(events.New("kol.trade.copied", events.SourceCopy, events.TopicKolTradeCopied, map[string]any{
			"kol_id": trade.KolID, "token_mint": trade.TokenMint, "type": trade.Type,
		}))
	} else {
		metrics.CopiesTotal.WithLabelValues("failed").Inc()
		e.bus.Publish(events.New("kol.trade.copy_failed", events.SourceCopy, events.TopicKolTradeCopyFailed, map[string]any{
			"kol_id": trade.KolID, "token_mint": trade.TokenMint, "error": result.Error,
		}))
	}
	return result
}

// sizeCopy caps the mirrored size at max_position_base, as the original
// service's execute_buy does.
func (e *Executor) sizeCopy(trade KolTrade) float64 {
	size := trade.AmountBase * e.cfg.DefaultCopyPercentage
	if size > e.cfg.MaxPositionBase {
		size = e.cfg.MaxPositionBase
	}
	return size
}

func (e *Executor) executeBuy(ctx context.Context, trade KolTrade) Result {
	amountBase := e.sizeCopy(trade)
	amountLamports := uint64(amountBase * 1e9)

	status := e.signer.GetStatus(ctx)
	if status.WalletAddress == nil {
		return Result{Success: false, Error: "no wallet configured"}
	}
	wallet := *status.WalletAddress

	build, err := e.adapter.BuildCurveBuy(ctx, venue.CurveBuyParams{
		Mint: trade.TokenMint, BaseAmountLamports: amountLamports, SlippageBps: e.cfg.EmergencySlippageBps / 2, UserWallet: wallet,
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	signResult, err := e.signer.SignTransaction(ctx, walletsigner.SignRequest{
		TransactionB64: build.TransactionB64,
		Description:    fmt.Sprintf("Copy buy kol=%s mint=%s", trade.KolID, trade.TokenMint),
		Mint:           trade.TokenMint,
	})
	if err != nil || !signResult.Success {
		return Result{Success: false, Error: "failed to sign copy buy"}
	}

	txB58, err := relayer.Base64ToBase58(signResult.SignedTransactionB64)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	bundleID, err := e.relay.SendBundle(ctx, []string{txB58}, 0)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	st, err := e.relay.WaitForBundle(ctx, bundleID, 60*time.Second)
	if err != nil || st.Status != relayer.BundleLanded {
		return Result{Success: false, Error: "copy buy bundle did not land"}
	}

	// Copied positions carry no originating edge or strategy: origin_tag
	// records the KOL instead, exactly as the original's Uuid::nil() ids.
	pos, err := e.posMgr.Open(position.OpenParams{
		EdgeID: uuid.Nil, StrategyID: uuid.Nil, TokenMint: trade.TokenMint,
		EntryAmountBase: amountBase, EntryTokenAmount: float64(build.ExpectedTokensOut),
		EntryPrice:  priceFromCurveBuild(amountLamports, build.ExpectedTokensOut),
		Config:      domain.DefaultExitConfig(),
		TxSignature: signResult.Signature,
		OriginTag:   "kol:" + trade.KolID,
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	e.linkCopy(trade.KolTradeID, pos.ID, amountBase)
	e.persistCopyTrade(trade, true, pos.ID, "")

	return Result{Success: true, PositionID: &pos.ID}
}

// persistCopyTrade records one copy-execution attempt; a nil db is a silent
// no-op, matching position.Manager's persist helper.
func (e *Executor) persistCopyTrade(trade KolTrade, success bool, positionID uuid.UUID, errMsg string) {
	if e.db == nil {
		return
	}
	posIDStr := ""
	if positionID != uuid.Nil {
		posIDStr = positionID.String()
	}
	if err := e.db.InsertCopyTrade(storage.CopyTradeRecord{
		KolID: trade.KolID, KolTradeID: trade.KolTradeID, TokenMint: trade.TokenMint,
		TradeType: string(trade.Type), Success: success, PositionID: posIDStr, Error: errMsg,
	}); err != nil {
		log.Warn().Err(err).Str("kol_trade_id", trade.KolTradeID).Msg("failed to persist copy-trade attempt")
	}
}

func priceFromCurveBuild(amountLamports, tokensOut uint64) float64 {
	if tokensOut == 0 {
		return 0
	}
	return float64(amountLamports) / float64(tokensOut)
}

// executeSell mirrors the original's execute_sell: a copy-sell with no
// linked open position is treated as a no-op success rather than an error,
// since the original position may have already been closed by the regular
// monitor. Otherwise it queues a priority exit and polls briefly for the
// position to disappear before falling back to a forced emergency sell.
func (e *Executor) executeSell(ctx context.Context, trade KolTrade) Result {
	e.mu.Lock()
	positionID, linked := e.copyToPosition[trade.KolTradeID]
	e.mu.Unlock()

	var pos *domain.OpenPosition
	var ok bool
	if linked {
		pos, ok = e.posMgr.GetPosition(positionID)
	}
	if !linked || !ok || pos.Status == domain.PositionClosed {
		log.Warn().Str("kol_trade_id", trade.KolTradeID).Msg("copy sell has no linked open position, skipping")
		return Result{Success: true, Error: ""}
	}

	e.posMgr.QueuePriorityExit(domain.ExitSignal{
		PositionID: pos.ID, Reason: domain.ReasonCopySell, ExitPercent: 100,
		CurrentPrice: pos.CurrentPrice, TriggeredAt: time.Now(), Urgency: domain.UrgencyHigh,
	})

	deadline := time.Now().Add(e.cfg.SellPollTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return Result{Success: false, Error: "context cancelled while waiting for copy sell"}
		case <-time.After(e.cfg.SellPollInterval):
		}
		p, ok := e.posMgr.GetPosition(pos.ID)
		if !ok || p.Status == domain.PositionClosed {
			return Result{Success: true, PositionID: &pos.ID}
		}
	}

	return e.forceEmergencySell(ctx, pos)
}

// forceEmergencySell tries a curve sell first, then falls back to the
// standard DEX swap path, exactly as the original's force_emergency_sell.
func (e *Executor) forceEmergencySell(ctx context.Context, pos *domain.OpenPosition) Result {
	status := e.signer.GetStatus(ctx)
	if status.WalletAddress == nil {
		return Result{Success: false, Error: "no wallet configured"}
	}
	wallet := *status.WalletAddress

	balance, err := e.adapter.GetActualTokenBalance(ctx, wallet, pos.TokenMint)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if balance == 0 {
		_ = e.posMgr.Close(pos.ID, "CopySellForced-NoBalance")
		return Result{Success: true, PositionID: &pos.ID}
	}

	curveBuild, curveErr := e.adapter.BuildCurveSell(ctx, venue.CurveSellParams{
		Mint: pos.TokenMint, TokenAmount: balance, SlippageBps: e.cfg.EmergencySlippageBps, UserWallet: wallet,
	})

	var txB64 string
	if curveErr == nil {
		txB64 = curveBuild.TransactionB64
	} else {
		dexBuild, dexErr := e.adapter.BuildExit(ctx, venue.ExitParams{
			Mint: pos.TokenMint, TokenAmount: balance, SlippageBps: e.cfg.EmergencySlippageBps, UserWallet: wallet,
		})
		if dexErr != nil {
			return Result{Success: false, Error: fmt.Sprintf("curve sell failed (%v) and DEX fallback failed (%v)", curveErr, dexErr)}
		}
		txB64 = dexBuild.TransactionB64
	}

	signResult, err := e.signer.SignTransaction(ctx, walletsigner.SignRequest{
		TransactionB64: txB64, Description: "Forced emergency copy sell " + pos.ID.String(), Mint: pos.TokenMint,
	})
	if err != nil || !signResult.Success {
		return Result{Success: false, Error: "failed to sign emergency sell"}
	}

	txB58, err := relayer.Base64ToBase58(signResult.SignedTransactionB64)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	bundleID, err := e.relay.SendBundle(ctx, []string{txB58}, 0)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	st, err := e.relay.WaitForBundle(ctx, bundleID, 60*time.Second)
	if err != nil || st.Status != relayer.BundleLanded {
		return Result{Success: false, Error: "emergency sell bundle did not land"}
	}

	_ = e.posMgr.Close(pos.ID, "CopySellForced")
	return Result{Success: true, PositionID: &pos.ID}
}

// CalculateProfitForClosedPosition returns exit minus entry base amount;
// onPositionClosed calls it for every copy-linked position that closes.
func CalculateProfitForClosedPosition(entryAmountBase, exitAmountBase float64) float64 {
	return exitAmountBase - entryAmountBase
}
