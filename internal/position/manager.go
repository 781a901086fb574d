// Package position implements the Position Manager: it owns every open
// position, prices them on each tick, and evaluates the laddered exit rule
// set (hard stop-loss, momentum reversal, trailing stop, take-profit tiers,
// time-based exit) in a fixed priority order. Mutation is serialized
// per-position via a map guarded by a single RWMutex.
package position

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/events"
	"solfarm-engine/internal/metrics"
	"solfarm-engine/internal/storage"
	"solfarm-engine/internal/txerrors"
)

// OpenParams is what the Execution Pipeline hands the manager after a
// landed buy.
type OpenParams struct {
	EdgeID           uuid.UUID
	StrategyID       uuid.UUID
	TokenMint        string
	TokenSymbol      string
	EntryAmountBase  float64
	EntryTokenAmount float64
	EntryPrice       float64
	Config           domain.ExitConfig
	TxSignature      string
	StrategyTag      string
	OriginTag        string

	// MaxPositionBase caps the strategy's total entry_amount_base across all
	// of its currently open positions. Zero means unbounded (the copy
	// executor enforces its own cap before calling Open and leaves this at
	// zero).
	MaxPositionBase float64
}

// Stats summarizes the manager's book for a status surface.
type Stats struct {
	OpenCount   int
	TotalBaseAtRisk float64
}

const priorityQueueSize = 4096

// Manager owns every OpenPosition and the priority-exit MPSC queue the
// Monitor drains.
type Manager struct {
	mu  sync.RWMutex
	byID   map[uuid.UUID]*domain.OpenPosition
	byMint map[string]uuid.UUID // only the most recent open position per mint

	bus *events.Bus
	db  *storage.DB

	priorityMu    sync.Mutex
	priorityQueue chan domain.ExitSignal
	queuedIDs     map[uuid.UUID]bool
}

// NewManager wires the Position Manager to the event bus and, optionally, a
// persistence layer. db may be nil (e.g. in tests), in which case position
// lifecycle events simply aren't persisted.
func NewManager(bus *events.Bus, db *storage.DB) *Manager {
	return &Manager{
		byID:          make(map[uuid.UUID]*domain.OpenPosition),
		byMint:        make(map[string]uuid.UUID),
		bus:           bus,
		db:            db,
		priorityQueue: make(chan domain.ExitSignal, priorityQueueSize),
		queuedIDs:     make(map[uuid.UUID]bool),
	}
}

// sumOpenEntryBase totals entry_amount_base across every open or
// pending-exit position belonging to strategyID. Caller must hold m.mu.
func (m *Manager) sumOpenEntryBase(strategyID uuid.UUID) float64 {
	var total float64
	for _, pos := range m.byID {
		if pos.StrategyID == strategyID && (pos.Status == domain.PositionOpen || pos.Status == domain.PositionPendingExit) {
			total += pos.EntryAmountBase
		}
	}
	return total
}

// Open creates a new OpenPosition and registers it as the live position for
// its mint. Invariant 1: a strategy's open positions never carry more than
// MaxPositionBase of total entry_amount_base.
func (m *Manager) Open(p OpenParams) (*domain.OpenPosition, error) {
	if p.TokenMint == "" {
		return nil, txerrors.Validationf("cannot open a position with an empty token mint")
	}

	if p.MaxPositionBase > 0 && p.StrategyID != uuid.Nil {
		m.mu.RLock()
		existing := m.sumOpenEntryBase(p.StrategyID)
		m.mu.RUnlock()
		if existing+p.EntryAmountBase > p.MaxPositionBase {
			return nil, txerrors.Validationf("strategy %s at max_position_base: %.4f + %.4f exceeds cap %.4f",
				p.StrategyID, existing, p.EntryAmountBase, p.MaxPositionBase)
		}
	}

	pos := &domain.OpenPosition{
		ID:                   uuid.New(),
		EdgeID:               p.EdgeID,
		StrategyID:           p.StrategyID,
		TokenMint:            p.TokenMint,
		TokenSymbol:          p.TokenSymbol,
		EntryAmountBase:      p.EntryAmountBase,
		EntryTokenAmount:     p.EntryTokenAmount,
		EntryPrice:           p.EntryPrice,
		CurrentPrice:         p.EntryPrice,
		RemainingAmountBase:  p.EntryAmountBase,
		RemainingTokenAmount: p.EntryTokenAmount,
		Status:               domain.PositionOpen,
		ExitConfig:           p.Config,
		OpeningTxSignature:   p.TxSignature,
		StrategyTag:          p.StrategyTag,
		OriginTag:            p.OriginTag,
		PeakPrice:            p.EntryPrice,
		OpenedAt:             time.Now(),
	}

	m.mu.Lock()
	m.byID[pos.ID] = pos
	m.byMint[pos.TokenMint] = pos.ID
	m.mu.Unlock()
	metrics.PositionsOpen.Inc()
	m.persist(pos)

	m.bus.Publish(events.New("position.opened", events.SourceManager, events.TopicPositionOpened, map[string]any{
		"position_id": pos.ID, "token_mint": pos.TokenMint,
	}))

	log.Info().Str("position_id", pos.ID.String()).Str("mint", pos.TokenMint).
		Float64("entry_price", pos.EntryPrice).Msg("position opened")

	return pos, nil
}

// persist upserts a position snapshot; a nil db (tests, or persistence
// disabled) is a silent no-op.
func (m *Manager) persist(pos *domain.OpenPosition) {
	if m.db == nil {
		return
	}
	var closedAt int64
	if pos.Status == domain.PositionClosed {
		closedAt = storage.Now()
	}
	err := m.db.UpsertPosition(storage.PositionRecord{
		ID:                   pos.ID.String(),
		EdgeID:               pos.EdgeID.String(),
		StrategyID:           pos.StrategyID.String(),
		TokenMint:            pos.TokenMint,
		TokenSymbol:          pos.TokenSymbol,
		EntryAmountBase:      pos.EntryAmountBase,
		EntryTokenAmount:     pos.EntryTokenAmount,
		EntryPrice:           pos.EntryPrice,
		RemainingAmountBase:  pos.RemainingAmountBase,
		RemainingTokenAmount: pos.RemainingTokenAmount,
		Status:               string(pos.Status),
		OpeningTxSignature:   pos.OpeningTxSignature,
		StrategyTag:          pos.StrategyTag,
		OriginTag:            pos.OriginTag,
		OpenedAt:             pos.OpenedAt.Unix(),
		ClosedAt:             closedAt,
	})
	if err != nil {
		log.Warn().Err(err).Str("position_id", pos.ID.String()).Msg("failed to persist position snapshot")
	}
}

// UpdatePrice folds a new price tick into a position's momentum tracker,
// peak price and unrealized PnL, then evaluates the exit rule ladder,
// returning an ExitSignal if any rule fired.
func (m *Manager) UpdatePrice(positionID uuid.UUID, price float64, at time.Time) (*domain.ExitSignal, error) {
	m.mu.Lock()
	pos, ok := m.byID[positionID]
	if !ok || pos.Status != domain.PositionOpen {
		m.mu.Unlock()
		return nil, txerrors.NotFoundf("position %s is not open", positionID)
	}

	pos.CurrentPrice = price
	if price > pos.PeakPrice {
		pos.PeakPrice = price
	}
	if pos.EntryPrice > 0 {
		pos.UnrealizedPnLPercent = (price - pos.EntryPrice) / pos.EntryPrice * 100
	}
	pos.Momentum.Update(price, at)

	signal := evaluateExitRules(pos, at)
	snapshot := *pos
	m.mu.Unlock()

	if signal != nil {
		m.bus.Publish(events.New("position.exit_signal", events.SourceManager, events.TopicPositionExitSignal, map[string]any{
			"position_id": snapshot.ID, "reason": signal.Reason, "urgency": signal.Urgency,
		}))
	}
	return signal, nil
}

// evaluateExitRules applies the fixed priority order: hard stop-loss,
// momentum reversal, trailing stop, laddered take-profit, time-based
// forced exit. Only the highest-priority fired rule is returned;
// callers re-evaluate on the next tick for anything that rule didn't cover.
func evaluateExitRules(pos *domain.OpenPosition, at time.Time) *domain.ExitSignal {
	cfg := pos.ExitConfig

	if cfg.HardStopLossPercent > 0 && pos.UnrealizedPnLPercent <= -cfg.HardStopLossPercent {
		return &domain.ExitSignal{
			PositionID: pos.ID, Reason: domain.ReasonStopLoss, ExitPercent: 100,
			CurrentPrice: pos.CurrentPrice, TriggeredAt: at, Urgency: domain.UrgencyCritical,
		}
	}

	if pos.UnrealizedPnLPercent > cfg.MomentumProfitFloor && pos.Momentum.NegativeForNTicks() {
		return &domain.ExitSignal{
			PositionID: pos.ID, Reason: domain.ReasonMomentumReversal, ExitPercent: 100,
			CurrentPrice: pos.CurrentPrice, TriggeredAt: at, Urgency: domain.UrgencyHigh,
		}
	}

	if cfg.TrailingStopPercent > 0 && pos.PeakPrice > 0 {
		dropFromPeak := (pos.PeakPrice - pos.CurrentPrice) / pos.PeakPrice * 100
		if dropFromPeak >= cfg.TrailingStopPercent && pos.UnrealizedPnLPercent > 0 {
			return &domain.ExitSignal{
				PositionID: pos.ID, Reason: domain.ReasonTrailingStop, ExitPercent: 100,
				CurrentPrice: pos.CurrentPrice, TriggeredAt: at, Urgency: domain.UrgencyHigh,
			}
		}
	}

	for i := range cfg.Tiers {
		tier := &cfg.Tiers[i]
		if !tier.Fired && pos.UnrealizedPnLPercent >= tier.TriggerPercent {
			tier.Fired = true
			return &domain.ExitSignal{
				PositionID: pos.ID, Reason: domain.ReasonTakeProfit, ExitPercent: tier.ExitPercent,
				CurrentPrice: pos.CurrentPrice, TriggeredAt: at, Urgency: domain.UrgencyNormal,
			}
		}
	}

	if cfg.MaxLifetime > 0 && at.Sub(pos.OpenedAt) >= cfg.MaxLifetime {
		return &domain.ExitSignal{
			PositionID: pos.ID, Reason: domain.ReasonTimeOut, ExitPercent: 100,
			CurrentPrice: pos.CurrentPrice, TriggeredAt: at, Urgency: domain.UrgencyNormal,
		}
	}

	return nil
}

// RecordPartialExit reduces a position's remaining size after a landed
// exit transaction. A remaining balance at or below the position's dust
// threshold auto-closes the position rather than leaving an unsellable
// dust position open forever.
func (m *Manager) RecordPartialExit(positionID uuid.UUID, reason string, exitPercent, exitedBase, exitedTokens float64) error {
	m.mu.Lock()
	pos, ok := m.byID[positionID]
	if !ok {
		m.mu.Unlock()
		return txerrors.NotFoundf("position %s not found", positionID)
	}

	pos.RemainingAmountBase -= exitedBase
	pos.RemainingTokenAmount -= exitedTokens
	if pos.RemainingAmountBase < 0 {
		pos.RemainingAmountBase = 0
	}
	if pos.RemainingTokenAmount < 0 {
		pos.RemainingTokenAmount = 0
	}

	dustedOut := pos.RemainingAmountBase <= pos.ExitConfig.DustThresholdBase
	if dustedOut {
		pos.Status = domain.PositionClosed
		delete(m.byMint, pos.TokenMint)
	} else {
		pos.Status = domain.PositionOpen
	}
	snapshot := *pos
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.InsertPartialExit(storage.PartialExitRecord{
			PositionID:  snapshot.ID.String(),
			Reason:      reason,
			ExitPercent: exitPercent,
			ExitedBase:  exitedBase,
		}); err != nil {
			log.Warn().Err(err).Str("position_id", snapshot.ID.String()).Msg("failed to persist partial exit")
		}
	}
	m.persist(&snapshot)

	if dustedOut {
		metrics.PositionsOpen.Dec()
		m.bus.Publish(events.New("position.closed", events.SourceManager, events.TopicPositionClosed, map[string]any{
			"position_id": snapshot.ID, "reason": "dust",
		}))
	}
	return nil
}

// Close marks a position fully closed, e.g. after a full exit lands or an
// "AlreadySold" zero-balance discovery.
func (m *Manager) Close(positionID uuid.UUID, reason string) error {
	m.mu.Lock()
	pos, ok := m.byID[positionID]
	if !ok {
		m.mu.Unlock()
		return txerrors.NotFoundf("position %s not found", positionID)
	}
	pos.Status = domain.PositionClosed
	pos.RemainingAmountBase = 0
	pos.RemainingTokenAmount = 0
	if m.byMint[pos.TokenMint] == positionID {
		delete(m.byMint, pos.TokenMint)
	}
	snapshot := *pos
	m.mu.Unlock()

	metrics.PositionsOpen.Dec()
	m.persist(&snapshot)
	m.bus.Publish(events.New("position.closed", events.SourceManager, events.TopicPositionClosed, map[string]any{
		"position_id": positionID, "reason": reason,
	}))
	return nil
}

// ResetStatus reverts a position from PendingExit back to Open, used when a
// monitor's exit attempt fails and the position must become eligible for
// re-evaluation rather than being stuck mid-exit forever.
func (m *Manager) ResetStatus(positionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.byID[positionID]
	if !ok {
		return txerrors.NotFoundf("position %s not found", positionID)
	}
	if pos.Status == domain.PositionPendingExit {
		pos.Status = domain.PositionOpen
	}
	return nil
}

// MarkPendingExit transitions a position to PendingExit so the regular
// price-tick pass skips it while a priority exit is in flight.
func (m *Manager) MarkPendingExit(positionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.byID[positionID]
	if !ok {
		return txerrors.NotFoundf("position %s not found", positionID)
	}
	pos.Status = domain.PositionPendingExit
	return nil
}

// QueuePriorityExit enqueues an exit signal onto the MPSC queue the Monitor
// drains first on every loop iteration, deduping by position so a single
// position is never queued twice concurrently, and marks the position
// pending-exit. The queue is a buffered channel bounded at
// priorityQueueSize signals; when it is full the signal is dropped with a
// warning.
func (m *Manager) QueuePriorityExit(signal domain.ExitSignal) {
	m.priorityMu.Lock()
	if m.queuedIDs[signal.PositionID] {
		m.priorityMu.Unlock()
		return
	}
	m.queuedIDs[signal.PositionID] = true
	m.priorityMu.Unlock()

	_ = m.MarkPendingExit(signal.PositionID)

	select {
	case m.priorityQueue <- signal:
	default:
		log.Warn().Str("position_id", signal.PositionID.String()).Msg("priority exit queue full, dropping signal")
		m.priorityMu.Lock()
		delete(m.queuedIDs, signal.PositionID)
		m.priorityMu.Unlock()
	}
}

// DrainPriorityExits pulls every currently queued signal without blocking.
func (m *Manager) DrainPriorityExits() []domain.ExitSignal {
	var out []domain.ExitSignal
	for {
		select {
		case sig := <-m.priorityQueue:
			m.priorityMu.Lock()
			delete(m.queuedIDs, sig.PositionID)
			m.priorityMu.Unlock()
			out = append(out, sig)
		default:
			return out
		}
	}
}

func (m *Manager) GetOpenPositionForMint(mint string) (*domain.OpenPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byMint[mint]
	if !ok {
		return nil, false
	}
	pos, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	snapshot := *pos
	return &snapshot, true
}

func (m *Manager) GetPosition(id uuid.UUID) (*domain.OpenPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	snapshot := *pos
	return &snapshot, true
}

func (m *Manager) GetOpenPositions() []domain.OpenPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.OpenPosition, 0, len(m.byID))
	for _, pos := range m.byID {
		if pos.Status == domain.PositionOpen || pos.Status == domain.PositionPendingExit {
			out = append(out, *pos)
		}
	}
	return out
}

func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, pos := range m.byID {
		if pos.Status == domain.PositionOpen || pos.Status == domain.PositionPendingExit {
			stats.OpenCount++
			stats.TotalBaseAtRisk += pos.RemainingAmountBase
		}
	}
	return stats
}
