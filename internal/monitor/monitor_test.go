package monitor

import (
	"context"
	"testing"
	"time"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/events"
	"solfarm-engine/internal/position"
	"solfarm-engine/internal/relayer"
	"solfarm-engine/internal/txerrors"
	"solfarm-engine/internal/venue"
	"solfarm-engine/internal/walletsigner"
)

func TestCalculateProfitAwareSlippageClamps(t *testing.T) {
	low := CalculateProfitAwareSlippage(0, domain.UrgencyNormal)
	if low != minSlippageBps {
		t.Fatalf("expected floor of %d at zero profit, got %d", minSlippageBps, low)
	}

	high := CalculateProfitAwareSlippage(1000, domain.UrgencyCritical)
	if high != maxSlippageBps {
		t.Fatalf("expected ceiling of %d for huge profit at critical urgency, got %d", maxSlippageBps, high)
	}
}

func TestCalculateProfitAwareSlippageUrgencyScales(t *testing.T) {
	normal := CalculateProfitAwareSlippage(20, domain.UrgencyNormal)
	critical := CalculateProfitAwareSlippage(20, domain.UrgencyCritical)
	if critical <= normal {
		t.Fatalf("expected critical urgency (%d) to widen slippage past normal (%d)", critical, normal)
	}
}

func TestCalculateAdaptiveIntervalSpeedsUpAtRisk(t *testing.T) {
	atRisk := []domain.OpenPosition{{UnrealizedPnLPercent: 15, Momentum: domain.Momentum{Velocity: -0.1}}}
	if got := calculateAdaptiveInterval(atRisk, 2*time.Second); got != time.Second {
		t.Fatalf("expected 1s interval for at-risk position, got %v", got)
	}

	calm := []domain.OpenPosition{{UnrealizedPnLPercent: 1}}
	if got := calculateAdaptiveInterval(calm, 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected default interval for calm book, got %v", got)
	}
}

// fakeAdapter implements venue.Adapter with scriptable behavior.
type fakeAdapter struct {
	curveState     venue.CurveState
	curveStateErr  error
	actualBalance  uint64
	prices         map[string]float64
	curveSellCalls int
	buildSwapCalls int
	buildExitCalls int

	// curveSellErrs, if set, is consumed one error per BuildCurveSell call
	// (nil entries succeed); once exhausted, calls succeed.
	curveSellErrs []error
}

func (f *fakeAdapter) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64) (venue.Quote, error) {
	return venue.Quote{}, nil
}
func (f *fakeAdapter) BuildSwap(ctx context.Context, edge domain.Edge, userWallet string, slippageBps int) (venue.BuildResult, error) {
	f.buildSwapCalls++
	return venue.BuildResult{TransactionB64: "dGVzdA==", Route: venue.RouteInfo{InAmount: 100, OutAmount: 110}}, nil
}
func (f *fakeAdapter) BuildExit(ctx context.Context, params venue.ExitParams) (venue.BuildResult, error) {
	f.buildExitCalls++
	return venue.BuildResult{TransactionB64: "dGVzdA==", Route: venue.RouteInfo{InAmount: 100, OutAmount: 110}}, nil
}
func (f *fakeAdapter) BuildCurveBuy(ctx context.Context, params venue.CurveBuyParams) (venue.CurveBuildResult, error) {
	return venue.CurveBuildResult{TransactionB64: "dGVzdA=="}, nil
}
func (f *fakeAdapter) BuildCurveSell(ctx context.Context, params venue.CurveSellParams) (venue.CurveBuildResult, error) {
	idx := f.curveSellCalls
	f.curveSellCalls++
	if idx < len(f.curveSellErrs) && f.curveSellErrs[idx] != nil {
		return venue.CurveBuildResult{}, f.curveSellErrs[idx]
	}
	return venue.CurveBuildResult{TransactionB64: "dGVzdA==", ExpectedBaseOut: 100}, nil
}
func (f *fakeAdapter) GetCurveState(ctx context.Context, mint string) (venue.CurveState, error) {
	return f.curveState, f.curveStateErr
}
func (f *fakeAdapter) GetActualTokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	return f.actualBalance, nil
}
func (f *fakeAdapter) GetMultipleTokenPrices(ctx context.Context, mints []string, base domain.BaseCurrency) (map[string]float64, error) {
	return f.prices, nil
}

type fakeSigner struct {
	address string
}

func (s *fakeSigner) SignTransaction(ctx context.Context, req walletsigner.SignRequest) (walletsigner.SignResult, error) {
	return walletsigner.SignResult{Success: true, SignedTransactionB64: req.TransactionB64, Signature: "sig123"}, nil
}
func (s *fakeSigner) GetStatus(ctx context.Context) walletsigner.WalletStatus {
	addr := s.address
	return walletsigner.WalletStatus{WalletAddress: &addr}
}
func (s *fakeSigner) IsConfigured() bool { return true }

type fakeRelayer struct {
	// waitStatus, when its Status is non-empty, is returned by every
	// WaitForBundle call instead of the default landed status — used to
	// simulate a bundle that times out or fails to land.
	waitStatus relayer.BundleStatus
	waitCalls  int
}

func (r *fakeRelayer) SendBundle(ctx context.Context, txBase58 []string, tipLamports uint64) (string, error) {
	return "bundle-1", nil
}
func (r *fakeRelayer) WaitForBundle(ctx context.Context, bundleID string, timeout time.Duration) (relayer.BundleStatus, error) {
	r.waitCalls++
	if r.waitStatus.Status != "" {
		return r.waitStatus, nil
	}
	return relayer.BundleStatus{Status: relayer.BundleLanded, LandedSlot: 42}, nil
}

func TestExecuteCurveExitClosesOnZeroBalance(t *testing.T) {
	bus := events.NewBus()
	posMgr := position.NewManager(bus, nil)
	pos, err := posMgr.Open(position.OpenParams{TokenMint: "MintZZZ", EntryAmountBase: 1, EntryPrice: 1, Config: domain.DefaultExitConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	adapter := &fakeAdapter{curveState: venue.CurveState{IsComplete: false}, actualBalance: 0}
	mon := New(DefaultConfig(), posMgr, adapter, &fakeSigner{address: "wallet1"}, &fakeRelayer{}, bus)

	mon.processExitSignal(context.Background(), domain.ExitSignal{
		PositionID: pos.ID, Reason: domain.ReasonManual, ExitPercent: 100, Urgency: domain.UrgencyCritical,
	})

	got, ok := posMgr.GetPosition(pos.ID)
	if !ok || got.Status != domain.PositionClosed {
		t.Fatalf("expected position closed on zero balance, got %+v", got)
	}
}

func TestExecuteDEXExitLandsAndClosesPosition(t *testing.T) {
	bus := events.NewBus()
	posMgr := position.NewManager(bus, nil)
	pos, err := posMgr.Open(position.OpenParams{TokenMint: "MintYYY", EntryAmountBase: 1, EntryTokenAmount: 1000, EntryPrice: 1, Config: domain.DefaultExitConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	adapter := &fakeAdapter{curveState: venue.CurveState{IsComplete: true}, actualBalance: 1000}
	mon := New(DefaultConfig(), posMgr, adapter, &fakeSigner{address: "wallet1"}, &fakeRelayer{}, bus)

	mon.processExitSignal(context.Background(), domain.ExitSignal{
		PositionID: pos.ID, Reason: domain.ReasonTakeProfit, ExitPercent: 100, Urgency: domain.UrgencyNormal,
	})

	if adapter.buildExitCalls != 1 {
		t.Fatalf("expected exactly one BuildExit call for a graduated-market exit, got %d", adapter.buildExitCalls)
	}
	if adapter.buildSwapCalls != 0 {
		t.Fatalf("expected BuildSwap (buy-shaped) never called for an exit, got %d calls", adapter.buildSwapCalls)
	}
	got, ok := posMgr.GetPosition(pos.ID)
	if !ok || got.Status != domain.PositionClosed {
		t.Fatalf("expected position closed after landed DEX exit, got %+v", got)
	}
}

// TestExecuteCurveExitRetriesOnSlippageThenLands covers S3: a slippage
// failure on the first BuildCurveSell attempt escalates the retry to
// emergency slippage rather than aborting, and a subsequent clean attempt
// lands the exit.
func TestExecuteCurveExitRetriesOnSlippageThenLands(t *testing.T) {
	bus := events.NewBus()
	posMgr := position.NewManager(bus, nil)
	pos, err := posMgr.Open(position.OpenParams{TokenMint: "MintS3", EntryAmountBase: 1, EntryPrice: 1, Config: domain.DefaultExitConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	adapter := &fakeAdapter{
		curveState:    venue.CurveState{IsComplete: false},
		actualBalance: 1000,
		curveSellErrs: []error{txerrors.Externalf("program error 6003: slippage tolerance exceeded"), nil},
	}
	mon := New(DefaultConfig(), posMgr, adapter, &fakeSigner{address: "wallet1"}, &fakeRelayer{}, bus)

	mon.processExitSignal(context.Background(), domain.ExitSignal{
		PositionID: pos.ID, Reason: domain.ReasonStopLoss, ExitPercent: 100, Urgency: domain.UrgencyNormal,
	})

	if adapter.curveSellCalls != 2 {
		t.Fatalf("expected one failed attempt and one retry, got %d BuildCurveSell calls", adapter.curveSellCalls)
	}
	got, ok := posMgr.GetPosition(pos.ID)
	if !ok || got.Status != domain.PositionClosed {
		t.Fatalf("expected position closed after the retried exit landed, got %+v", got)
	}
}

// TestExecuteCurveExitBundleTimeoutQueuesPriorityRetry covers S4: a bundle
// that never lands (timeout/failure, not a slippage error) aborts the
// retry loop immediately and requeues the signal for a priority retry
// rather than retrying the regular pass indefinitely.
func TestExecuteCurveExitBundleTimeoutQueuesPriorityRetry(t *testing.T) {
	bus := events.NewBus()
	posMgr := position.NewManager(bus, nil)
	pos, err := posMgr.Open(position.OpenParams{TokenMint: "MintS4", EntryAmountBase: 1, EntryPrice: 1, Config: domain.DefaultExitConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	adapter := &fakeAdapter{curveState: venue.CurveState{IsComplete: false}, actualBalance: 1000}
	relay := &fakeRelayer{waitStatus: relayer.BundleStatus{Status: relayer.BundleFailed}}
	mon := New(DefaultConfig(), posMgr, adapter, &fakeSigner{address: "wallet1"}, relay, bus)

	mon.processExitSignal(context.Background(), domain.ExitSignal{
		PositionID: pos.ID, Reason: domain.ReasonStopLoss, ExitPercent: 100, Urgency: domain.UrgencyNormal,
	})

	if adapter.curveSellCalls != 1 {
		t.Fatalf("expected the retry loop to abort after the first non-slippage failure, got %d attempts", adapter.curveSellCalls)
	}
	got, ok := posMgr.GetPosition(pos.ID)
	if !ok || got.Status != domain.PositionOpen {
		t.Fatalf("expected position to remain open pending priority retry, got %+v", got)
	}
	drained := posMgr.DrainPriorityExits()
	if len(drained) != 1 || drained[0].PositionID != pos.ID {
		t.Fatalf("expected the failed exit requeued onto the priority queue, got %+v", drained)
	}
}
