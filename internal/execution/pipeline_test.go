package execution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/events"
	"solfarm-engine/internal/position"
	"solfarm-engine/internal/relayer"
	"solfarm-engine/internal/risk"
	"solfarm-engine/internal/simulate"
	"solfarm-engine/internal/venue"
	"solfarm-engine/internal/walletsigner"
)

func TestTipClampsToMinAndMax(t *testing.T) {
	if got := Tip(-500, 0.1, 1000, 100000); got != 1000 {
		t.Fatalf("expected tip_min for negative profit, got %d", got)
	}
	if got := Tip(10_000_000, 0.1, 1000, 100000); got != 100000 {
		t.Fatalf("expected tip_max for huge profit, got %d", got)
	}
	if got := Tip(10_000, 0.5, 1000, 100000); got != 5000 {
		t.Fatalf("expected floor(0.5*10000)=5000, got %d", got)
	}
}

func TestDetermineModeFullyAtomicGuaranteedIsAutonomous(t *testing.T) {
	edge := domain.Edge{Atomicity: domain.FullyAtomic, SimulatedProfitGuaranteed: true}
	strategy := domain.Strategy{Mode: domain.ModeAgentDirected}
	cfg := DefaultConfig()
	cfg.AutoExecuteAtomic = true

	if got := determineMode(edge, strategy, cfg); got != domain.ModeAutonomous {
		t.Fatalf("expected Autonomous for fully-atomic guaranteed edge, got %v", got)
	}
}

func TestDetermineModeUnrecognizedStringFallsBackAgentDirected(t *testing.T) {
	edge := domain.Edge{Atomicity: domain.PartiallyAtomic}
	strategy := domain.Strategy{Mode: "some_future_mode", Risk: domain.RiskParams{MaxRiskScore: 50}}
	if got := determineMode(edge, strategy, DefaultConfig()); got != domain.ModeAgentDirected {
		t.Fatalf("expected AgentDirected fallback for unrecognized mode, got %v", got)
	}
}

type fakeAdapter struct{}

func (fakeAdapter) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64) (venue.Quote, error) {
	return venue.Quote{}, nil
}
func (fakeAdapter) BuildSwap(ctx context.Context, edge domain.Edge, userWallet string, slippageBps int) (venue.BuildResult, error) {
	return venue.BuildResult{TransactionB64: "dGVzdA==", Route: venue.RouteInfo{InAmount: 1_000_000_000, OutAmount: 1_100_000_000}, PriorityFee: 5000}, nil
}
func (fakeAdapter) BuildExit(ctx context.Context, params venue.ExitParams) (venue.BuildResult, error) {
	return venue.BuildResult{}, nil
}
func (fakeAdapter) BuildCurveBuy(ctx context.Context, params venue.CurveBuyParams) (venue.CurveBuildResult, error) {
	return venue.CurveBuildResult{}, nil
}
func (fakeAdapter) BuildCurveSell(ctx context.Context, params venue.CurveSellParams) (venue.CurveBuildResult, error) {
	return venue.CurveBuildResult{}, nil
}
func (fakeAdapter) GetCurveState(ctx context.Context, mint string) (venue.CurveState, error) {
	return venue.CurveState{IsComplete: true}, nil
}
func (fakeAdapter) GetActualTokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	return 0, nil
}
func (fakeAdapter) GetMultipleTokenPrices(ctx context.Context, mints []string, base domain.BaseCurrency) (map[string]float64, error) {
	return map[string]float64{}, nil
}

type fakeSigner struct{}

func (fakeSigner) SignTransaction(ctx context.Context, req walletsigner.SignRequest) (walletsigner.SignResult, error) {
	return walletsigner.SignResult{Success: true, SignedTransactionB64: req.TransactionB64, Signature: "sig-abc"}, nil
}
func (fakeSigner) GetStatus(ctx context.Context) walletsigner.WalletStatus {
	addr := "wallet-abc"
	return walletsigner.WalletStatus{WalletAddress: &addr}
}
func (fakeSigner) IsConfigured() bool { return true }

type fakeRelayer struct{ status relayer.BundleState }

func (r fakeRelayer) SendBundle(ctx context.Context, txBase58 []string, tipLamports uint64) (string, error) {
	return "bundle-xyz", nil
}
func (r fakeRelayer) WaitForBundle(ctx context.Context, bundleID string, timeout time.Duration) (relayer.BundleStatus, error) {
	return relayer.BundleStatus{Status: r.status, LandedSlot: 7}, nil
}

func newTestPipeline(t *testing.T, relayStatus relayer.BundleState) *Pipeline {
	t.Helper()
	bus := events.NewBus()
	posMgr := position.NewManager(bus, nil)
	adapter := fakeAdapter{}
	sim := simulate.New(adapter)
	riskMgr := risk.NewManager()
	return New(DefaultConfig(), adapter, sim, riskMgr, fakeSigner{}, fakeRelayer{status: relayStatus}, posMgr, bus)
}

func TestExecuteAutoLandsAndOpensPosition(t *testing.T) {
	p := newTestPipeline(t, relayer.BundleLanded)
	edge := domain.Edge{
		ID: uuid.New(), TokenMint: "MintABC", Atomicity: domain.FullyAtomic,
		SimulatedProfitGuaranteed: true, EstimatedProfitLamports: 100_000, RiskScore: 10,
	}
	strategy := domain.Strategy{ID: uuid.New(), Mode: domain.ModeAutonomous, Risk: domain.RiskParams{MaxRiskScore: 80}, TipAlpha: 0.1}

	result := p.ExecuteAuto(context.Background(), edge, strategy, 100)
	if !result.Success {
		t.Fatalf("expected successful execution, got %+v", result)
	}
	if status, ok := p.GetStatus(edge.ID); !ok || status != domain.StatusCompleted {
		t.Fatalf("expected Completed status, got %v ok=%v", status, ok)
	}
}

func TestExecuteAutoRiskCheckBlocksOverscoredEdge(t *testing.T) {
	p := newTestPipeline(t, relayer.BundleLanded)
	edge := domain.Edge{
		ID: uuid.New(), TokenMint: "MintRisky", Atomicity: domain.FullyAtomic,
		SimulatedProfitGuaranteed: true, EstimatedProfitLamports: 100_000, RiskScore: 95,
	}
	strategy := domain.Strategy{ID: uuid.New(), Mode: domain.ModeAutonomous, Risk: domain.RiskParams{MaxRiskScore: 50}, TipAlpha: 0.1}

	result := p.ExecuteAuto(context.Background(), edge, strategy, 100)
	if result.Success {
		t.Fatalf("expected risk check to block execution, got %+v", result)
	}
	if status, _ := p.GetStatus(edge.ID); status != domain.StatusFailed {
		t.Fatalf("expected Failed status after risk block, got %v", status)
	}
}

func TestAgentDirectedEdgeAwaitsApprovalThenApproves(t *testing.T) {
	p := newTestPipeline(t, relayer.BundleLanded)
	edge := domain.Edge{
		ID: uuid.New(), TokenMint: "MintAD", Atomicity: domain.PartiallyAtomic,
		EstimatedProfitLamports: 1000, RiskScore: 10,
	}
	strategy := domain.Strategy{ID: uuid.New(), Mode: "some_other_mode", Risk: domain.RiskParams{MaxRiskScore: 80}, TipAlpha: 0.1}

	result := p.ExecuteAuto(context.Background(), edge, strategy, 100)
	if result.Success {
		t.Fatalf("expected awaiting-approval result, got success")
	}
	status, ok := p.GetStatus(edge.ID)
	if !ok || status != domain.StatusAwaitingApproval {
		t.Fatalf("expected AwaitingApproval, got %v ok=%v", status, ok)
	}

	if err := p.Approve(edge.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	status, _ = p.GetStatus(edge.ID)
	if status != domain.StatusPending {
		t.Fatalf("expected Pending after approve, got %v", status)
	}

	// Re-approving a non-awaiting edge is an error.
	if err := p.Approve(edge.ID); err == nil {
		t.Fatal("expected error re-approving an edge no longer awaiting approval")
	}
}

func TestRejectTransitionsToRejected(t *testing.T) {
	p := newTestPipeline(t, relayer.BundleLanded)
	edge := domain.Edge{ID: uuid.New(), TokenMint: "MintRej", RiskScore: 10}
	strategy := domain.Strategy{ID: uuid.New(), Mode: "unknown", Risk: domain.RiskParams{MaxRiskScore: 80}}

	p.ExecuteAuto(context.Background(), edge, strategy, 100)

	if err := p.Reject(edge.ID, "operator declined"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	status, _ := p.GetStatus(edge.ID)
	if status != domain.StatusRejected {
		t.Fatalf("expected Rejected, got %v", status)
	}
}
