package copytrade

import (
	"context"
	"testing"
	"time"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/events"
	"solfarm-engine/internal/position"
	"solfarm-engine/internal/relayer"
	"solfarm-engine/internal/venue"
	"solfarm-engine/internal/walletsigner"
)

type fakeAdapter struct {
	balance uint64
}

func (f *fakeAdapter) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64) (venue.Quote, error) {
	return venue.Quote{}, nil
}
func (f *fakeAdapter) BuildSwap(ctx context.Context, edge domain.Edge, userWallet string, slippageBps int) (venue.BuildResult, error) {
	return venue.BuildResult{TransactionB64: "dGVzdA=="}, nil
}
func (f *fakeAdapter) BuildExit(ctx context.Context, params venue.ExitParams) (venue.BuildResult, error) {
	return venue.BuildResult{TransactionB64: "dGVzdA=="}, nil
}
func (f *fakeAdapter) BuildCurveBuy(ctx context.Context, params venue.CurveBuyParams) (venue.CurveBuildResult, error) {
	return venue.CurveBuildResult{TransactionB64: "dGVzdA==", ExpectedTokensOut: 1000}, nil
}
func (f *fakeAdapter) BuildCurveSell(ctx context.Context, params venue.CurveSellParams) (venue.CurveBuildResult, error) {
	return venue.CurveBuildResult{TransactionB64: "dGVzdA=="}, nil
}
func (f *fakeAdapter) GetCurveState(ctx context.Context, mint string) (venue.CurveState, error) {
	return venue.CurveState{}, nil
}
func (f *fakeAdapter) GetActualTokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	return f.balance, nil
}
func (f *fakeAdapter) GetMultipleTokenPrices(ctx context.Context, mints []string, base domain.BaseCurrency) (map[string]float64, error) {
	return map[string]float64{}, nil
}

type fakeSigner struct{}

func (fakeSigner) SignTransaction(ctx context.Context, req walletsigner.SignRequest) (walletsigner.SignResult, error) {
	return walletsigner.SignResult{Success: true, SignedTransactionB64: req.TransactionB64, Signature: "sig"}, nil
}
func (fakeSigner) GetStatus(ctx context.Context) walletsigner.WalletStatus {
	addr := "wallet-copy"
	return walletsigner.WalletStatus{WalletAddress: &addr}
}
func (fakeSigner) IsConfigured() bool { return true }

type fakeRelayer struct{}

func (fakeRelayer) SendBundle(ctx context.Context, txBase58 []string, tipLamports uint64) (string, error) {
	return "bundle-copy", nil
}
func (fakeRelayer) WaitForBundle(ctx context.Context, bundleID string, timeout time.Duration) (relayer.BundleStatus, error) {
	return relayer.BundleStatus{Status: relayer.BundleLanded}, nil
}

func newTestExecutor(cfg Config) (*Executor, *position.Manager, *fakeAdapter) {
	bus := events.NewBus()
	posMgr := position.NewManager(bus, nil)
	adapter := &fakeAdapter{}
	return New(cfg, posMgr, adapter, fakeSigner{}, fakeRelayer{}, bus, nil), posMgr, adapter
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.CopyDelay = 0
	cfg.SellPollInterval = time.Millisecond
	cfg.SellPollTimeout = 5 * time.Millisecond
	return cfg
}

func TestExecuteCopyRejectsBelowTrustScore(t *testing.T) {
	e, _, _ := newTestExecutor(fastConfig())
	result := e.ExecuteCopy(context.Background(), KolTrade{
		KolID: "kol1", TokenMint: "MintA", Type: TradeBuy, AmountBase: 1, TrustScore: 10,
	})
	if result.Success {
		t.Fatal("expected low trust score to reject the copy")
	}
}

func TestExecuteCopyBuyOpensPositionAndLinks(t *testing.T) {
	e, posMgr, _ := newTestExecutor(fastConfig())
	result := e.ExecuteCopy(context.Background(), KolTrade{
		KolID: "kol1", KolTradeID: "trade-1", TokenMint: "MintA", Type: TradeBuy, AmountBase: 1, TrustScore: 90,
	})
	if !result.Success || result.PositionID == nil {
		t.Fatalf("expected successful copy buy with a position, got %+v", result)
	}

	open := posMgr.GetOpenPositions()
	if len(open) != 1 || open[0].OriginTag != "kol:kol1" {
		t.Fatalf("expected one position tagged kol:kol1, got %+v", open)
	}
}

func TestSizeCopyClampsToMaxPosition(t *testing.T) {
	e, _, _ := newTestExecutor(fastConfig())
	e.cfg.MaxPositionBase = 0.3
	e.cfg.DefaultCopyPercentage = 1.0
	size := e.sizeCopy(KolTrade{AmountBase: 10})
	if size != 0.3 {
		t.Fatalf("expected size clamped to max_position_base=0.3, got %v", size)
	}
}

func TestExecuteSellWithNoLinkedPositionIsNoopSuccess(t *testing.T) {
	e, _, _ := newTestExecutor(fastConfig())
	result := e.ExecuteCopy(context.Background(), KolTrade{
		KolID: "kol1", KolTradeID: "unlinked-trade", TokenMint: "MintZ", Type: TradeSell, AmountBase: 1, TrustScore: 90,
	})
	if !result.Success {
		t.Fatalf("expected no-op success for a sell with no linked position, got %+v", result)
	}
}

func TestExecuteSellFallsBackToEmergencyWhenPositionNeverCloses(t *testing.T) {
	e, posMgr, adapter := newTestExecutor(fastConfig())
	pos, err := posMgr.Open(position.OpenParams{TokenMint: "MintB", EntryAmountBase: 1, EntryPrice: 1, Config: domain.DefaultExitConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e.linkCopy("trade-sell-1", pos.ID, 1)
	adapter.balance = 500 // nonzero balance forces the emergency sell path

	result := e.ExecuteCopy(context.Background(), KolTrade{
		KolID: "kol1", KolTradeID: "trade-sell-1", TokenMint: "MintB", Type: TradeSell, AmountBase: 1, TrustScore: 90,
	})
	if !result.Success {
		t.Fatalf("expected emergency sell to succeed, got %+v", result)
	}
	got, ok := posMgr.GetPosition(pos.ID)
	if !ok || got.Status != domain.PositionClosed {
		t.Fatalf("expected position force-closed, got %+v", got)
	}
}
