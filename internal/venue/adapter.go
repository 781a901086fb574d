// Package venue defines the Venue Adapter contract the Execution Pipeline
// and Position Monitor consume: quoting, building swaps/curve transactions,
// reading curve state and on-chain balances, and bulk price lookups. Concrete
// adapters (jupiter for graduated DEX markets, pumpcurve for pre-graduation
// bonding curves) live in sibling packages.
package venue

import (
	"context"

	"solfarm-engine/internal/domain"
)

// Quote describes a prospective swap.
type Quote struct {
	InputMint      string
	OutputMint     string
	InputAmount    uint64
	OutputAmount   uint64
	PriceImpactBps int
	RoutePlan      string
	ExpiresAt      int64
}

// RouteInfo carries the resolved amounts a BuildResult will actually move;
// entry_amount_base is derived from it as in_amount/1e9.
type RouteInfo struct {
	InputMint  string
	OutputMint string
	InAmount   uint64
	OutAmount  uint64
}

// BuildResult is the output of building a standard (graduated-market) swap.
type BuildResult struct {
	TransactionB64 string
	Route          RouteInfo
	PriorityFee    uint64
	ComputeUnits   uint32
}

// CurveBuildResult is the output of building a bonding-curve buy or sell.
type CurveBuildResult struct {
	TransactionB64       string
	ExpectedTokensOut    uint64
	ExpectedBaseOut      uint64
	PriceImpactPercent   float64
	FeeLamports          uint64
	ComputeUnits         uint32
}

// CurveState reports a bonding curve's reserves and completion status.
// GraduationTargetBaseReserves is the reserve level at which the curve
// migrates to a DEX pool; zero when the adapter doesn't know it, in which
// case GraduationProgress reports 0 rather than dividing by zero.
type CurveState struct {
	IsComplete                   bool
	VirtualBaseReserves          uint64
	VirtualTokenReserves         uint64
	GraduationTargetBaseReserves uint64
}

// Price is the curve's current base-per-token price, derived from the
// virtual reserve ratio.
func (s CurveState) Price() float64 {
	if s.VirtualTokenReserves == 0 {
		return 0
	}
	return float64(s.VirtualBaseReserves) / float64(s.VirtualTokenReserves)
}

// GraduationProgress approximates how far along the curve is to graduation,
// as a fraction of GraduationTargetBaseReserves (0 when the target is
// unknown, 1 once reserves have reached or passed it).
func (s CurveState) GraduationProgress() float64 {
	if s.IsComplete {
		return 1
	}
	if s.GraduationTargetBaseReserves == 0 {
		return 0
	}
	progress := float64(s.VirtualBaseReserves) / float64(s.GraduationTargetBaseReserves)
	if progress > 1 {
		progress = 1
	}
	return progress
}

// CurveBuyParams parameterizes a bonding-curve buy.
type CurveBuyParams struct {
	Mint             string
	BaseAmountLamports uint64
	SlippageBps      int
	UserWallet       string
}

// CurveSellParams parameterizes a bonding-curve sell.
type CurveSellParams struct {
	Mint        string
	TokenAmount uint64
	SlippageBps int
	UserWallet  string
}

// ExitParams parameterizes a graduated-market exit: a sell of TokenAmount
// units of Mint back into the base currency. This is the sell-direction
// counterpart to BuildSwap, which only ever builds a base-currency buy.
type ExitParams struct {
	Mint        string
	TokenAmount uint64
	SlippageBps int
	UserWallet  string
}

// Adapter is the capability set the engine consumes from any venue. A
// closed set of concrete adapters is preferred over runtime type-switching;
// callers hold an Adapter interface value and never need to downcast.
type Adapter interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64) (Quote, error)
	BuildSwap(ctx context.Context, edge domain.Edge, userWallet string, slippageBps int) (BuildResult, error)
	BuildExit(ctx context.Context, params ExitParams) (BuildResult, error)
	BuildCurveBuy(ctx context.Context, params CurveBuyParams) (CurveBuildResult, error)
	BuildCurveSell(ctx context.Context, params CurveSellParams) (CurveBuildResult, error)
	GetCurveState(ctx context.Context, mint string) (CurveState, error)
	GetActualTokenBalance(ctx context.Context, wallet, mint string) (uint64, error)
	GetMultipleTokenPrices(ctx context.Context, mints []string, base domain.BaseCurrency) (map[string]float64, error)
}
