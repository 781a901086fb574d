package venue

import (
	"context"
	"sync"
	"time"

	"solfarm-engine/internal/domain"
)

// Router dispatches each call to the pumpcurve adapter while a mint's
// bonding curve is still open, and to the DEX adapter once it has
// graduated. Graduation is sticky: once a mint is observed complete it
// never routes back to the curve adapter, mirroring the one-way curve ->
// AMM migration on pump.fun-style launchpads.
type Router struct {
	curve Adapter
	dex   Adapter

	mu         sync.RWMutex
	graduated  map[string]bool
	cacheTTL   time.Duration
	lastLookup map[string]time.Time
}

// NewRouter builds a Router over a pre-graduation curve adapter and a
// post-graduation DEX adapter. cacheTTL bounds how often the graduation
// check re-queries the curve adapter for a mint already seen this run.
func NewRouter(curve, dex Adapter, cacheTTL time.Duration) *Router {
	return &Router{
		curve:      curve,
		dex:        dex,
		graduated:  make(map[string]bool),
		cacheTTL:   cacheTTL,
		lastLookup: make(map[string]time.Time),
	}
}

func (r *Router) resolve(ctx context.Context, mint string) Adapter {
	r.mu.RLock()
	graduated := r.graduated[mint]
	fresh := time.Since(r.lastLookup[mint]) < r.cacheTTL
	r.mu.RUnlock()

	if graduated {
		return r.dex
	}
	if fresh {
		return r.curve
	}

	state, err := r.curve.GetCurveState(ctx, mint)
	r.mu.Lock()
	r.lastLookup[mint] = time.Now()
	if err == nil && state.IsComplete {
		r.graduated[mint] = true
	}
	adapter := r.curve
	if r.graduated[mint] {
		adapter = r.dex
	}
	r.mu.Unlock()
	return adapter
}

func (r *Router) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64) (Quote, error) {
	return r.resolve(ctx, outputMint).GetQuote(ctx, inputMint, outputMint, amount)
}

func (r *Router) BuildSwap(ctx context.Context, edge domain.Edge, userWallet string, slippageBps int) (BuildResult, error) {
	return r.resolve(ctx, edge.TokenMint).BuildSwap(ctx, edge, userWallet, slippageBps)
}

func (r *Router) BuildExit(ctx context.Context, params ExitParams) (BuildResult, error) {
	return r.resolve(ctx, params.Mint).BuildExit(ctx, params)
}

func (r *Router) BuildCurveBuy(ctx context.Context, params CurveBuyParams) (CurveBuildResult, error) {
	return r.resolve(ctx, params.Mint).BuildCurveBuy(ctx, params)
}

func (r *Router) BuildCurveSell(ctx context.Context, params CurveSellParams) (CurveBuildResult, error) {
	return r.resolve(ctx, params.Mint).BuildCurveSell(ctx, params)
}

func (r *Router) GetCurveState(ctx context.Context, mint string) (CurveState, error) {
	return r.resolve(ctx, mint).GetCurveState(ctx, mint)
}

func (r *Router) GetActualTokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	return r.resolve(ctx, mint).GetActualTokenBalance(ctx, wallet, mint)
}

func (r *Router) GetMultipleTokenPrices(ctx context.Context, mints []string, base domain.BaseCurrency) (map[string]float64, error) {
	curveMints := make([]string, 0, len(mints))
	dexMints := make([]string, 0, len(mints))
	for _, m := range mints {
		if r.resolve(ctx, m) == r.dex {
			dexMints = append(dexMints, m)
		} else {
			curveMints = append(curveMints, m)
		}
	}

	out := make(map[string]float64, len(mints))
	if len(curveMints) > 0 {
		prices, err := r.curve.GetMultipleTokenPrices(ctx, curveMints, base)
		if err == nil {
			for k, v := range prices {
				out[k] = v
			}
		}
	}
	if len(dexMints) > 0 {
		prices, err := r.dex.GetMultipleTokenPrices(ctx, dexMints, base)
		if err == nil {
			for k, v := range prices {
				out[k] = v
			}
		}
	}
	return out, nil
}

var _ Adapter = (*Router)(nil)
