// Package pumpcurve implements a venue.Adapter for pre-graduation
// bonding-curve tokens (the pump.fun style market). It follows the same
// HTTP-call-and-decode shape as a DEX aggregator client, but against the
// curve program's account state instead of an aggregator API:
// GetCurveState reads the bonding curve account directly and computes
// price as virtual_base_reserves / virtual_token_reserves, which the
// Monitor falls back to for pre-graduation price checks.
package pumpcurve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/txerrors"
	"solfarm-engine/internal/venue"
)

// Adapter talks to an RPC endpoint capable of returning bonding-curve
// account state and building curve buy/sell instructions (e.g. a Shyft- or
// Helius-style enhanced RPC).
type Adapter struct {
	rpcURL string
	client *http.Client
}

func New(rpcURL string, timeout time.Duration) *Adapter {
	return &Adapter{rpcURL: rpcURL, client: &http.Client{Timeout: timeout}}
}

type curveAccountResponse struct {
	IsComplete           bool   `json:"isComplete"`
	VirtualSolReserves   uint64 `json:"virtualSolReserves"`
	VirtualTokenReserves uint64 `json:"virtualTokenReserves"`
}

func (a *Adapter) GetCurveState(ctx context.Context, mint string) (venue.CurveState, error) {
	url := fmt.Sprintf("%s/curve/%s", a.rpcURL, mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return venue.CurveState{}, txerrors.Externalf("pumpcurve: build curve-state request: %v", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return venue.CurveState{}, txerrors.Externalf("pumpcurve: curve-state request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return venue.CurveState{}, txerrors.Externalf("pumpcurve: curve-state failed (%d)", resp.StatusCode)
	}

	var c curveAccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return venue.CurveState{}, txerrors.Externalf("pumpcurve: decode curve-state: %v", err)
	}

	return venue.CurveState{
		IsComplete:                   c.IsComplete,
		VirtualBaseReserves:          c.VirtualSolReserves,
		VirtualTokenReserves:         c.VirtualTokenReserves,
		GraduationTargetBaseReserves: graduationVirtualSolLamports,
	}, nil
}

// graduationVirtualSolLamports is the virtual SOL reserves level at which a
// pump.fun bonding curve completes and the token migrates to the DEX
// (85 SOL, expressed in lamports).
const graduationVirtualSolLamports uint64 = 85_000_000_000

type curveBuildResponse struct {
	TransactionB64     string  `json:"transactionB64"`
	ExpectedTokensOut  uint64  `json:"expectedTokensOut"`
	ExpectedSolOut     uint64  `json:"expectedSolOut"`
	PriceImpactPercent float64 `json:"priceImpactPercent"`
}

func (a *Adapter) BuildCurveBuy(ctx context.Context, params venue.CurveBuyParams) (venue.CurveBuildResult, error) {
	return a.buildCurve(ctx, "buy", map[string]any{
		"mint": params.Mint, "baseAmountLamports": params.BaseAmountLamports,
		"slippageBps": params.SlippageBps, "userWallet": params.UserWallet,
	})
}

func (a *Adapter) BuildCurveSell(ctx context.Context, params venue.CurveSellParams) (venue.CurveBuildResult, error) {
	return a.buildCurve(ctx, "sell", map[string]any{
		"mint": params.Mint, "tokenAmount": params.TokenAmount,
		"slippageBps": params.SlippageBps, "userWallet": params.UserWallet,
	})
}

func (a *Adapter) buildCurve(ctx context.Context, side string, payload map[string]any) (venue.CurveBuildResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return venue.CurveBuildResult{}, txerrors.Externalf("pumpcurve: marshal %s request: %v", side, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/curve/%s", a.rpcURL, side), bytes.NewReader(body))
	if err != nil {
		return venue.CurveBuildResult{}, txerrors.Externalf("pumpcurve: build %s request: %v", side, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return venue.CurveBuildResult{}, txerrors.Externalf("pumpcurve: %s request: %v", side, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return venue.CurveBuildResult{}, txerrors.Externalf("pumpcurve: %s build failed (%d)", side, resp.StatusCode)
	}

	var c curveBuildResponse
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return venue.CurveBuildResult{}, txerrors.Externalf("pumpcurve: decode %s response: %v", side, err)
	}

	return venue.CurveBuildResult{
		TransactionB64:     c.TransactionB64,
		ExpectedTokensOut:  c.ExpectedTokensOut,
		ExpectedBaseOut:    c.ExpectedSolOut,
		PriceImpactPercent: c.PriceImpactPercent,
	}, nil
}

func (a *Adapter) GetActualTokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	url := fmt.Sprintf("%s/balance/%s/%s", a.rpcURL, wallet, mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, txerrors.Externalf("pumpcurve: build balance request: %v", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, txerrors.Externalf("pumpcurve: balance request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, txerrors.Externalf("pumpcurve: balance failed (%d)", resp.StatusCode)
	}

	var out struct {
		Balance uint64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, txerrors.Externalf("pumpcurve: decode balance: %v", err)
	}
	return out.Balance, nil
}

func (a *Adapter) GetMultipleTokenPrices(ctx context.Context, mints []string, base domain.BaseCurrency) (map[string]float64, error) {
	prices := make(map[string]float64, len(mints))
	for _, mint := range mints {
		state, err := a.GetCurveState(ctx, mint)
		if err != nil || state.VirtualTokenReserves == 0 {
			continue
		}
		prices[mint] = state.Price()
	}
	return prices, nil
}

// BuildSwap and BuildExit are not meaningful pre-graduation and always
// return a Validation error; pre-graduation sells go through BuildCurveSell,
// and venue.Router sends graduated mints to the jupiter adapter.
func (a *Adapter) BuildSwap(ctx context.Context, edge domain.Edge, userWallet string, slippageBps int) (venue.BuildResult, error) {
	return venue.BuildResult{}, txerrors.New(txerrors.Validation, "pumpcurve adapter does not build graduated-market swaps")
}

func (a *Adapter) BuildExit(ctx context.Context, params venue.ExitParams) (venue.BuildResult, error) {
	return venue.BuildResult{}, txerrors.New(txerrors.Validation, "pumpcurve adapter does not build graduated-market exits; token has not graduated")
}
