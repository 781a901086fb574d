// Package jupiter adapts the Jupiter Metis swap aggregator into a
// venue.Adapter for graduated (post-bonding-curve) markets. An HTTP/2
// connection pool round-robins across a fixed set of API keys; the
// request/response surface is shaped around the venue.Adapter contract.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/txerrors"
	"solfarm-engine/internal/venue"
)

const MetisSwapURL = "https://api.jup.ag/swap/v1"

// SOLMint is the wrapped-SOL mint used as the base currency on Jupiter.
const SOLMint = "So11111111111111111111111111111111111111112"

// HTTPClientPool provides HTTP/2 connection pooling, round-robin across a
// fixed set of *http.Client.
type HTTPClientPool struct {
	clients []*http.Client
	idx     atomic.Uint32
}

func NewHTTPClientPool(size int, timeout time.Duration) *HTTPClientPool {
	pool := &HTTPClientPool{clients: make([]*http.Client, size)}
	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		_ = http2.ConfigureTransport(transport)
		pool.clients[i] = &http.Client{Transport: transport, Timeout: timeout}
	}
	log.Info().Int("poolSize", size).Msg("jupiter HTTP/2 client pool initialized")
	return pool
}

func (p *HTTPClientPool) Get() *http.Client {
	idx := p.idx.Add(1)
	return p.clients[idx%uint32(len(p.clients))]
}

// Adapter implements venue.Adapter against the Jupiter Metis API.
type Adapter struct {
	baseURL     string
	pool        *HTTPClientPool
	apiKeys     []string
	keyIdx      atomic.Uint32
	maxLamports uint64
}

func New(apiKeys []string, timeout time.Duration) *Adapter {
	if len(apiKeys) == 0 {
		if envKeys := os.Getenv("JUPITER_API_KEYS"); envKeys != "" {
			apiKeys = strings.Split(envKeys, ",")
		} else {
			apiKeys = []string{"public-key"}
		}
	}
	return &Adapter{
		baseURL:     MetisSwapURL,
		pool:        NewHTTPClientPool(4, timeout),
		apiKeys:     apiKeys,
		maxLamports: 1_250_000,
	}
}

func (a *Adapter) getAPIKey() string {
	idx := a.keyIdx.Add(1) % uint32(len(a.apiKeys))
	return a.apiKeys[idx]
}

type quoteResponse struct {
	InputMint      string          `json:"inputMint"`
	InAmount       string          `json:"inAmount"`
	OutputMint     string          `json:"outputMint"`
	OutAmount      string          `json:"outAmount"`
	PriceImpactPct string          `json:"priceImpactPct"`
	RoutePlan      []routePlanStep `json:"routePlan"`
}

type routePlanStep struct {
	SwapInfo struct {
		Label string `json:"label"`
	} `json:"swapInfo"`
}

type swapResponse struct {
	SwapTransaction           string `json:"swapTransaction"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
}

func (a *Adapter) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64) (venue.Quote, error) {
	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=500", a.baseURL, inputMint, outputMint, amount)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return venue.Quote{}, txerrors.Externalf("jupiter: build quote request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", a.getAPIKey())

	resp, err := a.pool.Get().Do(req)
	if err != nil {
		return venue.Quote{}, txerrors.Externalf("jupiter: quote request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return venue.Quote{}, txerrors.Externalf("jupiter: quote failed (%d): %s", resp.StatusCode, string(body))
	}

	var q quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return venue.Quote{}, txerrors.Externalf("jupiter: decode quote: %v", err)
	}

	out, _ := strconv.ParseUint(q.OutAmount, 10, 64)
	in, _ := strconv.ParseUint(q.InAmount, 10, 64)
	route := ""
	if len(q.RoutePlan) > 0 {
		route = q.RoutePlan[0].SwapInfo.Label
	}

	return venue.Quote{
		InputMint:    q.InputMint,
		OutputMint:   q.OutputMint,
		InputAmount:  in,
		OutputAmount: out,
		RoutePlan:    route,
	}, nil
}

func (a *Adapter) BuildSwap(ctx context.Context, edge domain.Edge, userWallet string, slippageBps int) (venue.BuildResult, error) {
	solAmount := uint64(edge.EstimatedProfitLamports)
	quote, err := a.GetQuote(ctx, SOLMint, edge.TokenMint, solAmount)
	if err != nil {
		return venue.BuildResult{}, err
	}
	return a.buildFromQuote(ctx, quote, userWallet, slippageBps)
}

// BuildExit quotes a sell of TokenAmount units of params.Mint back into SOL
// and builds the corresponding swap, the reverse direction of BuildSwap.
// This is what the Position Monitor calls to exit a graduated position,
// since BuildSwap only ever quotes SOL -> mint.
func (a *Adapter) BuildExit(ctx context.Context, params venue.ExitParams) (venue.BuildResult, error) {
	quote, err := a.GetQuote(ctx, params.Mint, SOLMint, params.TokenAmount)
	if err != nil {
		return venue.BuildResult{}, err
	}
	return a.buildFromQuote(ctx, quote, params.UserWallet, params.SlippageBps)
}

func (a *Adapter) buildFromQuote(ctx context.Context, quote venue.Quote, userWallet string, slippageBps int) (venue.BuildResult, error) {
	reqBody := struct {
		QuoteResponse            map[string]any `json:"quoteResponse"`
		UserPublicKey            string         `json:"userPublicKey"`
		WrapAndUnwrapSol         bool           `json:"wrapAndUnwrapSol"`
		DynamicComputeUnitLimit  bool           `json:"dynamicComputeUnitLimit"`
		SkipUserAccountsRpcCalls bool           `json:"skipUserAccountsRpcCalls"`
	}{
		QuoteResponse: map[string]any{
			"inputMint": quote.InputMint, "outputMint": quote.OutputMint,
			"inAmount": strconv.FormatUint(quote.InputAmount, 10), "outAmount": strconv.FormatUint(quote.OutputAmount, 10),
			"slippageBps": slippageBps,
		},
		UserPublicKey:            userWallet,
		WrapAndUnwrapSol:         true,
		DynamicComputeUnitLimit:  true,
		SkipUserAccountsRpcCalls: true,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return venue.BuildResult{}, txerrors.Externalf("jupiter: marshal swap request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return venue.BuildResult{}, txerrors.Externalf("jupiter: build swap request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.getAPIKey())

	resp, err := a.pool.Get().Do(req)
	if err != nil {
		return venue.BuildResult{}, txerrors.Externalf("jupiter: swap request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return venue.BuildResult{}, txerrors.Externalf("jupiter: swap failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var sw swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&sw); err != nil {
		return venue.BuildResult{}, txerrors.Externalf("jupiter: decode swap response: %v", err)
	}

	return venue.BuildResult{
		TransactionB64: sw.SwapTransaction,
		Route: venue.RouteInfo{
			InputMint: quote.InputMint, OutputMint: quote.OutputMint,
			InAmount: quote.InputAmount, OutAmount: quote.OutputAmount,
		},
		PriorityFee: min(sw.PrioritizationFeeLamports, a.maxLamports),
	}, nil
}

// BuildCurveBuy/BuildCurveSell/GetCurveState are not meaningful on a
// graduated-market adapter; callers route pre-graduation tokens to the
// pumpcurve adapter instead via the Monitor's curve-vs-DEX dispatch.
func (a *Adapter) BuildCurveBuy(ctx context.Context, params venue.CurveBuyParams) (venue.CurveBuildResult, error) {
	return venue.CurveBuildResult{}, txerrors.New(txerrors.Validation, "jupiter adapter does not support curve buys; token has graduated")
}

func (a *Adapter) BuildCurveSell(ctx context.Context, params venue.CurveSellParams) (venue.CurveBuildResult, error) {
	return venue.CurveBuildResult{}, txerrors.New(txerrors.Validation, "jupiter adapter does not support curve sells; token has graduated")
}

func (a *Adapter) GetCurveState(ctx context.Context, mint string) (venue.CurveState, error) {
	return venue.CurveState{IsComplete: true}, nil
}

func (a *Adapter) GetActualTokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	return 0, txerrors.New(txerrors.External, "jupiter adapter does not expose on-chain balances; query via the chain RPC adapter")
}

func (a *Adapter) GetMultipleTokenPrices(ctx context.Context, mints []string, base domain.BaseCurrency) (map[string]float64, error) {
	prices := make(map[string]float64, len(mints))
	for _, mint := range mints {
		q, err := a.GetQuote(ctx, mint, SOLMint, 1_000_000)
		if err != nil {
			log.Debug().Str("mint", mint).Err(err).Msg("jupiter price fetch failed (expected for pre-grad tokens)")
			continue
		}
		if q.InputAmount > 0 {
			prices[mint] = float64(q.OutputAmount) / float64(q.InputAmount)
		}
	}
	return prices, nil
}
