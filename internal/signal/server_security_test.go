package signal

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"solfarm-engine/internal/copytrade"
	"solfarm-engine/internal/domain"
)

func TestServer_RateLimit(t *testing.T) {
	handler := NewHandler(
		func(edge domain.Edge, strategyID uuid.UUID) {},
		func(trade copytrade.KolTrade) {},
	)
	server := NewServer("0.0.0.0", 0, handler, nil)

	payload := EdgeIngest{
		Kind:       "arbitrage",
		TokenMint:  "MOCK_MINT",
		StrategyID: uuid.New().String(),
	}
	body, _ := json.Marshal(payload)

	limitHit := false
	for i := 0; i < 50; i++ {
		req, _ := http.NewRequest("POST", "/edge", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := server.app.Test(req, 1000)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}

		if resp.StatusCode == 429 {
			limitHit = true
			break
		}
	}

	if !limitHit {
		t.Error("rate limit was not hit after 50 requests")
	}
}

func TestServer_EdgeRequiresStrategyID(t *testing.T) {
	handler := NewHandler(nil, nil)
	server := NewServer("0.0.0.0", 0, handler, nil)

	payload := EdgeIngest{Kind: "arbitrage", TokenMint: "MOCK_MINT"}
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST", "/edge", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := server.app.Test(req, 1000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("expected 400 for missing strategy_id, got %d", resp.StatusCode)
	}
}
