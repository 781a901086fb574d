// Package relayer is the Relayer external interface: submit a signed
// transaction as a tipped bundle and report its inclusion state.
// JitoRelayer applies plain HTTP + JSON decode against a Jito-style
// block-engine endpoint, base64->base58 re-encoding the transaction before
// submission as the bundle wire format requires.
package relayer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"solfarm-engine/internal/txerrors"
)

// BundleState is the terminal (or pending) status of a submitted bundle.
type BundleState string

const (
	BundleLanded  BundleState = "Landed"
	BundleFailed  BundleState = "Failed"
	BundleDropped BundleState = "Dropped"
	BundlePending BundleState = "Pending"
)

// BundleStatus is what wait-for-bundle returns.
type BundleStatus struct {
	Status     BundleState
	LandedSlot uint64
}

// Relayer is the interface the Pipeline and Monitor consume.
type Relayer interface {
	SendBundle(ctx context.Context, txBase58 []string, tipLamports uint64) (bundleID string, err error)
	WaitForBundle(ctx context.Context, bundleID string, timeout time.Duration) (BundleStatus, error)
}

// Base64ToBase58 re-encodes a signed transaction's base64 body into base58,
// required before submission to a Jito-style relayer. This is the direct
// Go equivalent of the original service's base64_to_base58 helper.
func Base64ToBase58(txBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", txerrors.Externalf("invalid base64 transaction: %v", err)
	}
	return base58.Encode(raw), nil
}

// JitoRelayer submits bundles to a Jito-style block engine over HTTP.
type JitoRelayer struct {
	blockEngineURL string
	client         *http.Client
}

func NewJitoRelayer(blockEngineURL string, timeout time.Duration) *JitoRelayer {
	return &JitoRelayer{blockEngineURL: blockEngineURL, client: &http.Client{Timeout: timeout}}
}

type sendBundleRequest struct {
	Transactions []string `json:"transactions"`
	TipLamports  uint64   `json:"tipLamports"`
}

type sendBundleResponse struct {
	BundleID string `json:"bundleId"`
}

func (j *JitoRelayer) SendBundle(ctx context.Context, txBase58 []string, tipLamports uint64) (string, error) {
	body, err := json.Marshal(sendBundleRequest{Transactions: txBase58, TipLamports: tipLamports})
	if err != nil {
		return "", txerrors.Externalf("relayer: marshal send-bundle request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.blockEngineURL+"/bundles", bytes.NewReader(body))
	if err != nil {
		return "", txerrors.Externalf("relayer: build send-bundle request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return "", txerrors.Externalf("relayer: send-bundle request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", txerrors.Externalf("relayer: send-bundle failed (%d)", resp.StatusCode)
	}

	var sr sendBundleResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", txerrors.Externalf("relayer: decode send-bundle response: %v", err)
	}

	log.Info().Str("bundle_id", sr.BundleID).Msg("bundle submitted")
	return sr.BundleID, nil
}

type bundleStatusResponse struct {
	Status     string `json:"status"`
	LandedSlot uint64 `json:"landedSlot"`
}

func (j *JitoRelayer) WaitForBundle(ctx context.Context, bundleID string, timeout time.Duration) (BundleStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return BundleStatus{Status: BundlePending}, nil
		case <-ticker.C:
			status, err := j.pollBundle(ctx, bundleID)
			if err != nil {
				continue
			}
			if status.Status != BundlePending {
				return status, nil
			}
		}
	}
}

func (j *JitoRelayer) pollBundle(ctx context.Context, bundleID string) (BundleStatus, error) {
	url := fmt.Sprintf("%s/bundles/%s", j.blockEngineURL, bundleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BundleStatus{}, err
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return BundleStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return BundleStatus{}, fmt.Errorf("poll failed (%d)", resp.StatusCode)
	}

	var br bundleStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return BundleStatus{}, err
	}

	return BundleStatus{Status: BundleState(br.Status), LandedSlot: br.LandedSlot}, nil
}
