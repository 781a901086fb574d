// Package walletsigner is the Wallet Signer external interface: it accepts
// a pre-built, base64-encoded transaction and signs it while enforcing
// policy (per-tx cap, daily cap, allow/deny lists).
package walletsigner

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"solfarm-engine/internal/txerrors"
)

// SignRequest is what the Pipeline/Monitor hand the signer.
type SignRequest struct {
	TransactionB64          string
	EstimatedAmountLamports uint64
	EstimatedProfitLamports *int64
	EdgeID                  *uuid.UUID
	Description             string
	// Mint is the token mint this transaction trades against, checked
	// against the Policy's AllowMints/DenyMints. Empty skips the check,
	// since some transactions (e.g. a status no-op) don't trade any mint.
	Mint string
}

// PolicyViolation is a structured reason a signer refused to sign.
type PolicyViolation struct {
	Message string
}

// SignResult is the signer's verdict.
type SignResult struct {
	Success               bool
	SignedTransactionB64  string
	Signature             string
	Error                 string
	PolicyViolation       *PolicyViolation
}

// WalletStatus reports the signer's configured wallet, if any.
type WalletStatus struct {
	WalletAddress *string
}

// Signer is the interface the engine consumes; nothing downstream cares
// which cryptographic implementation backs it, only this contract.
type Signer interface {
	SignTransaction(ctx context.Context, req SignRequest) (SignResult, error)
	GetStatus(ctx context.Context) WalletStatus
	IsConfigured() bool
}

// Policy bounds what LocalSigner will sign.
type Policy struct {
	MaxPerTxLamports   uint64
	MaxDailyLamports    uint64
	DenyMints           map[string]bool
	AllowMints          map[string]bool // empty means "allow all except deny list"
}

// LocalSigner signs with a locally held ed25519 keypair and enforces the
// Policy's per-tx/daily caps and allow/deny lists before signing.
//
// SECURITY WARNING: accepting a private key as a plain string is a risk;
// load it from a secret store in production.
type LocalSigner struct {
	mu         sync.Mutex
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
	policy     Policy
	spentToday uint64
}

func NewLocalSigner(privateKeyBase58 string, policy Policy) (*LocalSigner, error) {
	privateKeyBytes, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	var privateKey ed25519.PrivateKey
	switch len(privateKeyBytes) {
	case 64:
		privateKey = ed25519.PrivateKey(privateKeyBytes)
	case 32:
		privateKey = ed25519.NewKeyFromSeed(privateKeyBytes)
	default:
		return nil, fmt.Errorf("invalid private key length: %d (expected 32 or 64)", len(privateKeyBytes))
	}

	publicKey := privateKey.Public().(ed25519.PublicKey)
	address := base58.Encode(publicKey)

	log.Info().Str("address", address).Msg("wallet signer loaded")

	return &LocalSigner{
		privateKey: privateKey,
		publicKey:  publicKey,
		address:    address,
		policy:     policy,
	}, nil
}

func (s *LocalSigner) IsConfigured() bool {
	return s != nil && s.privateKey != nil
}

func (s *LocalSigner) GetStatus(ctx context.Context) WalletStatus {
	if !s.IsConfigured() {
		return WalletStatus{}
	}
	addr := s.address
	return WalletStatus{WalletAddress: &addr}
}

// SignTransaction enforces per-tx and daily caps before signing.
func (s *LocalSigner) SignTransaction(ctx context.Context, req SignRequest) (SignResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsConfigured() {
		return SignResult{}, txerrors.New(txerrors.Fatal, "wallet signer not configured")
	}

	if s.policy.MaxPerTxLamports > 0 && req.EstimatedAmountLamports > s.policy.MaxPerTxLamports {
		msg := fmt.Sprintf("amount %d exceeds per-tx cap %d", req.EstimatedAmountLamports, s.policy.MaxPerTxLamports)
		return SignResult{Success: false, PolicyViolation: &PolicyViolation{Message: msg}}, nil
	}
	if s.policy.MaxDailyLamports > 0 && s.spentToday+req.EstimatedAmountLamports > s.policy.MaxDailyLamports {
		msg := fmt.Sprintf("daily cap %d would be exceeded", s.policy.MaxDailyLamports)
		return SignResult{Success: false, PolicyViolation: &PolicyViolation{Message: msg}}, nil
	}
	if req.Mint != "" {
		if s.policy.DenyMints[req.Mint] {
			msg := fmt.Sprintf("mint %s is on the deny list", req.Mint)
			return SignResult{Success: false, PolicyViolation: &PolicyViolation{Message: msg}}, nil
		}
		if len(s.policy.AllowMints) > 0 && !s.policy.AllowMints[req.Mint] {
			msg := fmt.Sprintf("mint %s is not on the allow list", req.Mint)
			return SignResult{Success: false, PolicyViolation: &PolicyViolation{Message: msg}}, nil
		}
	}

	raw, err := base64.StdEncoding.DecodeString(req.TransactionB64)
	if err != nil {
		return SignResult{}, txerrors.Externalf("wallet signer: invalid base64 transaction: %v", err)
	}

	signature := ed25519.Sign(s.privateKey, raw)
	signed := append(append([]byte{}, signature...), raw...)
	signedB64 := base64.StdEncoding.EncodeToString(signed)
	sigB58 := base58.Encode(signature)

	s.spentToday += req.EstimatedAmountLamports

	log.Debug().Str("description", req.Description).Str("signature", sigB58).Msg("transaction signed")

	return SignResult{
		Success:              true,
		SignedTransactionB64: signedB64,
		Signature:            sigB58,
	}, nil
}

// ResetDaily clears the daily spend counter. Nothing in the engine calls it,
// so the counter otherwise accumulates for the signer's lifetime.
func (s *LocalSigner) ResetDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spentToday = 0
}
