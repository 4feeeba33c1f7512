// Package signing models the wallet's signing and serialization boundary.
// Key handling and proof construction live outside this process; the sync
// engine only ever hands an opaque signer a canonical message and gets bytes
// back. Secret material is never retained beyond the call.
package signing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gowebpki/jcs"

	"github.com/duskwallet/wallet-sync/internal/adapter"
	"github.com/duskwallet/wallet-sync/internal/domain"
)

// Intent describes a transaction the wallet wants to submit. It references
// inputs by identity only; values are resolved by the node.
type Intent struct {
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	TokenType     string          `json:"token_type"`
	Amount        *big.Int        `json:"amount"`
	Inputs        []domain.UtxoID `json:"inputs"`
	FeeNullifiers []string        `json:"fee_nullifiers"`
	Nonce         uint64          `json:"nonce"`
}

// Signer defines the external signing and serialization boundary
type Signer interface {
	// Sign signs a canonical message with the given key; it may fail and
	// must not retain the key
	Sign(ctx context.Context, key []byte, message []byte) ([]byte, error)
	// Serialize turns an intent into the node's wire bytes
	Serialize(ctx context.Context, intent *Intent) ([]byte, error)
}

// CanonicalIntent renders an intent as RFC 8785 canonical JSON, giving every
// signer implementation byte-identical input for the same intent
func CanonicalIntent(jsonAdapter adapter.JSON, intent *Intent) ([]byte, error) {
	raw, err := jsonAdapter.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal intent: %v", domain.ErrSigningFailed, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize intent: %v", domain.ErrSigningFailed, err)
	}
	return canonical, nil
}

// SignFunc adapts a plain function to the signing half of Signer
type SignFunc func(key []byte, message []byte) ([]byte, error)

// funcSigner pairs an injected signing function with canonical JSON
// serialization; used for local development and tests
type funcSigner struct {
	sign SignFunc
	json adapter.JSON
}

// NewFuncSigner creates a Signer whose signatures come from fn and whose
// serialization is canonical JSON
func NewFuncSigner(fn SignFunc, jsonAdapter adapter.JSON) Signer {
	return &funcSigner{sign: fn, json: jsonAdapter}
}

func (s *funcSigner) Sign(_ context.Context, key []byte, message []byte) ([]byte, error) {
	signature, err := s.sign(key, message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	if signature == nil {
		return nil, domain.ErrSigningFailed
	}
	return signature, nil
}

func (s *funcSigner) Serialize(_ context.Context, intent *Intent) ([]byte, error) {
	return CanonicalIntent(s.json, intent)
}
