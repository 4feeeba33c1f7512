package domain

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// OutputState represents the lifecycle state of an unspent output or fee token
type OutputState string

const (
	// OutputStateAvailable means the output is spendable
	OutputStateAvailable OutputState = "available"
	// OutputStatePending means the output is locked by an in-flight transaction
	OutputStatePending OutputState = "pending"
	// OutputStateSpent means the output has been consumed on-chain
	OutputStateSpent OutputState = "spent"
)

// IsValidOutputState checks if a state is one of the known lifecycle states
func IsValidOutputState(s OutputState) bool {
	return s == OutputStateAvailable || s == OutputStatePending || s == OutputStateSpent
}

// TxStatus represents the confirmation status reported by the indexer
type TxStatus string

const (
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// UtxoID is the composite identity of an unspent output: (creating tx, output index)
type UtxoID struct {
	TxID  string `json:"tx_id"`
	Index uint32 `json:"index"`
}

// String returns the canonical "txid:index" form
func (id UtxoID) String() string {
	return fmt.Sprintf("%s:%d", id.TxID, id.Index)
}

// ParseUtxoID parses the canonical "txid:index" form
func ParseUtxoID(s string) (UtxoID, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return UtxoID{}, fmt.Errorf("malformed utxo id %q", s)
	}
	index, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return UtxoID{}, fmt.Errorf("malformed utxo index in %q: %w", s, err)
	}
	return UtxoID{TxID: s[:i], Index: uint32(index)}, nil
}

// UnspentOutput represents one spendable output tracked for a wallet address.
// Identity is globally unique; Value is never negative; state transitions go
// through the utxo state machine only.
type UnspentOutput struct {
	ID            UtxoID      `json:"id"`
	Owner         string      `json:"owner"`
	TokenType     string      `json:"token_type"`
	Value         *big.Int    `json:"value"`
	CreatedAt     time.Time   `json:"created_at"`
	State         OutputState `json:"state"`
	FeeRegistered bool        `json:"fee_registered"`
}

// FeeToken represents one fee-generating ("dust") token instance. Its current
// value is a function of time, see the dust package. The invariant
// 0 <= currentValue(t) <= Capacity holds for all t >= CreatedAt.
type FeeToken struct {
	Nullifier     string      `json:"nullifier"`
	Owner         string      `json:"owner"`
	InitialValue  *big.Int    `json:"initial_value"`
	CreatedAt     time.Time   `json:"created_at"`
	BackingUtxo   UtxoID      `json:"backing_utxo"`
	BackingValue  *big.Int    `json:"backing_value"`
	Capacity      *big.Int    `json:"capacity"`
	RatePerSecond *big.Int    `json:"rate_per_second"`
	State         OutputState `json:"state"`
}

// RawEvent is an opaque, hex-encoded ledger event as served by the indexer.
// MaxKnownID >= ID >= 0.
type RawEvent struct {
	ID          uint64     `json:"id"`
	Payload     string     `json:"payload"`
	MaxKnownID  uint64     `json:"max_known_id"`
	BlockHeight *uint64    `json:"block_height,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// Valid checks the RawEvent invariants
func (e *RawEvent) Valid() bool {
	return e.MaxKnownID >= e.ID
}

// ChainBlock is one block header as reported by the indexer. Timestamps are
// monotonic non-decreasing along a valid chain.
type ChainBlock struct {
	Height     uint64    `json:"height"`
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parent_hash"`
	Timestamp  time.Time `json:"timestamp"`
	EventCount int       `json:"event_count"`
}

// SyncCursor is the per-address persisted progress marker. A nil
// LastProcessedID means the address has never been synced.
type SyncCursor struct {
	LastProcessedID *uint64 `json:"last_processed_id"`
}

// UpdateKind discriminates the two kinds of wallet updates on the stream
type UpdateKind string

const (
	// UpdateKindTransaction carries a relevant ledger transaction
	UpdateKindTransaction UpdateKind = "transaction"
	// UpdateKindProgress carries only the server's highest known update id
	UpdateKindProgress UpdateKind = "progress"
)

// LedgerTransaction is one decoded transaction relevant to a tracked address
type LedgerTransaction struct {
	ID               uint64          `json:"id"`
	Hash             string          `json:"hash"`
	Status           TxStatus        `json:"status"`
	Block            *ChainBlock     `json:"block,omitempty"`
	CreatedOutputs   []UnspentOutput `json:"created_outputs,omitempty"`
	SpentOutputs     []UtxoID        `json:"spent_outputs,omitempty"`
	CreatedFeeTokens []FeeToken      `json:"created_fee_tokens,omitempty"`
	SpentNullifiers  []string        `json:"spent_nullifiers,omitempty"`
}

// WalletUpdate is one decoded element of the per-address subscription stream
type WalletUpdate struct {
	Kind           UpdateKind         `json:"kind"`
	Transaction    *LedgerTransaction `json:"transaction,omitempty"`
	HighestKnownID uint64             `json:"highest_known_id"`
}

// Valid checks structural consistency of an update
func (u *WalletUpdate) Valid() bool {
	switch u.Kind {
	case UpdateKindTransaction:
		return u.Transaction != nil
	case UpdateKindProgress:
		return u.Transaction == nil
	default:
		return false
	}
}
