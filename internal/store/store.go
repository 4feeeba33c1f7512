package store

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/duskwallet/wallet-sync/internal/domain"
	"github.com/duskwallet/wallet-sync/internal/store/schema"
)

// Store defines the interface for wallet ledger database operations
type Store interface {
	// GetOutput retrieves an output by its utxo ID; nil when not stored
	GetOutput(ctx context.Context, id domain.UtxoID) (*domain.UnspentOutput, error)
	// ListOutputs retrieves outputs owned by an address, optionally filtered by state
	ListOutputs(ctx context.Context, owner string, states ...domain.OutputState) ([]*domain.UnspentOutput, error)
	// CreateOutput inserts an output; it reports false when the output already existed
	CreateOutput(ctx context.Context, output *domain.UnspentOutput) (bool, error)
	// SetOutputState updates the lifecycle state of a stored output
	SetOutputState(ctx context.Context, id domain.UtxoID, state domain.OutputState) error
	// UpdateOutputValue overwrites the value and chain timestamp of a stored
	// output without touching its state
	UpdateOutputValue(ctx context.Context, id domain.UtxoID, value *big.Int, createdAt time.Time) error
	// SetOutputFeeRegistered marks an output as backing a registered fee token
	SetOutputFeeRegistered(ctx context.Context, id domain.UtxoID, registered bool) error

	// GetFeeToken retrieves a fee token by nullifier; nil when not stored
	GetFeeToken(ctx context.Context, nullifier string) (*domain.FeeToken, error)
	// ListFeeTokens retrieves fee tokens owned by an address, optionally filtered by state
	ListFeeTokens(ctx context.Context, owner string, states ...domain.OutputState) ([]*domain.FeeToken, error)
	// CreateFeeToken inserts a fee token; it reports false when the nullifier already existed
	CreateFeeToken(ctx context.Context, token *domain.FeeToken) (bool, error)
	// SetFeeTokenState updates the lifecycle state of a stored fee token
	SetFeeTokenState(ctx context.Context, nullifier string, state domain.OutputState) error

	// Transact runs fn against a store view whose writes commit together or
	// not at all
	Transact(ctx context.Context, fn func(Store) error) error
}

// parseNumeric converts a numeric(78,0) column value into a big integer
func parseNumeric(value, column string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("failed to parse %s value %q", column, value)
	}
	return n, nil
}

func outputToDomain(row *schema.UnspentOutput) (*domain.UnspentOutput, error) {
	value, err := parseNumeric(row.Value, "output value")
	if err != nil {
		return nil, err
	}
	return &domain.UnspentOutput{
		ID:            domain.UtxoID{TxID: row.TxID, Index: row.OutputIndex},
		Owner:         row.OwnerAddress,
		TokenType:     row.TokenType,
		Value:         value,
		CreatedAt:     row.ChainCreatedAt,
		State:         domain.OutputState(row.State),
		FeeRegistered: row.FeeRegistered,
	}, nil
}

func outputToSchema(output *domain.UnspentOutput) *schema.UnspentOutput {
	return &schema.UnspentOutput{
		TxID:           output.ID.TxID,
		OutputIndex:    output.ID.Index,
		OwnerAddress:   output.Owner,
		TokenType:      output.TokenType,
		Value:          output.Value.String(),
		State:          string(output.State),
		FeeRegistered:  output.FeeRegistered,
		ChainCreatedAt: output.CreatedAt,
	}
}

func feeTokenToDomain(row *schema.FeeToken) (*domain.FeeToken, error) {
	initial, err := parseNumeric(row.InitialValue, "fee token initial value")
	if err != nil {
		return nil, err
	}
	backing, err := parseNumeric(row.BackingValue, "fee token backing value")
	if err != nil {
		return nil, err
	}
	capacity, err := parseNumeric(row.Capacity, "fee token capacity")
	if err != nil {
		return nil, err
	}
	rate, err := parseNumeric(row.RatePerSecond, "fee token rate")
	if err != nil {
		return nil, err
	}
	return &domain.FeeToken{
		Nullifier:     row.Nullifier,
		Owner:         row.OwnerAddress,
		InitialValue:  initial,
		CreatedAt:     row.ChainCreatedAt,
		BackingUtxo:   domain.UtxoID{TxID: row.BackingTxID, Index: row.BackingIndex},
		BackingValue:  backing,
		Capacity:      capacity,
		RatePerSecond: rate,
		State:         domain.OutputState(row.State),
	}, nil
}

func feeTokenToSchema(token *domain.FeeToken) *schema.FeeToken {
	return &schema.FeeToken{
		Nullifier:      token.Nullifier,
		OwnerAddress:   token.Owner,
		InitialValue:   token.InitialValue.String(),
		BackingTxID:    token.BackingUtxo.TxID,
		BackingIndex:   token.BackingUtxo.Index,
		BackingValue:   token.BackingValue.String(),
		Capacity:       token.Capacity.String(),
		RatePerSecond:  token.RatePerSecond.String(),
		State:          string(token.State),
		ChainCreatedAt: token.CreatedAt,
	}
}
