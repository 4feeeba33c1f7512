// Package utxo implements the wallet's unspent-output state machine.
//
// Outputs and fee tokens move through a fixed lifecycle:
//
//	AVAILABLE -> PENDING -> SPENT
//	PENDING   -> AVAILABLE  (failure unlock)
//
// No other transition is valid. Chain-confirmed spends may collapse
// AVAILABLE -> SPENT directly; the explicit mark operations used during
// transaction construction only ever step one edge at a time.
package utxo

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/duskwallet/wallet-sync/internal/domain"
	"github.com/duskwallet/wallet-sync/internal/logger"
	"github.com/duskwallet/wallet-sync/internal/store"
)

// Machine applies decoded wallet updates to the ledger store
type Machine struct {
	store store.Store
}

// NewMachine creates a state machine backed by the given store
func NewMachine(st store.Store) *Machine {
	return &Machine{store: st}
}

// ApplyUpdate applies one decoded wallet update and reports what happened.
// Transaction updates run inside a single store transaction; progress
// markers touch no state.
func (m *Machine) ApplyUpdate(ctx context.Context, update domain.WalletUpdate) (domain.ProcessingResult, error) {
	if !update.Valid() {
		return nil, fmt.Errorf("malformed wallet update kind %q", update.Kind)
	}

	switch update.Kind {
	case domain.UpdateKindProgress:
		return domain.ProgressUpdated{HighestKnownID: update.HighestKnownID}, nil
	case domain.UpdateKindTransaction:
		return m.applyTransaction(ctx, update.Transaction)
	default:
		return nil, fmt.Errorf("unknown update kind %q", update.Kind)
	}
}

func (m *Machine) applyTransaction(ctx context.Context, tx *domain.LedgerTransaction) (domain.ProcessingResult, error) {
	var createdCount, spentCount int

	err := m.store.Transact(ctx, func(st store.Store) error {
		if tx.Status == domain.TxStatusFailed {
			// a failed transaction creates nothing; unlock any inputs the
			// wallet had locked for it
			for _, id := range tx.SpentOutputs {
				output, err := st.GetOutput(ctx, id)
				if err != nil {
					return err
				}
				if output == nil || output.State != domain.OutputStatePending {
					continue
				}
				if err := st.SetOutputState(ctx, id, domain.OutputStateAvailable); err != nil {
					return err
				}
			}
			for _, nullifier := range tx.SpentNullifiers {
				token, err := st.GetFeeToken(ctx, nullifier)
				if err != nil {
					return err
				}
				if token == nil || token.State != domain.OutputStatePending {
					continue
				}
				if err := st.SetFeeTokenState(ctx, nullifier, domain.OutputStateAvailable); err != nil {
					return err
				}
			}
			return nil
		}

		for i := range tx.CreatedOutputs {
			created, err := m.createOutput(ctx, st, &tx.CreatedOutputs[i])
			if err != nil {
				return err
			}
			if created {
				createdCount++
			}
		}

		for i := range tx.CreatedFeeTokens {
			if err := m.createFeeToken(ctx, st, &tx.CreatedFeeTokens[i]); err != nil {
				return err
			}
		}

		for _, id := range tx.SpentOutputs {
			spent, err := m.spendOutput(ctx, st, id, tx.Hash)
			if err != nil {
				return err
			}
			if spent {
				spentCount++
			}
		}

		for _, nullifier := range tx.SpentNullifiers {
			if err := m.spendFeeToken(ctx, st, nullifier, tx.Hash); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return domain.TransactionProcessed{
		ID:           tx.ID,
		Hash:         tx.Hash,
		CreatedCount: createdCount,
		SpentCount:   spentCount,
		Status:       tx.Status,
	}, nil
}

// createOutput inserts a newly observed output as AVAILABLE. Replaying the
// same identity overwrites value and creation time but never resurrects a
// SPENT record.
func (m *Machine) createOutput(ctx context.Context, st store.Store, output *domain.UnspentOutput) (bool, error) {
	existing, err := st.GetOutput(ctx, output.ID)
	if err != nil {
		return false, err
	}

	if existing == nil {
		record := *output
		record.State = domain.OutputStateAvailable
		return st.CreateOutput(ctx, &record)
	}

	if existing.State == domain.OutputStateSpent {
		return false, nil
	}

	if existing.Value.Cmp(output.Value) != 0 || !existing.CreatedAt.Equal(output.CreatedAt) {
		if err := st.UpdateOutputValue(ctx, output.ID, output.Value, output.CreatedAt); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (m *Machine) createFeeToken(ctx context.Context, st store.Store, token *domain.FeeToken) error {
	record := *token
	record.State = domain.OutputStateAvailable
	created, err := st.CreateFeeToken(ctx, &record)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	// mark the backing output so balance views can show it as committed to
	// fee generation
	backing, err := st.GetOutput(ctx, token.BackingUtxo)
	if err != nil {
		return err
	}
	if backing != nil && !backing.FeeRegistered {
		return st.SetOutputFeeRegistered(ctx, token.BackingUtxo, true)
	}
	return nil
}

// spendOutput marks a tracked output SPENT. Spending an already-SPENT output
// is a double spend and raises rather than clamping.
func (m *Machine) spendOutput(ctx context.Context, st store.Store, id domain.UtxoID, txHash string) (bool, error) {
	output, err := st.GetOutput(ctx, id)
	if err != nil {
		return false, err
	}
	if output == nil {
		// not a tracked output; other parties' inputs show up here
		logger.DebugCtx(ctx, "Ignoring spend of untracked output",
			zap.String("utxo_id", id.String()),
			zap.String("tx_hash", txHash))
		return false, nil
	}
	if output.State == domain.OutputStateSpent {
		return false, fmt.Errorf("%w: output %s spent twice", domain.ErrBalanceUnderflow, id)
	}
	if err := st.SetOutputState(ctx, id, domain.OutputStateSpent); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) spendFeeToken(ctx context.Context, st store.Store, nullifier string, txHash string) error {
	token, err := st.GetFeeToken(ctx, nullifier)
	if err != nil {
		return err
	}
	if token == nil {
		logger.DebugCtx(ctx, "Ignoring spend of untracked fee token",
			zap.String("nullifier", nullifier),
			zap.String("tx_hash", txHash))
		return nil
	}
	if token.State == domain.OutputStateSpent {
		return fmt.Errorf("%w: fee token %s spent twice", domain.ErrBalanceUnderflow, nullifier)
	}
	return st.SetFeeTokenState(ctx, nullifier, domain.OutputStateSpent)
}

// MarkPending locks AVAILABLE outputs and fee tokens for an in-flight
// transaction. The call is all-or-nothing: every identity must exist and be
// AVAILABLE or nothing is changed.
func (m *Machine) MarkPending(ctx context.Context, ids []domain.UtxoID, nullifiers []string) error {
	return m.transition(ctx, ids, nullifiers, domain.OutputStateAvailable, domain.OutputStatePending)
}

// MarkSpent finalizes PENDING outputs and fee tokens after submission
// succeeded. All-or-nothing, as MarkPending.
func (m *Machine) MarkSpent(ctx context.Context, ids []domain.UtxoID, nullifiers []string) error {
	return m.transition(ctx, ids, nullifiers, domain.OutputStatePending, domain.OutputStateSpent)
}

// MarkAvailable unlocks PENDING outputs and fee tokens after submission
// failed. All-or-nothing, as MarkPending.
func (m *Machine) MarkAvailable(ctx context.Context, ids []domain.UtxoID, nullifiers []string) error {
	return m.transition(ctx, ids, nullifiers, domain.OutputStatePending, domain.OutputStateAvailable)
}

func (m *Machine) transition(ctx context.Context, ids []domain.UtxoID, nullifiers []string, from, to domain.OutputState) error {
	return m.store.Transact(ctx, func(st store.Store) error {
		// validate everything before touching anything
		for _, id := range ids {
			output, err := st.GetOutput(ctx, id)
			if err != nil {
				return err
			}
			if output == nil {
				return fmt.Errorf("%w: %s", domain.ErrUnknownOutput, id)
			}
			if output.State != from {
				return fmt.Errorf("%w: output %s is %s, want %s", domain.ErrInvalidTransition, id, output.State, from)
			}
		}
		for _, nullifier := range nullifiers {
			token, err := st.GetFeeToken(ctx, nullifier)
			if err != nil {
				return err
			}
			if token == nil {
				return fmt.Errorf("%w: fee token %s", domain.ErrUnknownOutput, nullifier)
			}
			if token.State != from {
				return fmt.Errorf("%w: fee token %s is %s, want %s", domain.ErrInvalidTransition, nullifier, token.State, from)
			}
		}

		for _, id := range ids {
			if err := st.SetOutputState(ctx, id, to); err != nil {
				return err
			}
		}
		for _, nullifier := range nullifiers {
			if err := st.SetFeeTokenState(ctx, nullifier, to); err != nil {
				return err
			}
		}
		return nil
	})
}

// AvailableBalance sums the value of AVAILABLE outputs for an owner.
// PENDING and SPENT records never contribute.
func (m *Machine) AvailableBalance(ctx context.Context, owner string) (*big.Int, error) {
	return m.sumOutputs(ctx, owner, domain.OutputStateAvailable)
}

// PendingBalance sums the value of PENDING outputs for an owner (the
// "locked" view)
func (m *Machine) PendingBalance(ctx context.Context, owner string) (*big.Int, error) {
	return m.sumOutputs(ctx, owner, domain.OutputStatePending)
}

func (m *Machine) sumOutputs(ctx context.Context, owner string, state domain.OutputState) (*big.Int, error) {
	outputs, err := m.store.ListOutputs(ctx, owner, state)
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, output := range outputs {
		if output.Value.Sign() < 0 {
			return nil, fmt.Errorf("%w: output %s has negative value", domain.ErrBalanceUnderflow, output.ID)
		}
		total.Add(total, output.Value)
	}
	return total, nil
}

// AvailableOutputs lists the owner's AVAILABLE outputs
func (m *Machine) AvailableOutputs(ctx context.Context, owner string) ([]*domain.UnspentOutput, error) {
	return m.store.ListOutputs(ctx, owner, domain.OutputStateAvailable)
}

// AvailableFeeTokens lists the owner's AVAILABLE fee tokens
func (m *Machine) AvailableFeeTokens(ctx context.Context, owner string) ([]*domain.FeeToken, error) {
	return m.store.ListFeeTokens(ctx, owner, domain.OutputStateAvailable)
}
