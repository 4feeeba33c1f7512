package orchestrator

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/duskwallet/wallet-sync/internal/adapter"
	"github.com/duskwallet/wallet-sync/internal/domain"
)

// walletUpdatesQuery is the subscription document sent to the indexer. One
// inbound payload carries one ledger event: a transaction touching the
// wallet, or a bare progress marker when the server has nothing newer.
const walletUpdatesQuery = `subscription WalletUpdates($address: String!, $afterId: Int) {
  walletUpdates(address: $address, afterId: $afterId) {
    id
    maxKnownId
    payload
    blockHeight
    timestamp
    block {
      height
      hash
      parentHash
      timestamp
      eventCount
    }
    transaction {
      hash
      status
      createdOutputs {
        txId
        index
        owner
        tokenType
        value
        createdAt
      }
      spentOutputs
      createdFeeTokens {
        nullifier
        owner
        initialValue
        createdAt
        backingTxId
        backingIndex
        backingValue
        capacity
        ratePerSecond
      }
      spentNullifiers
    }
  }
}`

type updateEnvelope struct {
	WalletUpdates struct {
		ID          uint64              `json:"id"`
		MaxKnownID  uint64              `json:"maxKnownId"`
		Payload     string              `json:"payload"`
		BlockHeight *uint64             `json:"blockHeight"`
		Timestamp   *time.Time          `json:"timestamp"`
		Block       *blockPayload       `json:"block"`
		Transaction *transactionPayload `json:"transaction"`
	} `json:"walletUpdates"`
}

type blockPayload struct {
	Height     uint64    `json:"height"`
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parentHash"`
	Timestamp  time.Time `json:"timestamp"`
	EventCount int       `json:"eventCount"`
}

type transactionPayload struct {
	Hash             string            `json:"hash"`
	Status           string            `json:"status"`
	CreatedOutputs   []outputPayload   `json:"createdOutputs"`
	SpentOutputs     []string          `json:"spentOutputs"`
	CreatedFeeTokens []feeTokenPayload `json:"createdFeeTokens"`
	SpentNullifiers  []string          `json:"spentNullifiers"`
}

type outputPayload struct {
	TxID      string    `json:"txId"`
	Index     uint32    `json:"index"`
	Owner     string    `json:"owner"`
	TokenType string    `json:"tokenType"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

type feeTokenPayload struct {
	Nullifier     string    `json:"nullifier"`
	Owner         string    `json:"owner"`
	InitialValue  string    `json:"initialValue"`
	CreatedAt     time.Time `json:"createdAt"`
	BackingTxID   string    `json:"backingTxId"`
	BackingIndex  uint32    `json:"backingIndex"`
	BackingValue  string    `json:"backingValue"`
	Capacity      string    `json:"capacity"`
	RatePerSecond string    `json:"ratePerSecond"`
}

// decodedUpdate is one inbound subscription payload after decoding: the raw
// event for the cache, the block for the reorg detector and the wallet
// update for the state machine.
type decodedUpdate struct {
	raw    domain.RawEvent
	block  *domain.ChainBlock
	update domain.WalletUpdate
}

func decodeUpdate(jsonAdapter adapter.JSON, raw json.RawMessage) (*decodedUpdate, error) {
	var envelope updateEnvelope
	if err := jsonAdapter.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode wallet update: %w", err)
	}
	event := &envelope.WalletUpdates

	rawEvent := domain.RawEvent{
		ID:          event.ID,
		Payload:     event.Payload,
		MaxKnownID:  event.MaxKnownID,
		BlockHeight: event.BlockHeight,
		Timestamp:   event.Timestamp,
	}
	if !rawEvent.Valid() {
		return nil, fmt.Errorf("malformed event %d: max known id %d behind event id", event.ID, event.MaxKnownID)
	}

	decoded := &decodedUpdate{raw: rawEvent}

	if event.Block != nil {
		decoded.block = &domain.ChainBlock{
			Height:     event.Block.Height,
			Hash:       event.Block.Hash,
			ParentHash: event.Block.ParentHash,
			Timestamp:  event.Block.Timestamp,
			EventCount: event.Block.EventCount,
		}
	}

	if event.Transaction == nil {
		decoded.update = domain.WalletUpdate{
			Kind:           domain.UpdateKindProgress,
			HighestKnownID: event.MaxKnownID,
		}
		return decoded, nil
	}

	tx, err := decodeTransaction(event.ID, event.Transaction)
	if err != nil {
		return nil, err
	}
	decoded.update = domain.WalletUpdate{
		Kind:           domain.UpdateKindTransaction,
		Transaction:    tx,
		HighestKnownID: event.MaxKnownID,
	}
	return decoded, nil
}

func decodeTransaction(id uint64, payload *transactionPayload) (*domain.LedgerTransaction, error) {
	status := domain.TxStatus(payload.Status)
	if status != domain.TxStatusConfirmed && status != domain.TxStatusFailed {
		return nil, fmt.Errorf("unknown transaction status %q", payload.Status)
	}

	tx := &domain.LedgerTransaction{
		ID:     id,
		Hash:   payload.Hash,
		Status: status,
	}

	for _, out := range payload.CreatedOutputs {
		value, err := parseValue(out.Value, "output value")
		if err != nil {
			return nil, err
		}
		tx.CreatedOutputs = append(tx.CreatedOutputs, domain.UnspentOutput{
			ID:        domain.UtxoID{TxID: out.TxID, Index: out.Index},
			Owner:     out.Owner,
			TokenType: out.TokenType,
			Value:     value,
			CreatedAt: out.CreatedAt,
			State:     domain.OutputStateAvailable,
		})
	}

	for _, spent := range payload.SpentOutputs {
		id, err := domain.ParseUtxoID(spent)
		if err != nil {
			return nil, err
		}
		tx.SpentOutputs = append(tx.SpentOutputs, id)
	}

	for _, token := range payload.CreatedFeeTokens {
		initial, err := parseValue(token.InitialValue, "fee token initial value")
		if err != nil {
			return nil, err
		}
		backing, err := parseValue(token.BackingValue, "fee token backing value")
		if err != nil {
			return nil, err
		}
		capacity, err := parseValue(token.Capacity, "fee token capacity")
		if err != nil {
			return nil, err
		}
		rate, err := parseValue(token.RatePerSecond, "fee token rate")
		if err != nil {
			return nil, err
		}
		tx.CreatedFeeTokens = append(tx.CreatedFeeTokens, domain.FeeToken{
			Nullifier:     token.Nullifier,
			Owner:         token.Owner,
			InitialValue:  initial,
			CreatedAt:     token.CreatedAt,
			BackingUtxo:   domain.UtxoID{TxID: token.BackingTxID, Index: token.BackingIndex},
			BackingValue:  backing,
			Capacity:      capacity,
			RatePerSecond: rate,
			State:         domain.OutputStateAvailable,
		})
	}

	tx.SpentNullifiers = append(tx.SpentNullifiers, payload.SpentNullifiers...)

	return tx, nil
}

func parseValue(value, field string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("failed to parse %s %q", field, value)
	}
	return n, nil
}
