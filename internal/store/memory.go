package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/duskwallet/wallet-sync/internal/domain"
)

// memoryStore is an in-memory Store for tests and ephemeral runs. A single
// mutex guards the data; Transact clones the data set and commits the clone
// only when fn succeeds.
type memoryStore struct {
	mu   sync.RWMutex
	data *memoryData
}

type memoryData struct {
	outputs   map[domain.UtxoID]*domain.UnspentOutput
	feeTokens map[string]*domain.FeeToken
	seq       map[domain.UtxoID]int
	nextSeq   int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() Store {
	return &memoryStore{data: newMemoryData()}
}

func newMemoryData() *memoryData {
	return &memoryData{
		outputs:   make(map[domain.UtxoID]*domain.UnspentOutput),
		feeTokens: make(map[string]*domain.FeeToken),
		seq:       make(map[domain.UtxoID]int),
	}
}

func (d *memoryData) clone() *memoryData {
	out := &memoryData{
		outputs:   make(map[domain.UtxoID]*domain.UnspentOutput, len(d.outputs)),
		feeTokens: make(map[string]*domain.FeeToken, len(d.feeTokens)),
		seq:       make(map[domain.UtxoID]int, len(d.seq)),
		nextSeq:   d.nextSeq,
	}
	for id, output := range d.outputs {
		out.outputs[id] = cloneOutput(output)
	}
	for nullifier, token := range d.feeTokens {
		out.feeTokens[nullifier] = cloneFeeToken(token)
	}
	for id, seq := range d.seq {
		out.seq[id] = seq
	}
	return out
}

func cloneOutput(output *domain.UnspentOutput) *domain.UnspentOutput {
	copied := *output
	copied.Value = cloneBig(output.Value)
	return &copied
}

func cloneFeeToken(token *domain.FeeToken) *domain.FeeToken {
	copied := *token
	copied.InitialValue = cloneBig(token.InitialValue)
	copied.BackingValue = cloneBig(token.BackingValue)
	copied.Capacity = cloneBig(token.Capacity)
	copied.RatePerSecond = cloneBig(token.RatePerSecond)
	return &copied
}

func cloneBig(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}

func (s *memoryStore) GetOutput(_ context.Context, id domain.UtxoID) (*domain.UnspentOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getOutput(id)
}

func (s *memoryStore) ListOutputs(_ context.Context, owner string, states ...domain.OutputState) ([]*domain.UnspentOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listOutputs(owner, states)
}

func (s *memoryStore) CreateOutput(_ context.Context, output *domain.UnspentOutput) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createOutput(output)
}

func (s *memoryStore) SetOutputState(_ context.Context, id domain.UtxoID, state domain.OutputState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.setOutputState(id, state)
}

func (s *memoryStore) UpdateOutputValue(_ context.Context, id domain.UtxoID, value *big.Int, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateOutputValue(id, value, createdAt)
}

func (s *memoryStore) SetOutputFeeRegistered(_ context.Context, id domain.UtxoID, registered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.setOutputFeeRegistered(id, registered)
}

func (s *memoryStore) GetFeeToken(_ context.Context, nullifier string) (*domain.FeeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getFeeToken(nullifier)
}

func (s *memoryStore) ListFeeTokens(_ context.Context, owner string, states ...domain.OutputState) ([]*domain.FeeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listFeeTokens(owner, states)
}

func (s *memoryStore) CreateFeeToken(_ context.Context, token *domain.FeeToken) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createFeeToken(token)
}

func (s *memoryStore) SetFeeTokenState(_ context.Context, nullifier string, state domain.OutputState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.setFeeTokenState(nullifier, state)
}

// Transact clones the data set, runs fn against the clone and commits it only
// when fn returns nil
func (s *memoryStore) Transact(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := s.data.clone()
	if err := fn(&memoryTx{data: clone}); err != nil {
		return err
	}
	s.data = clone
	return nil
}

// memoryTx is the unlocked store view handed to Transact callbacks; the
// outer store holds its mutex for the whole transaction
type memoryTx struct {
	data *memoryData
}

func (t *memoryTx) GetOutput(_ context.Context, id domain.UtxoID) (*domain.UnspentOutput, error) {
	return t.data.getOutput(id)
}

func (t *memoryTx) ListOutputs(_ context.Context, owner string, states ...domain.OutputState) ([]*domain.UnspentOutput, error) {
	return t.data.listOutputs(owner, states)
}

func (t *memoryTx) CreateOutput(_ context.Context, output *domain.UnspentOutput) (bool, error) {
	return t.data.createOutput(output)
}

func (t *memoryTx) SetOutputState(_ context.Context, id domain.UtxoID, state domain.OutputState) error {
	return t.data.setOutputState(id, state)
}

func (t *memoryTx) UpdateOutputValue(_ context.Context, id domain.UtxoID, value *big.Int, createdAt time.Time) error {
	return t.data.updateOutputValue(id, value, createdAt)
}

func (t *memoryTx) SetOutputFeeRegistered(_ context.Context, id domain.UtxoID, registered bool) error {
	return t.data.setOutputFeeRegistered(id, registered)
}

func (t *memoryTx) GetFeeToken(_ context.Context, nullifier string) (*domain.FeeToken, error) {
	return t.data.getFeeToken(nullifier)
}

func (t *memoryTx) ListFeeTokens(_ context.Context, owner string, states ...domain.OutputState) ([]*domain.FeeToken, error) {
	return t.data.listFeeTokens(owner, states)
}

func (t *memoryTx) CreateFeeToken(_ context.Context, token *domain.FeeToken) (bool, error) {
	return t.data.createFeeToken(token)
}

func (t *memoryTx) SetFeeTokenState(_ context.Context, nullifier string, state domain.OutputState) error {
	return t.data.setFeeTokenState(nullifier, state)
}

func (t *memoryTx) Transact(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

func (d *memoryData) getOutput(id domain.UtxoID) (*domain.UnspentOutput, error) {
	output, ok := d.outputs[id]
	if !ok {
		return nil, nil
	}
	return cloneOutput(output), nil
}

func (d *memoryData) listOutputs(owner string, states []domain.OutputState) ([]*domain.UnspentOutput, error) {
	var outputs []*domain.UnspentOutput
	for _, output := range d.outputs {
		if output.Owner != owner || !matchesState(output.State, states) {
			continue
		}
		outputs = append(outputs, cloneOutput(output))
	}
	// insertion order, matching the primary key ordering of the SQL store
	sort.Slice(outputs, func(i, j int) bool {
		return d.seq[outputs[i].ID] < d.seq[outputs[j].ID]
	})
	return outputs, nil
}

func (d *memoryData) createOutput(output *domain.UnspentOutput) (bool, error) {
	if _, ok := d.outputs[output.ID]; ok {
		return false, nil
	}
	d.outputs[output.ID] = cloneOutput(output)
	d.seq[output.ID] = d.nextSeq
	d.nextSeq++
	return true, nil
}

func (d *memoryData) setOutputState(id domain.UtxoID, state domain.OutputState) error {
	output, ok := d.outputs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOutput, id)
	}
	output.State = state
	return nil
}

func (d *memoryData) updateOutputValue(id domain.UtxoID, value *big.Int, createdAt time.Time) error {
	output, ok := d.outputs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOutput, id)
	}
	output.Value = cloneBig(value)
	output.CreatedAt = createdAt
	return nil
}

func (d *memoryData) setOutputFeeRegistered(id domain.UtxoID, registered bool) error {
	output, ok := d.outputs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOutput, id)
	}
	output.FeeRegistered = registered
	return nil
}

func (d *memoryData) getFeeToken(nullifier string) (*domain.FeeToken, error) {
	token, ok := d.feeTokens[nullifier]
	if !ok {
		return nil, nil
	}
	return cloneFeeToken(token), nil
}

func (d *memoryData) listFeeTokens(owner string, states []domain.OutputState) ([]*domain.FeeToken, error) {
	var tokens []*domain.FeeToken
	for _, token := range d.feeTokens {
		if token.Owner != owner || !matchesState(token.State, states) {
			continue
		}
		tokens = append(tokens, cloneFeeToken(token))
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].Nullifier < tokens[j].Nullifier
		}
		return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
	})
	return tokens, nil
}

func (d *memoryData) createFeeToken(token *domain.FeeToken) (bool, error) {
	if _, ok := d.feeTokens[token.Nullifier]; ok {
		return false, nil
	}
	d.feeTokens[token.Nullifier] = cloneFeeToken(token)
	return true, nil
}

func (d *memoryData) setFeeTokenState(nullifier string, state domain.OutputState) error {
	token, ok := d.feeTokens[nullifier]
	if !ok {
		return fmt.Errorf("%w: fee token %s", domain.ErrUnknownOutput, nullifier)
	}
	token.State = state
	return nil
}

func matchesState(state domain.OutputState, states []domain.OutputState) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// memoryCursorStore is an in-memory CursorStore
type memoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewMemoryCursorStore creates an empty in-memory cursor store
func NewMemoryCursorStore() CursorStore {
	return &memoryCursorStore{cursors: make(map[string]uint64)}
}

func (s *memoryCursorStore) GetSyncCursor(_ context.Context, address string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eventID, ok := s.cursors[address]
	return eventID, ok, nil
}

func (s *memoryCursorStore) SetSyncCursor(_ context.Context, address string, eventID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[address] = eventID
	return nil
}

func (s *memoryCursorStore) ClearSyncCursor(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, address)
	return nil
}

func (s *memoryCursorStore) ClearAllSyncCursors(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = make(map[string]uint64)
	return nil
}
