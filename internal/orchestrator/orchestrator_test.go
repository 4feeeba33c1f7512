package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwallet/wallet-sync/internal/adapter"
	"github.com/duskwallet/wallet-sync/internal/domain"
	"github.com/duskwallet/wallet-sync/internal/eventcache"
	"github.com/duskwallet/wallet-sync/internal/logger"
	"github.com/duskwallet/wallet-sync/internal/mocks"
	"github.com/duskwallet/wallet-sync/internal/orchestrator"
	"github.com/duskwallet/wallet-sync/internal/publisher"
	"github.com/duskwallet/wallet-sync/internal/reorg"
	"github.com/duskwallet/wallet-sync/internal/store"
	"github.com/duskwallet/wallet-sync/internal/utxo"
)

const walletAddress = "0xwallet"

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

func TestNewBackoff_Sequence(t *testing.T) {
	b := orchestrator.NewBackoff(time.Second, 2.0, 16*time.Second)

	expected := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, want := range expected {
		assert.Equal(t, want, b.NextBackOff(), "attempt %d", i+1)
	}
}

// fakeSession scripts one transport lifetime: Connect succeeds, Subscribe
// hands out a stream fed from updates, and the observed subscription
// variables are captured for assertions.
type fakeSession struct {
	transport *mocks.MockTransport
	stream    *mocks.MockStream
	updates   chan json.RawMessage
	vars      chan map[string]interface{}

	mu  sync.Mutex
	err error
}

func newFakeSession(ctrl *gomock.Controller) *fakeSession {
	fs := &fakeSession{
		transport: mocks.NewMockTransport(ctrl),
		stream:    mocks.NewMockStream(ctrl),
		updates:   make(chan json.RawMessage, 32),
		vars:      make(chan map[string]interface{}, 1),
	}

	fs.transport.EXPECT().Connect(gomock.Any()).Return(nil).AnyTimes()
	fs.transport.EXPECT().Close().Return(nil).AnyTimes()
	fs.transport.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, variables map[string]interface{}) (orchestrator.Stream, error) {
			fs.vars <- variables
			return fs.stream, nil
		}).AnyTimes()

	fs.stream.EXPECT().Updates().DoAndReturn(func() <-chan json.RawMessage {
		return fs.updates
	}).AnyTimes()
	fs.stream.EXPECT().Err().DoAndReturn(func() error {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.err
	}).AnyTimes()
	fs.stream.EXPECT().Unsubscribe().AnyTimes()
	return fs
}

// finish ends the stream with err (nil meaning clean completion)
func (fs *fakeSession) finish(err error) {
	fs.mu.Lock()
	fs.err = err
	fs.mu.Unlock()
	close(fs.updates)
}

func (fs *fakeSession) subscribedVars(t *testing.T) map[string]interface{} {
	select {
	case vars := <-fs.vars:
		return vars
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe")
		return nil
	}
}

// sessionFactory hands the queued sessions out one per connection attempt
func sessionFactory(sessions ...*fakeSession) orchestrator.TransportFactory {
	var mu sync.Mutex
	next := 0
	return func() orchestrator.Transport {
		mu.Lock()
		defer mu.Unlock()
		s := sessions[next%len(sessions)]
		next++
		return s.transport
	}
}

// countingCursorStore records every cursor write for throttle assertions
type countingCursorStore struct {
	store.CursorStore

	mu   sync.Mutex
	sets []uint64
}

func newCountingCursorStore() *countingCursorStore {
	return &countingCursorStore{CursorStore: store.NewMemoryCursorStore()}
}

func (c *countingCursorStore) SetSyncCursor(ctx context.Context, address string, eventID uint64) error {
	c.mu.Lock()
	c.sets = append(c.sets, eventID)
	c.mu.Unlock()
	return c.CursorStore.SetSyncCursor(ctx, address, eventID)
}

func (c *countingCursorStore) writes() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.sets...)
}

// harness wires an orchestrator over in-memory state
type harness struct {
	orchestrator *orchestrator.Orchestrator
	store        store.Store
	machine      *utxo.Machine
	cursors      *countingCursorStore
	cache        *eventcache.Cache
	detector     *reorg.Detector
}

func newHarness(t *testing.T, cfg orchestrator.Config, factory orchestrator.TransportFactory, pub publisher.Publisher) *harness {
	if cfg.Address == "" {
		cfg.Address = walletAddress
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 4 * time.Millisecond
	}

	st := store.NewMemoryStore()
	cursors := newCountingCursorStore()
	cache, err := eventcache.New(eventcache.MinCapacity)
	require.NoError(t, err)
	detector, err := reorg.NewDetector(reorg.Config{FinalityThreshold: 8, HistoryDepth: 16})
	require.NoError(t, err)

	if pub == nil {
		pub = publisher.NewNoopPublisher()
	}

	machine := utxo.NewMachine(st)
	return &harness{
		orchestrator: orchestrator.New(cfg, factory, machine, cursors, cache, detector, pub, adapter.NewJSON(), adapter.NewClock()),
		store:        st,
		machine:      machine,
		cursors:      cursors,
		cache:        cache,
		detector:     detector,
	}
}

// envelope encodes one walletUpdates subscription payload
func envelope(t *testing.T, fields map[string]interface{}) json.RawMessage {
	data, err := json.Marshal(map[string]interface{}{"walletUpdates": fields})
	require.NoError(t, err)
	return data
}

func progressUpdate(t *testing.T, id, maxKnownID uint64) json.RawMessage {
	return envelope(t, map[string]interface{}{
		"id":         id,
		"maxKnownId": maxKnownID,
		"payload":    "0x00",
	})
}

func outputField(txID string, index uint32, value string) map[string]interface{} {
	return map[string]interface{}{
		"txId":      txID,
		"index":     index,
		"owner":     walletAddress,
		"tokenType": "native",
		"value":     value,
		"createdAt": baseTime,
	}
}

func txFields(id, maxKnownID uint64, hash string, outputs ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"maxKnownId": maxKnownID,
		"payload":    "0x01",
		"transaction": map[string]interface{}{
			"hash":           hash,
			"status":         "confirmed",
			"createdOutputs": outputs,
		},
	}
}

func withBlock(fields map[string]interface{}, height uint64, hash, parent string) map[string]interface{} {
	fields["blockHeight"] = height
	fields["block"] = map[string]interface{}{
		"height":     height,
		"hash":       hash,
		"parentHash": parent,
		"timestamp":  baseTime.Add(time.Duration(height) * 12 * time.Second),
		"eventCount": 1,
	}
	return fields
}

func TestRun_ProcessesStreamAndFlushesCursor(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	session := newFakeSession(ctrl)
	h := newHarness(t, orchestrator.Config{}, sessionFactory(session), nil)

	session.updates <- envelope(t, txFields(1, 3, "0xaa", outputField("0xaa", 0, "700000")))
	session.updates <- envelope(t, txFields(2, 3, "0xbb", outputField("0xbb", 0, "300000")))
	session.finish(nil)

	require.NoError(t, h.orchestrator.Run(context.Background()))

	// first session carries no resume cursor
	vars := session.subscribedVars(t)
	assert.Equal(t, walletAddress, vars["address"])
	assert.NotContains(t, vars, "afterId")

	balance, err := h.machine.AvailableBalance(context.Background(), walletAddress)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000), balance)

	// the shutdown flush persisted the last processed id
	cursor, ok, err := h.cursors.GetSyncCursor(context.Background(), walletAddress)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), cursor)

	// raw events were cached
	assert.Equal(t, 2, h.cache.Len())
}

func TestRun_ResumesFromCursor(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	session := newFakeSession(ctrl)
	h := newHarness(t, orchestrator.Config{}, sessionFactory(session), nil)
	require.NoError(t, h.cursors.SetSyncCursor(context.Background(), walletAddress, 42))

	session.finish(nil)
	require.NoError(t, h.orchestrator.Run(context.Background()))

	vars := session.subscribedVars(t)
	assert.Equal(t, uint64(42), vars["afterId"])
}

func TestRun_CursorWritesThrottled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	session := newFakeSession(ctrl)
	// an hour-long interval means no mid-session writes at all
	h := newHarness(t, orchestrator.Config{CursorSaveInterval: time.Hour}, sessionFactory(session), nil)

	for id := uint64(1); id <= 10; id++ {
		session.updates <- envelope(t, txFields(id, 10, "0xaa"))
	}
	session.finish(nil)

	require.NoError(t, h.orchestrator.Run(context.Background()))

	// only the shutdown flush wrote, and it wrote the final id
	assert.Equal(t, []uint64{10}, h.cursors.writes())
}

func TestRun_TransientFailureRetriesUntilCeiling(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var attempts int
	var mu sync.Mutex
	factory := func() orchestrator.Transport {
		mu.Lock()
		attempts++
		mu.Unlock()
		tr := mocks.NewMockTransport(ctrl)
		tr.EXPECT().Connect(gomock.Any()).Return(errors.New("connection refused"))
		tr.EXPECT().Close().Return(nil)
		return tr
	}

	h := newHarness(t, orchestrator.Config{MaxAttempts: 2}, factory, nil)

	err := h.orchestrator.Run(context.Background())
	require.Error(t, err)

	mu.Lock()
	got := attempts
	mu.Unlock()
	// the first attempt plus MaxAttempts retries
	assert.Equal(t, 3, got)

	state, ok := h.orchestrator.State().(domain.SyncFailed)
	require.True(t, ok, "expected SyncFailed, got %T", h.orchestrator.State())
	assert.Contains(t, state.Message, "connection refused")
}

func TestRun_GraphQLErrorIsTerminal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var attempts int
	var mu sync.Mutex
	gqlErr := &domain.GraphQLError{Messages: []domain.GraphQLMessage{{Message: "unknown address"}}}
	factory := func() orchestrator.Transport {
		mu.Lock()
		attempts++
		mu.Unlock()
		session := newFakeSession(ctrl)
		session.finish(gqlErr)
		return session.transport
	}

	h := newHarness(t, orchestrator.Config{MaxAttempts: 5}, factory, nil)

	err := h.orchestrator.Run(context.Background())
	require.Error(t, err)

	var got *domain.GraphQLError
	assert.ErrorAs(t, err, &got)

	mu.Lock()
	defer mu.Unlock()
	// non-retryable failures never burn retry attempts
	assert.Equal(t, 1, attempts)
	assert.IsType(t, domain.SyncFailed{}, h.orchestrator.State())
}

func TestRun_CancellationIsNotAnError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	session := newFakeSession(ctrl)
	h := newHarness(t, orchestrator.Config{}, sessionFactory(session), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orchestrator.Run(ctx) }()

	// wait until the session is live, then cancel
	session.subscribedVars(t)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestRun_InactivityMarksSynced(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	session := newFakeSession(ctrl)
	h := newHarness(t, orchestrator.Config{InactivityTimeout: 30 * time.Millisecond}, sessionFactory(session), nil)

	states, cancelObs := h.orchestrator.States()
	defer cancelObs()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.orchestrator.Run(ctx) }()

	session.updates <- envelope(t, txFields(1, 7, "0xaa", outputField("0xaa", 0, "100")))

	// nothing else arrives; the debounce fires and the wallet reads synced
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-states:
			if synced, ok := state.(domain.SyncSynced); ok && synced.HighestID == 7 {
				cancel()
				<-done
				return
			}
		case <-deadline:
			t.Fatal("never reached synced state")
		}
	}
}

func TestRun_ProgressMarkerMeansSynced(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	session := newFakeSession(ctrl)
	h := newHarness(t, orchestrator.Config{}, sessionFactory(session), nil)

	session.updates <- progressUpdate(t, 5, 5)
	session.finish(nil)

	require.NoError(t, h.orchestrator.Run(context.Background()))

	state, ok := h.orchestrator.State().(domain.SyncSynced)
	require.True(t, ok, "expected SyncSynced, got %T", h.orchestrator.State())
	assert.Equal(t, uint64(5), state.HighestID)
}

func TestRun_ShallowReorgRollsBackAndResyncs(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	first := newFakeSession(ctrl)
	second := newFakeSession(ctrl)

	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().PublishTransaction(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	var published *publisher.ReorgEvent
	pub.EXPECT().PublishReorg(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, event *publisher.ReorgEvent) error {
			published = event
			return nil
		})

	h := newHarness(t, orchestrator.Config{}, sessionFactory(first, second), pub)

	// two blocks land, then a competing block forks off the first one
	first.updates <- envelope(t, withBlock(txFields(1, 3, "0xaa", outputField("0xaa", 0, "100")), 100, "h100", "h99"))
	first.updates <- envelope(t, withBlock(txFields(2, 3, "0xbb", outputField("0xbb", 0, "200")), 101, "h101", "h100"))
	first.updates <- envelope(t, withBlock(txFields(3, 3, "0xcc", outputField("0xcc", 0, "300")), 101, "h101b", "h100"))

	second.finish(nil)
	require.NoError(t, h.orchestrator.Run(context.Background()))

	// the reorg was published as shallow
	require.NotNil(t, published)
	assert.False(t, published.Deep)
	assert.Equal(t, uint64(101), published.Height)
	assert.Equal(t, uint64(100), published.CommonAncestorHeight)

	// the cursor rolled back to the last event at or below the ancestor
	cursor, ok, err := h.cursors.GetSyncCursor(context.Background(), walletAddress)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), cursor)

	// orphaned events were dropped and the next session resumed from the
	// rolled-back cursor
	assert.Equal(t, 0, h.cache.Len())
	first.subscribedVars(t)
	vars := second.subscribedVars(t)
	assert.Equal(t, uint64(1), vars["afterId"])

	// the transaction carried by the forking update was never applied
	output, err := h.store.GetOutput(context.Background(), domain.UtxoID{TxID: "0xcc", Index: 0})
	require.NoError(t, err)
	assert.Nil(t, output)
}

func TestRun_RepeatedShallowReorgsDoNotExhaustRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	first := newFakeSession(ctrl)
	second := newFakeSession(ctrl)
	third := newFakeSession(ctrl)

	// with a retry ceiling of one, each resync restarting the session must
	// not count against it
	h := newHarness(t, orchestrator.Config{MaxAttempts: 1}, sessionFactory(first, second, third), nil)

	// session one ends in a shallow reorg
	first.updates <- envelope(t, withBlock(txFields(1, 5, "0xaa", outputField("0xaa", 0, "100")), 100, "h100", "h99"))
	first.updates <- envelope(t, withBlock(txFields(2, 5, "0xbb", outputField("0xbb", 0, "200")), 101, "h101", "h100"))
	first.updates <- envelope(t, withBlock(txFields(3, 5, "0xcc", outputField("0xcc", 0, "300")), 101, "h101b", "h100"))

	// session two forks again off the same ancestor
	second.updates <- envelope(t, withBlock(txFields(4, 5, "0xdd", outputField("0xdd", 0, "400")), 101, "h101c", "h100"))

	// session three completes cleanly
	third.updates <- envelope(t, txFields(5, 5, "0xee", outputField("0xee", 0, "500")))
	third.finish(nil)

	require.NoError(t, h.orchestrator.Run(context.Background()))

	// all three sessions were connected
	first.subscribedVars(t)
	second.subscribedVars(t)
	third.subscribedVars(t)

	_, failed := h.orchestrator.State().(domain.SyncFailed)
	assert.False(t, failed, "expected a non-terminal state, got %T", h.orchestrator.State())

	// the post-resync session's transaction was applied
	output, err := h.store.GetOutput(context.Background(), domain.UtxoID{TxID: "0xee", Index: 0})
	require.NoError(t, err)
	require.NotNil(t, output)
	assert.Equal(t, big.NewInt(500), output.Value)
}

func TestRun_DeepReorgIsTerminal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	session := newFakeSession(ctrl)

	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().PublishTransaction(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	var published *publisher.ReorgEvent
	pub.EXPECT().PublishReorg(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, event *publisher.ReorgEvent) error {
			published = event
			return nil
		})

	cfg := orchestrator.Config{MaxAttempts: 5}
	h := newHarnessWithFinality(t, cfg, sessionFactory(session), pub, 1)

	session.updates <- envelope(t, withBlock(txFields(1, 4, "0xaa"), 100, "h100", "h99"))
	session.updates <- envelope(t, withBlock(txFields(2, 4, "0xbb"), 101, "h101", "h100"))
	session.updates <- envelope(t, withBlock(txFields(3, 4, "0xcc"), 102, "h102", "h101"))
	// fork two blocks below the tip with finality threshold 1
	session.updates <- envelope(t, withBlock(txFields(4, 4, "0xdd"), 101, "h101b", "h100"))

	err := h.orchestrator.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrDeepReorg)

	require.NotNil(t, published)
	assert.True(t, published.Deep)

	// all local sync state was cleared
	assert.Equal(t, 0, h.cache.Len())
	_, ok, err := h.cursors.GetSyncCursor(context.Background(), walletAddress)
	require.NoError(t, err)
	assert.False(t, ok)
	_, hasTip := h.detector.Tip()
	assert.False(t, hasTip)

	assert.IsType(t, domain.SyncFailed{}, h.orchestrator.State())
}

// newHarnessWithFinality is newHarness with a custom finality threshold
func newHarnessWithFinality(t *testing.T, cfg orchestrator.Config, factory orchestrator.TransportFactory, pub publisher.Publisher, finality uint64) *harness {
	h := newHarness(t, cfg, factory, pub)
	detector, err := reorg.NewDetector(reorg.Config{FinalityThreshold: finality, HistoryDepth: 16})
	require.NoError(t, err)
	h.detector = detector
	h.orchestrator = orchestrator.New(orchestrator.Config{
		Address:            walletAddress,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         4 * time.Millisecond,
		MaxAttempts:        cfg.MaxAttempts,
		CursorSaveInterval: cfg.CursorSaveInterval,
		InactivityTimeout:  cfg.InactivityTimeout,
	}, factory, h.machine, h.cursors, h.cache, detector, pub, adapter.NewJSON(), adapter.NewClock())
	return h
}

func TestRun_MalformedEventTerminatesSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// events that regress behind their own id violate the stream contract
	factory := func() orchestrator.Transport {
		session := newFakeSession(ctrl)
		session.updates <- envelope(t, map[string]interface{}{
			"id":         10,
			"maxKnownId": 4,
			"payload":    "0x01",
		})
		session.finish(nil)
		return session.transport
	}

	h := newHarness(t, orchestrator.Config{MaxAttempts: 1}, factory, nil)

	err := h.orchestrator.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed event")
}

func TestRun_UnknownTxStatusRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	factory := func() orchestrator.Transport {
		session := newFakeSession(ctrl)
		fields := txFields(1, 1, "0xaa")
		fields["transaction"].(map[string]interface{})["status"] = "mined"
		session.updates <- envelope(t, fields)
		session.finish(nil)
		return session.transport
	}

	h := newHarness(t, orchestrator.Config{MaxAttempts: 1}, factory, nil)

	err := h.orchestrator.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status")
}

func TestStates_LatestWins(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	session := newFakeSession(ctrl)
	h := newHarness(t, orchestrator.Config{}, sessionFactory(session), nil)

	states, cancel := h.orchestrator.States()
	defer cancel()

	// the current state is delivered on registration
	state := <-states
	assert.IsType(t, domain.SyncConnecting{}, state)

	session.finish(nil)
	require.NoError(t, h.orchestrator.Run(context.Background()))
}
