// Package orchestrator drives a wallet's sync session: it resumes from the
// persisted cursor, feeds the indexer subscription through the UTXO state
// machine, tracks chain reorganizations and retries transient failures with
// exponential backoff.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/duskwallet/wallet-sync/internal/adapter"
	"github.com/duskwallet/wallet-sync/internal/domain"
	"github.com/duskwallet/wallet-sync/internal/eventcache"
	"github.com/duskwallet/wallet-sync/internal/logger"
	"github.com/duskwallet/wallet-sync/internal/publisher"
	"github.com/duskwallet/wallet-sync/internal/reorg"
	"github.com/duskwallet/wallet-sync/internal/store"
	"github.com/duskwallet/wallet-sync/internal/transport"
	"github.com/duskwallet/wallet-sync/internal/utxo"
)

// Stream is one subscription's result sequence
type Stream interface {
	Updates() <-chan json.RawMessage
	Err() error
	Unsubscribe()
}

// Transport is the subscription connection the orchestrator drives. One
// Transport instance serves one connection attempt; reconnection is
// recreation via the factory.
//
//go:generate mockgen -source=orchestrator.go -destination=../mocks/transport.go -package=mocks -mock_names=Transport=MockTransport,Stream=MockStream
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, query string, variables map[string]interface{}) (Stream, error)
	Close() error
}

// TransportFactory creates a fresh Transport for each connection attempt
type TransportFactory func() Transport

type clientTransport struct {
	client *transport.Client
}

func (t clientTransport) Connect(ctx context.Context) error { return t.client.Connect(ctx) }
func (t clientTransport) Close() error                      { return t.client.Close() }

func (t clientTransport) Subscribe(ctx context.Context, query string, variables map[string]interface{}) (Stream, error) {
	sub, err := t.client.Subscribe(ctx, query, variables)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// WrapClient adapts a transport client to the Transport interface
func WrapClient(client *transport.Client) Transport {
	return clientTransport{client: client}
}

// Config holds orchestrator construction parameters
type Config struct {
	// Address is the wallet address this orchestrator syncs
	Address string
	// InitialBackoff is the first retry delay
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration
	// BackoffMultiplier scales successive retry delays
	BackoffMultiplier float64
	// MaxAttempts is the retry ceiling before the session fails terminally
	MaxAttempts uint64
	// CursorSaveInterval throttles progress-marker writes
	CursorSaveInterval time.Duration
	// InactivityTimeout is how long without a new transaction counts as
	// caught up
	InactivityTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 16 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.CursorSaveInterval == 0 {
		c.CursorSaveInterval = 5 * time.Second
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 3 * time.Second
	}
}

// NewBackoff builds the retry policy used between sync sessions. No jitter:
// retry timing is part of the observable contract.
func NewBackoff(initial time.Duration, multiplier float64, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = multiplier
	b.MaxInterval = max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// errResync restarts the session after a shallow reorganization rolled the
// cursor back
var errResync = errors.New("resync required after shallow reorganization")

// Orchestrator syncs one wallet address
type Orchestrator struct {
	cfg          Config
	newTransport TransportFactory
	machine      *utxo.Machine
	cursors      store.CursorStore
	cache        *eventcache.Cache
	detector     *reorg.Detector
	pub          publisher.Publisher
	json         adapter.JSON
	clock        adapter.Clock

	stateMu   sync.Mutex
	state     domain.SyncState
	observers map[int]chan domain.SyncState
	nextObs   int
}

// New creates an orchestrator for one wallet address
func New(
	cfg Config,
	newTransport TransportFactory,
	machine *utxo.Machine,
	cursors store.CursorStore,
	cache *eventcache.Cache,
	detector *reorg.Detector,
	pub publisher.Publisher,
	jsonAdapter adapter.JSON,
	clock adapter.Clock,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:          cfg,
		newTransport: newTransport,
		machine:      machine,
		cursors:      cursors,
		cache:        cache,
		detector:     detector,
		pub:          pub,
		json:         jsonAdapter,
		clock:        clock,
		state:        domain.SyncConnecting{},
		observers:    make(map[int]chan domain.SyncState),
	}
}

// State returns the current sync state
func (o *Orchestrator) State() domain.SyncState {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

// States registers a sync-state observer. Delivery is latest-wins; the
// returned cancel func releases the observer.
func (o *Orchestrator) States() (<-chan domain.SyncState, func()) {
	ch := make(chan domain.SyncState, 1)

	o.stateMu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = ch
	ch <- o.state
	o.stateMu.Unlock()

	cancel := func() {
		o.stateMu.Lock()
		delete(o.observers, id)
		o.stateMu.Unlock()
	}
	return ch, cancel
}

func (o *Orchestrator) setState(state domain.SyncState) {
	o.stateMu.Lock()
	o.state = state
	for _, ch := range o.observers {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
	o.stateMu.Unlock()

	logger.Debug("Sync state changed",
		zap.String("address", o.cfg.Address),
		zap.String("state", state.String()))
}

// Run drives sync sessions until the context is cancelled or the retry
// ceiling is exceeded. Cancellation is not an error; exhausting retries or a
// non-retryable failure leaves the orchestrator in a terminal failed state
// and returns the cause.
func (o *Orchestrator) Run(ctx context.Context) error {
	b := NewBackoff(o.cfg.InitialBackoff, o.cfg.BackoffMultiplier, o.cfg.MaxBackoff)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, o.cfg.MaxAttempts), ctx)

	operation := func() error {
		for {
			err := o.runSession(ctx)
			if err == nil {
				return nil
			}
			if errors.Is(err, errResync) {
				// a shallow reorg rolled the cursor back. Restart
				// immediately with a fresh retry budget; the attempt
				// ceiling counts consecutive failures only.
				policy.Reset()
				logger.InfoCtx(ctx, "Resyncing after shallow reorganization",
					zap.String("address", o.cfg.Address))
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			if !domain.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
	}

	notify := func(err error, next time.Duration) {
		logger.WarnCtx(ctx, "Sync session failed, retrying",
			zap.String("address", o.cfg.Address),
			zap.Error(err),
			zap.Duration("next_retry_in", next))
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	o.setState(domain.SyncFailed{Message: err.Error()})
	return err
}

// runSession runs one connect-subscribe-consume cycle. A nil return means
// the stream completed cleanly or the context was cancelled.
func (o *Orchestrator) runSession(ctx context.Context) error {
	sessionID := ulid.Make().String()
	o.setState(domain.SyncConnecting{})

	logger.InfoCtx(ctx, "Starting sync session",
		zap.String("address", o.cfg.Address),
		zap.String("session_id", sessionID))

	tr := o.newTransport()
	defer func() {
		if err := tr.Close(); err != nil {
			logger.WarnCtx(ctx, "Failed to close transport", zap.Error(err))
		}
	}()

	if err := tr.Connect(ctx); err != nil {
		return err
	}

	variables := map[string]interface{}{"address": o.cfg.Address}
	cursor, haveCursor, err := o.cursors.GetSyncCursor(ctx, o.cfg.Address)
	if err != nil {
		return err
	}
	if haveCursor {
		variables["afterId"] = cursor
		logger.InfoCtx(ctx, "Resuming from cursor",
			zap.String("address", o.cfg.Address),
			zap.Uint64("after_id", cursor))
	} else {
		logger.InfoCtx(ctx, "No cursor, syncing from the beginning",
			zap.String("address", o.cfg.Address))
	}

	stream, err := tr.Subscribe(ctx, walletUpdatesQuery, variables)
	if err != nil {
		return err
	}
	defer stream.Unsubscribe()

	session := &syncSession{
		orchestrator: o,
		lastSaveTime: o.clock.Now(),
	}
	if haveCursor {
		session.lastProcessedID = cursor
		session.lastSavedID = cursor
		session.haveProcessed = true
	}

	// the progress marker is flushed exactly once no matter how the session
	// ends
	defer session.finalSave(ctx)

	watchdog := o.clock.NewTimer(o.cfg.InactivityTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-watchdog.Chan():
			// nothing new arrived; treat the wallet as caught up
			o.setState(domain.SyncSynced{HighestID: session.highestKnownID})

		case raw, ok := <-stream.Updates():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				logger.InfoCtx(ctx, "Subscription completed",
					zap.String("address", o.cfg.Address),
					zap.String("session_id", sessionID))
				return nil
			}

			if err := session.handle(ctx, raw, watchdog); err != nil {
				return err
			}
		}
	}
}

// syncSession carries the mutable state of one session: progress tracking
// and cursor-write throttling
type syncSession struct {
	orchestrator *Orchestrator

	lastProcessedID uint64
	haveProcessed   bool
	highestKnownID  uint64

	lastSavedID  uint64
	lastSaveTime time.Time
	saveOnce     sync.Once
}

func (s *syncSession) handle(ctx context.Context, raw json.RawMessage, watchdog adapter.Timer) error {
	o := s.orchestrator

	decoded, err := decodeUpdate(o.json, raw)
	if err != nil {
		return err
	}

	o.cache.Store(decoded.raw)
	if decoded.raw.MaxKnownID > s.highestKnownID {
		s.highestKnownID = decoded.raw.MaxKnownID
	}

	if decoded.block != nil {
		if err := o.detector.RecordBlock(*decoded.block); err != nil {
			if errors.Is(err, domain.ErrDeepReorg) {
				_ = o.drainReorgEvents(ctx)
				// the cursor was cleared; the shutdown flush must not
				// resurrect it
				s.suppressFinalSave()
				return o.handleDeepReorg(ctx, err)
			}
			return err
		}
		if err := o.drainReorgEvents(ctx); err != nil {
			if errors.Is(err, errResync) {
				// the cursor was rolled back; same as above
				s.suppressFinalSave()
			}
			return err
		}
	}

	result, err := o.machine.ApplyUpdate(ctx, decoded.update)
	if err != nil {
		return err
	}

	switch r := result.(type) {
	case domain.TransactionProcessed:
		o.setState(domain.SyncSyncing{
			ProcessedID:    r.ID,
			HighestKnownID: s.highestKnownID,
		})

		// new activity restarts the inactivity debounce
		watchdog.Stop()
		watchdog.Reset(o.cfg.InactivityTimeout)

		s.lastProcessedID = r.ID
		s.haveProcessed = true
		s.throttledSave(ctx)

		if err := o.pub.PublishTransaction(ctx, &publisher.TransactionEvent{
			Address:      o.cfg.Address,
			TxID:         r.ID,
			TxHash:       r.Hash,
			Status:       r.Status,
			CreatedCount: r.CreatedCount,
			SpentCount:   r.SpentCount,
			Timestamp:    o.clock.Now(),
		}); err != nil {
			logger.WarnCtx(ctx, "Failed to publish transaction event",
				zap.String("address", o.cfg.Address),
				zap.Uint64("tx_id", r.ID),
				zap.Error(err))
		}

	case domain.ProgressUpdated:
		// server-side heartbeat: there is nothing newer than this
		if r.HighestKnownID > s.highestKnownID {
			s.highestKnownID = r.HighestKnownID
		}
		o.setState(domain.SyncSynced{HighestID: s.highestKnownID})
	}

	return nil
}

// throttledSave persists the cursor at most once per save interval
func (s *syncSession) throttledSave(ctx context.Context) {
	o := s.orchestrator
	if !s.haveProcessed || s.lastProcessedID == s.lastSavedID {
		return
	}
	if o.clock.Since(s.lastSaveTime) < o.cfg.CursorSaveInterval {
		return
	}

	if err := o.cursors.SetSyncCursor(ctx, o.cfg.Address, s.lastProcessedID); err != nil {
		logger.WarnCtx(ctx, "Failed to save sync cursor",
			zap.String("address", o.cfg.Address),
			zap.Error(err))
		return
	}
	s.lastSavedID = s.lastProcessedID
	s.lastSaveTime = o.clock.Now()
}

// suppressFinalSave disarms the shutdown cursor flush after a reorg has
// rewritten the cursor
func (s *syncSession) suppressFinalSave() {
	s.saveOnce.Do(func() {})
}

// finalSave forces the last progress marker out regardless of throttle
// state; it runs exactly once per session
func (s *syncSession) finalSave(ctx context.Context) {
	s.saveOnce.Do(func() {
		o := s.orchestrator
		if !s.haveProcessed || s.lastProcessedID == s.lastSavedID {
			return
		}
		// the session context may already be cancelled
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := o.cursors.SetSyncCursor(saveCtx, o.cfg.Address, s.lastProcessedID); err != nil {
			logger.Error(err,
				zap.String("message", "Failed to flush final sync cursor"),
				zap.String("address", o.cfg.Address),
				zap.Uint64("cursor", s.lastProcessedID))
			return
		}
		s.lastSavedID = s.lastProcessedID
	})
}

// drainReorgEvents consumes any reorg events the detector emitted for the
// block just recorded
func (o *Orchestrator) drainReorgEvents(ctx context.Context) error {
	for {
		select {
		case ev := <-o.detector.Events():
			switch e := ev.(type) {
			case domain.ShallowReorg:
				if err := o.handleShallowReorg(ctx, e); err != nil {
					return err
				}
			case domain.DeepReorg:
				o.publishReorg(ctx, true, e.Height, e.CommonAncestorHeight)
			}
		default:
			return nil
		}
	}
}

// handleShallowReorg rolls the cursor back to the last event at or below the
// common ancestor, drops cached events and restarts the session so the
// orphaned span is refetched
func (o *Orchestrator) handleShallowReorg(ctx context.Context, ev domain.ShallowReorg) error {
	logger.WarnCtx(ctx, "Shallow chain reorganization",
		zap.String("address", o.cfg.Address),
		zap.Uint64("height", ev.Height),
		zap.Uint64("common_ancestor", ev.CommonAncestorHeight),
		zap.Int("orphaned_blocks", len(ev.OldBranch)))

	o.publishReorg(ctx, false, ev.Height, ev.CommonAncestorHeight)

	rollbackID, found := o.lastEventAtOrBelow(ev.CommonAncestorHeight)
	if found {
		if err := o.cursors.SetSyncCursor(ctx, o.cfg.Address, rollbackID); err != nil {
			return err
		}
	} else {
		if err := o.cursors.ClearSyncCursor(ctx, o.cfg.Address); err != nil {
			return err
		}
	}

	// discard the whole cache: entries above the ancestor belong to the
	// orphaned branch, the rest is refetched on resync anyway
	o.cache.Clear()

	return errResync
}

// handleDeepReorg clears all local sync state for the address; the failure
// is terminal for this orchestrator
func (o *Orchestrator) handleDeepReorg(ctx context.Context, cause error) error {
	logger.ErrorCtx(ctx, cause,
		zap.String("message", "Deep chain reorganization, local state reset required"),
		zap.String("address", o.cfg.Address))

	o.cache.Clear()
	o.detector.Reset()
	if err := o.cursors.ClearSyncCursor(ctx, o.cfg.Address); err != nil {
		logger.ErrorCtx(ctx, err,
			zap.String("message", "Failed to clear sync cursor after deep reorg"),
			zap.String("address", o.cfg.Address))
	}

	return cause
}

// lastEventAtOrBelow scans the cache for the highest event id whose block
// height does not exceed height
func (o *Orchestrator) lastEventAtOrBelow(height uint64) (uint64, bool) {
	oldest, ok := o.cache.OldestID()
	if !ok {
		return 0, false
	}
	latest, _ := o.cache.LatestID()

	var best uint64
	var found bool
	for _, event := range o.cache.GetRange(oldest, latest) {
		if event.BlockHeight == nil || *event.BlockHeight > height {
			continue
		}
		if !found || event.ID > best {
			best = event.ID
			found = true
		}
	}
	return best, found
}

func (o *Orchestrator) publishReorg(ctx context.Context, deep bool, height, ancestor uint64) {
	err := o.pub.PublishReorg(ctx, &publisher.ReorgEvent{
		Address:              o.cfg.Address,
		Deep:                 deep,
		Height:               height,
		CommonAncestorHeight: ancestor,
		Timestamp:            o.clock.Now(),
	})
	if err != nil {
		logger.WarnCtx(ctx, "Failed to publish reorg event",
			zap.String("address", o.cfg.Address),
			zap.Error(err))
	}
}
