package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"gorm.io/gorm"

	"github.com/duskwallet/wallet-sync/internal/store/schema"
)

// CursorStore defines the interface for storing and retrieving sync cursors
type CursorStore interface {
	// GetSyncCursor retrieves the last processed event ID for a wallet
	// address; ok is false when the wallet has never synced
	GetSyncCursor(ctx context.Context, address string) (uint64, bool, error)
	// SetSyncCursor stores the last processed event ID for a wallet address
	SetSyncCursor(ctx context.Context, address string, eventID uint64) error
	// ClearSyncCursor removes the cursor for one wallet address
	ClearSyncCursor(ctx context.Context, address string) error
	// ClearAllSyncCursors removes every sync cursor (deep reorg recovery)
	ClearAllSyncCursors(ctx context.Context) error
}

const syncCursorKeyPrefix = "sync_cursor:"

func syncCursorKey(address string) string {
	return syncCursorKeyPrefix + address
}

type cursorStore struct {
	db *gorm.DB
}

// NewCursorStore creates a new cursor store
func NewCursorStore(db *gorm.DB) CursorStore {
	return &cursorStore{db: db}
}

// GetSyncCursor retrieves the last processed event ID for a wallet address
func (s *cursorStore) GetSyncCursor(ctx context.Context, address string) (uint64, bool, error) {
	var kv schema.KeyValueStore
	err := s.db.WithContext(ctx).Where("key = ?", syncCursorKey(address)).First(&kv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get sync cursor: %w", err)
	}

	eventID, err := strconv.ParseUint(kv.Value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse sync cursor: %w", err)
	}

	return eventID, true, nil
}

// SetSyncCursor stores the last processed event ID for a wallet address
func (s *cursorStore) SetSyncCursor(ctx context.Context, address string, eventID uint64) error {
	kv := schema.KeyValueStore{
		Key:   syncCursorKey(address),
		Value: strconv.FormatUint(eventID, 10),
	}

	err := s.db.WithContext(ctx).Save(&kv).Error
	if err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}

	return nil
}

// ClearSyncCursor removes the cursor for one wallet address
func (s *cursorStore) ClearSyncCursor(ctx context.Context, address string) error {
	err := s.db.WithContext(ctx).
		Where("key = ?", syncCursorKey(address)).
		Delete(&schema.KeyValueStore{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear sync cursor: %w", err)
	}
	return nil
}

// ClearAllSyncCursors removes every sync cursor. Only keys in the sync cursor
// namespace are touched; other key-value state survives.
func (s *cursorStore) ClearAllSyncCursors(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("key LIKE ?", syncCursorKeyPrefix+"%").
		Delete(&schema.KeyValueStore{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear sync cursors: %w", err)
	}
	return nil
}

// CursorUpdate is delivered to cursor observers on every successful write
type CursorUpdate struct {
	Address string
	EventID uint64
}

// ObservableCursorStore wraps a CursorStore and fans successful cursor writes
// out to registered observers.
type ObservableCursorStore struct {
	CursorStore

	mu        sync.Mutex
	nextID    int
	observers map[int]chan CursorUpdate
}

// NewObservableCursorStore wraps inner with observer fan-out
func NewObservableCursorStore(inner CursorStore) *ObservableCursorStore {
	return &ObservableCursorStore{
		CursorStore: inner,
		observers:   make(map[int]chan CursorUpdate),
	}
}

// SetSyncCursor stores the cursor and notifies observers on success
func (s *ObservableCursorStore) SetSyncCursor(ctx context.Context, address string, eventID uint64) error {
	if err := s.CursorStore.SetSyncCursor(ctx, address, eventID); err != nil {
		return err
	}

	update := CursorUpdate{Address: address, EventID: eventID}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.observers {
		// latest-wins: a slow observer sees the newest update, never a
		// blocked writer
		select {
		case ch <- update:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
	return nil
}

// Observe registers a cursor observer. The returned cancel func must be
// called to release it.
func (s *ObservableCursorStore) Observe() (<-chan CursorUpdate, func()) {
	ch := make(chan CursorUpdate, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
	return ch, cancel
}
