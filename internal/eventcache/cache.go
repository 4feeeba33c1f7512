// Package eventcache provides a bounded, concurrency-safe store of raw ledger
// events keyed by their monotonically increasing identifier. When full, the
// least-recently-accessed entry is evicted; range reads count as accesses.
package eventcache

import (
	"container/list"
	"fmt"
	"sort"
	"sync"

	"github.com/duskwallet/wallet-sync/internal/domain"
)

// MinCapacity is the smallest accepted cache capacity. Tiny capacities cause
// pathological eviction churn, so construction below this floor is rejected.
const MinCapacity = 100

// Cache is a bounded event cache. All methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*list.Element
	// lru orders entries by last access, most recent at the front
	lru *list.List
	// ids is kept sorted ascending for range scans and min/max lookups
	ids []uint64
}

// New creates a cache holding at most capacity events
func New(capacity int) (*Cache, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("%w: %d < %d", domain.ErrCacheCapacityTooSmall, capacity, MinCapacity)
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element, capacity),
		lru:      list.New(),
	}, nil
}

// Store upserts one event by id. Updating an existing id refreshes its access
// time and does not change the entry count.
func (c *Cache) Store(event domain.RawEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(event)
}

// StoreBatch upserts a batch of events
func (c *Cache) StoreBatch(events []domain.RawEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range events {
		c.store(events[i])
	}
}

// GetRange returns all cached events with fromID <= id <= toID, ordered
// ascending by id. Every returned entry has its access time refreshed.
func (c *Cache) GetRange(fromID, toID uint64) []domain.RawEvent {
	if fromID > toID {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	lo := sort.Search(len(c.ids), func(i int) bool { return c.ids[i] >= fromID })
	hi := sort.Search(len(c.ids), func(i int) bool { return c.ids[i] > toID })

	if lo >= hi {
		return nil
	}

	out := make([]domain.RawEvent, 0, hi-lo)
	for _, id := range c.ids[lo:hi] {
		el := c.entries[id]
		c.lru.MoveToFront(el)
		out = append(out, el.Value.(domain.RawEvent))
	}
	return out
}

// Get returns the event with the given id, refreshing its access time
func (c *Cache) Get(id uint64) (domain.RawEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return domain.RawEvent{}, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(domain.RawEvent), true
}

// LatestID returns the highest cached id; ok is false on an empty cache
func (c *Cache) LatestID() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ids) == 0 {
		return 0, false
	}
	return c.ids[len(c.ids)-1], true
}

// OldestID returns the lowest cached id; ok is false on an empty cache
func (c *Cache) OldestID() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ids) == 0 {
		return 0, false
	}
	return c.ids[0], true
}

// Len returns the number of cached events
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every cached event
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*list.Element, c.capacity)
	c.lru.Init()
	c.ids = c.ids[:0]
}

// store upserts one event; callers hold c.mu
func (c *Cache) store(event domain.RawEvent) {
	if el, ok := c.entries[event.ID]; ok {
		el.Value = event
		c.lru.MoveToFront(el)
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictColdest()
	}

	el := c.lru.PushFront(event)
	c.entries[event.ID] = el
	c.insertID(event.ID)
}

// evictColdest removes the least-recently-accessed entry; callers hold c.mu
func (c *Cache) evictColdest() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	evicted := back.Value.(domain.RawEvent)
	c.lru.Remove(back)
	delete(c.entries, evicted.ID)
	c.removeID(evicted.ID)
}

func (c *Cache) insertID(id uint64) {
	i := sort.Search(len(c.ids), func(j int) bool { return c.ids[j] >= id })
	c.ids = append(c.ids, 0)
	copy(c.ids[i+1:], c.ids[i:])
	c.ids[i] = id
}

func (c *Cache) removeID(id uint64) {
	i := sort.Search(len(c.ids), func(j int) bool { return c.ids[j] >= id })
	if i < len(c.ids) && c.ids[i] == id {
		c.ids = append(c.ids[:i], c.ids[i+1:]...)
	}
}
