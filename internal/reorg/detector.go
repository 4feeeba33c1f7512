// Package reorg tracks the canonical chain tip seen on the indexer stream and
// classifies every incoming block as chain-extending, a shallow
// reorganization inside the finality window, or a deep reorganization past
// it.
//
// Detection is structural only: parent-hash linkage, sequential heights and
// monotonic timestamps. The indexer is trusted to report canonical blocks;
// validator-signature and finality-proof verification are out of scope here.
package reorg

import (
	"fmt"
	"sync"

	"github.com/duskwallet/wallet-sync/internal/domain"
)

// Config holds detector construction parameters
type Config struct {
	// FinalityThreshold is the block depth beyond which chain history is
	// assumed immutable
	FinalityThreshold uint64
	// HistoryDepth is how many recent ancestors are retained for common
	// ancestor searches; must be >= FinalityThreshold
	HistoryDepth int
	// EventBuffer sizes the reorg event channel
	EventBuffer int
}

// DefaultEventBuffer is used when Config.EventBuffer is zero
const DefaultEventBuffer = 16

// Detector classifies incoming blocks against retained chain history.
// RecordBlock and Reset are safe for concurrent use.
type Detector struct {
	finality uint64
	depth    int

	mu sync.Mutex
	// history holds retained blocks ascending by height; the last entry is
	// the current tip
	history []domain.ChainBlock

	events chan domain.ReorgEvent
}

// NewDetector creates a detector. Construction fails when the retained
// history window cannot cover the finality threshold.
func NewDetector(cfg Config) (*Detector, error) {
	if uint64(cfg.HistoryDepth) < cfg.FinalityThreshold {
		return nil, fmt.Errorf("history depth %d below finality threshold %d", cfg.HistoryDepth, cfg.FinalityThreshold)
	}
	buffer := cfg.EventBuffer
	if buffer == 0 {
		buffer = DefaultEventBuffer
	}
	return &Detector{
		finality: cfg.FinalityThreshold,
		depth:    cfg.HistoryDepth,
		history:  make([]domain.ChainBlock, 0, cfg.HistoryDepth),
		events:   make(chan domain.ReorgEvent, buffer),
	}, nil
}

// Events returns the reorg event stream. The channel is never closed; it
// delivers one event per detected reorganization for as long as the detector
// lives.
func (d *Detector) Events() <-chan domain.ReorgEvent {
	return d.events
}

// Tip returns the current chain tip; ok is false before the first block
func (d *Detector) Tip() (domain.ChainBlock, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.history) == 0 {
		return domain.ChainBlock{}, false
	}
	return d.history[len(d.history)-1], true
}

// RecordBlock feeds one block into the detector.
//
// A block whose declared parent is the current tip extends the chain. A block
// whose declared parent is an earlier retained ancestor triggers a
// reorganization: shallow when the fork depth is within the finality
// threshold (the new branch is adopted and a ShallowReorg event emitted),
// deep otherwise (a DeepReorg event is emitted and ErrDeepReorg returned; the
// detector keeps its state until Reset). A parent that is not retained at all
// is past the history window and therefore also a deep reorg.
func (d *Detector) RecordBlock(block domain.ChainBlock) error {
	d.mu.Lock()

	// first block observed seeds the history
	if len(d.history) == 0 {
		d.history = append(d.history, block)
		d.mu.Unlock()
		return nil
	}

	tip := d.history[len(d.history)-1]

	if block.ParentHash == tip.Hash {
		if block.Height != tip.Height+1 {
			d.mu.Unlock()
			return fmt.Errorf("%w: block %s at height %d extends tip at height %d", domain.ErrProtocolViolation, block.Hash, block.Height, tip.Height)
		}
		if block.Timestamp.Before(tip.Timestamp) {
			d.mu.Unlock()
			return fmt.Errorf("%w: block %s timestamp precedes parent", domain.ErrProtocolViolation, block.Hash)
		}
		d.history = append(d.history, block)
		d.trim()
		d.mu.Unlock()
		return nil
	}

	// walk back through retained ancestors for the fork point
	ancestorIdx := -1
	for i := len(d.history) - 1; i >= 0; i-- {
		if d.history[i].Hash == block.ParentHash {
			ancestorIdx = i
			break
		}
	}

	if ancestorIdx < 0 {
		// fork point beyond the retained window; finality is violated
		ev := domain.DeepReorg{
			Height:               block.Height,
			CommonAncestorHeight: 0,
			FinalityThreshold:    d.finality,
		}
		d.mu.Unlock()
		d.events <- ev
		return fmt.Errorf("%w: no common ancestor within retained history for block %s", domain.ErrDeepReorg, block.Hash)
	}

	ancestor := d.history[ancestorIdx]
	forkDepth := tip.Height - ancestor.Height

	if forkDepth > d.finality {
		ev := domain.DeepReorg{
			Height:               block.Height,
			CommonAncestorHeight: ancestor.Height,
			FinalityThreshold:    d.finality,
		}
		d.mu.Unlock()
		d.events <- ev
		return fmt.Errorf("%w: fork depth %d at height %d", domain.ErrDeepReorg, forkDepth, block.Height)
	}

	oldBranch := make([]domain.ChainBlock, len(d.history)-ancestorIdx-1)
	copy(oldBranch, d.history[ancestorIdx+1:])

	// adopt the new branch
	d.history = append(d.history[:ancestorIdx+1], block)
	d.trim()

	ev := domain.ShallowReorg{
		Height:               block.Height,
		CommonAncestorHeight: ancestor.Height,
		OldBranch:            oldBranch,
		NewBranch:            []domain.ChainBlock{block},
	}
	d.mu.Unlock()
	d.events <- ev
	return nil
}

// Reset clears all retained history (deep reorg recovery or wallet reset)
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = d.history[:0]
}

// trim drops ancestors beyond the retained window; callers hold d.mu
func (d *Detector) trim() {
	if len(d.history) > d.depth {
		drop := len(d.history) - d.depth
		d.history = append(d.history[:0], d.history[drop:]...)
	}
}
