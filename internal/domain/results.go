package domain

import "fmt"

// ProcessingResult is the outcome of applying one wallet update. It is a
// closed union: TransactionProcessed and ProgressUpdated are the only
// implementations, so a type switch over both is exhaustive.
type ProcessingResult interface {
	processingResult()
}

// TransactionProcessed reports a transaction applied to local state
type TransactionProcessed struct {
	ID           uint64
	Hash         string
	CreatedCount int
	SpentCount   int
	Status       TxStatus
}

func (TransactionProcessed) processingResult() {}

// ProgressUpdated reports a server progress marker with no state change
type ProgressUpdated struct {
	HighestKnownID uint64
}

func (ProgressUpdated) processingResult() {}

// ReorgEvent is produced by the reorg detector. Closed union over
// ShallowReorg and DeepReorg.
type ReorgEvent interface {
	reorgEvent()
	ReorgHeight() uint64
}

// ShallowReorg is a reorganization within the finality window. The old branch
// must be rolled back and the new branch resynced.
type ShallowReorg struct {
	Height               uint64
	CommonAncestorHeight uint64
	OldBranch            []ChainBlock
	NewBranch            []ChainBlock
}

func (ShallowReorg) reorgEvent()           {}
func (r ShallowReorg) ReorgHeight() uint64 { return r.Height }

// DeepReorg is a reorganization past the finality threshold. Local state for
// the affected address is no longer trustworthy and requires a full resync.
type DeepReorg struct {
	Height               uint64
	CommonAncestorHeight uint64
	FinalityThreshold    uint64
}

func (DeepReorg) reorgEvent()           {}
func (r DeepReorg) ReorgHeight() uint64 { return r.Height }

// SyncState is the user-visible synchronization state machine:
// Connecting -> Syncing -> Synced, or terminal SyncFailed. Closed union.
type SyncState interface {
	syncState()
	String() string
}

// SyncConnecting means the transport is being established
type SyncConnecting struct{}

func (SyncConnecting) syncState()     {}
func (SyncConnecting) String() string { return "connecting" }

// SyncSyncing carries catch-up progress
type SyncSyncing struct {
	ProcessedID    uint64
	HighestKnownID uint64
}

func (SyncSyncing) syncState() {}
func (s SyncSyncing) String() string {
	return fmt.Sprintf("syncing %d/%d", s.ProcessedID, s.HighestKnownID)
}

// SyncSynced means the wallet has caught up with the indexer
type SyncSynced struct {
	HighestID uint64
}

func (SyncSynced) syncState() {}
func (s SyncSynced) String() string {
	return fmt.Sprintf("synced at %d", s.HighestID)
}

// SyncFailed is the terminal error state after retries are exhausted or a
// non-retryable failure occurred
type SyncFailed struct {
	Message string
}

func (SyncFailed) syncState()       {}
func (s SyncFailed) String() string { return "failed: " + s.Message }
