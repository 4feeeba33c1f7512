package orchestrator

import (
	"context"
	"sync"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/duskwallet/wallet-sync/internal/logger"
)

// DefaultWorkerPoolSize bounds how many wallets sync concurrently
const DefaultWorkerPoolSize = 8

// Manager runs one orchestrator per tracked wallet address on a bounded
// worker pool
type Manager struct {
	pool pond.Pool

	mu      sync.Mutex
	wallets map[string]*Orchestrator
}

// NewManager creates a manager syncing at most poolSize wallets at a time
func NewManager(ctx context.Context, poolSize int) *Manager {
	if poolSize <= 0 {
		poolSize = DefaultWorkerPoolSize
	}
	return &Manager{
		pool:    pond.NewPool(poolSize, pond.WithContext(ctx)),
		wallets: make(map[string]*Orchestrator),
	}
}

// Sync submits an orchestrator's run loop to the pool. A second call for the
// same address is a no-op while the first is still registered.
func (m *Manager) Sync(ctx context.Context, o *Orchestrator) {
	m.mu.Lock()
	if _, running := m.wallets[o.cfg.Address]; running {
		m.mu.Unlock()
		logger.Warn("Wallet already syncing", zap.String("address", o.cfg.Address))
		return
	}
	m.wallets[o.cfg.Address] = o
	m.mu.Unlock()

	m.pool.Submit(func() {
		defer func() {
			m.mu.Lock()
			delete(m.wallets, o.cfg.Address)
			m.mu.Unlock()
		}()

		if err := o.Run(ctx); err != nil {
			logger.ErrorCtx(ctx, err,
				zap.String("message", "Wallet sync terminated"),
				zap.String("address", o.cfg.Address))
		}
	})
}

// Lookup returns the running orchestrator for an address
func (m *Manager) Lookup(address string) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.wallets[address]
	return o, ok
}

// Addresses lists the addresses currently syncing
func (m *Manager) Addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addresses := make([]string, 0, len(m.wallets))
	for address := range m.wallets {
		addresses = append(addresses, address)
	}
	return addresses
}

// StopAndWait stops accepting work and blocks until running syncs return
func (m *Manager) StopAndWait() {
	logger.Info("Shutting down sync worker pool",
		zap.Uint64("submitted", m.pool.SubmittedTasks()),
		zap.Uint64("waiting", m.pool.WaitingTasks()))
	m.pool.StopAndWait()
}
