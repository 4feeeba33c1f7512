package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/duskwallet/wallet-sync/internal/adapter"
	"github.com/duskwallet/wallet-sync/internal/api/server"
	"github.com/duskwallet/wallet-sync/internal/config"
	"github.com/duskwallet/wallet-sync/internal/eventcache"
	"github.com/duskwallet/wallet-sync/internal/logger"
	"github.com/duskwallet/wallet-sync/internal/orchestrator"
	"github.com/duskwallet/wallet-sync/internal/publisher"
	"github.com/duskwallet/wallet-sync/internal/reorg"
	"github.com/duskwallet/wallet-sync/internal/store"
	"github.com/duskwallet/wallet-sync/internal/transport"
	"github.com/duskwallet/wallet-sync/internal/utxo"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadSyncdConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "wallet-syncd",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting wallet sync daemon")

	// Initialize stores
	var dataStore store.Store
	var cursorStore store.CursorStore
	if cfg.MemoryStore {
		logger.WarnCtx(ctx, "Using in-memory store, state is lost on restart")
		dataStore = store.NewMemoryStore()
		cursorStore = store.NewMemoryCursorStore()
	} else {
		db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
		if err != nil {
			logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err))
		}
		if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
			logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
		}
		logger.InfoCtx(ctx, "Connected to database",
			zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
			zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
		)
		dataStore = store.NewPGStore(db)
		cursorStore = store.NewCursorStore(db)
	}

	observableCursors := store.NewObservableCursorStore(cursorStore)
	go logCursorProgress(ctx, observableCursors)

	// Initialize adapters
	jsonAdapter := adapter.NewJSON()
	clock := adapter.NewClock()

	// Initialize the UTXO state machine
	machine := utxo.NewMachine(dataStore)

	// Connect the event publisher
	var pub publisher.Publisher
	if cfg.NATS.URL != "" {
		pub, err = publisher.NewJetStreamPublisher(publisher.Config{
			URL:            cfg.NATS.URL,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectionName: cfg.NATS.ConnectionName,
		}, adapter.NewNatsJetStream(), jsonAdapter)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to connect to NATS", zap.Error(err), zap.String("url", cfg.NATS.URL))
		}
		logger.InfoCtx(ctx, "Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		logger.WarnCtx(ctx, "NATS URL not configured, wallet events will not be published")
		pub = publisher.NewNoopPublisher()
	}
	defer pub.Close()

	// Each connection attempt gets a fresh transport client
	newTransport := func() orchestrator.Transport {
		var initPayload interface{}
		if cfg.Indexer.AuthToken != "" {
			initPayload = map[string]string{"authorization": cfg.Indexer.AuthToken}
		}
		return orchestrator.WrapClient(transport.NewClient(transport.Config{
			URL:            cfg.Indexer.WebSocketURL,
			ConnectTimeout: cfg.Indexer.ConnectTimeout,
			PingInterval:   cfg.Indexer.PingInterval,
			InitPayload:    initPayload,
		}, adapter.NewWSDialer(cfg.Indexer.ConnectTimeout, transport.Subprotocol), jsonAdapter))
	}

	// Start one orchestrator per tracked wallet
	manager := orchestrator.NewManager(ctx, cfg.Sync.WorkerPoolSize)
	for _, address := range cfg.Sync.Addresses {
		cache, err := eventcache.New(cfg.Sync.EventCacheCapacity)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to create event cache", zap.Error(err))
		}
		detector, err := reorg.NewDetector(reorg.Config{
			FinalityThreshold: cfg.Sync.FinalityThreshold,
			HistoryDepth:      cfg.Sync.HistoryDepth,
		})
		if err != nil {
			logger.FatalCtx(ctx, "Failed to create reorg detector", zap.Error(err))
		}

		o := orchestrator.New(orchestrator.Config{
			Address:            address,
			InitialBackoff:     cfg.Sync.InitialBackoff,
			MaxBackoff:         cfg.Sync.MaxBackoff,
			BackoffMultiplier:  cfg.Sync.BackoffMultiplier,
			MaxAttempts:        cfg.Sync.MaxAttempts,
			CursorSaveInterval: cfg.Sync.CursorSaveInterval,
			InactivityTimeout:  cfg.Sync.InactivityTimeout,
		}, newTransport, machine, observableCursors, cache, detector, pub, jsonAdapter, clock)
		manager.Sync(ctx, o)
		logger.InfoCtx(ctx, "Syncing wallet", zap.String("address", address))
	}

	// Create and start the API server
	srv := server.New(server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}, manager, machine, clock)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
		cancel()
	}

	// Create shutdown context with timeout (don't use canceled ctx)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.InfoCtx(shutdownCtx, "Shutting down...")

	// Shutdown server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(shutdownCtx, err, zap.String("component", "server"))
	}

	// Wait for sync workers to finish their sessions
	manager.StopAndWait()

	// Use non-context logger for final message since original ctx is canceled
	logger.Info("Wallet sync daemon stopped")
}

// logCursorProgress logs saved cursor positions as wallets catch up
func logCursorProgress(ctx context.Context, cursors *store.ObservableCursorStore) {
	updates, cancel := cursors.Observe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-updates:
			logger.Debug("Sync cursor saved",
				zap.String("address", update.Address),
				zap.Uint64("event_id", update.EventID),
			)
		}
	}
}
