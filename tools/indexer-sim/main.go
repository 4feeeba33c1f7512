// indexer-sim is a development stand-in for the indexer: a
// graphql-transport-ws endpoint that streams synthetic wallet updates. It is
// used to load test wallet-syncd and to exercise reorg handling without a
// real chain behind it.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duskwallet/wallet-sync/internal/logger"
	"github.com/duskwallet/wallet-sync/internal/transport"
)

type Config struct {
	Addr       string
	Rate       float64 // events per second per subscription
	Events     uint64  // events per subscription, 0 = unbounded
	BlockEvery uint64  // emit a block header every n events
	ForkEvery  uint64  // fork the chain every n blocks, 0 = never
	ForkDepth  uint64  // how many blocks a fork rewinds
	Debug      bool
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Addr, "addr", ":8081", "listen address")
	flag.Float64Var(&cfg.Rate, "rate", 100, "events per second per subscription")
	flag.Uint64Var(&cfg.Events, "events", 0, "events per subscription, 0 = unbounded")
	flag.Uint64Var(&cfg.BlockEvery, "block-every", 5, "emit a block header every n events")
	flag.Uint64Var(&cfg.ForkEvery, "fork-every", 0, "fork the chain every n blocks, 0 = never")
	flag.Uint64Var(&cfg.ForkDepth, "fork-depth", 1, "how many blocks a fork rewinds")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.Parse()
	return cfg
}

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{transport.Subprotocol},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func main() {
	cfg := parseFlags()

	if err := logger.Initialize(logger.Config{
		Debug: cfg.Debug,
		Tags:  map[string]string{"service": "indexer-sim"},
	}); err != nil {
		panic(err)
	}
	defer logger.Flush(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("Websocket upgrade failed", zap.Error(err))
			return
		}
		session := newSession(cfg, conn)
		go session.run(ctx)
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("indexer-sim listening",
			zap.String("addr", cfg.Addr),
			zap.Float64("rate", cfg.Rate),
			zap.Uint64("block_every", cfg.BlockEvery),
			zap.Uint64("fork_every", cfg.ForkEvery))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error(err, zap.String("message", "Server failed"))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
