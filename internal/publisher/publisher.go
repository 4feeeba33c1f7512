// Package publisher emits wallet sync events to downstream consumers over
// NATS JetStream. Publishing is best effort: a failed publish is logged and
// never fails the sync session that produced the event.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/duskwallet/wallet-sync/internal/adapter"
	"github.com/duskwallet/wallet-sync/internal/domain"
	"github.com/duskwallet/wallet-sync/internal/logger"
)

// TransactionEvent is published after a ledger transaction was applied to
// the wallet state
type TransactionEvent struct {
	Address      string          `json:"address"`
	TxID         uint64          `json:"tx_id"`
	TxHash       string          `json:"tx_hash"`
	Status       domain.TxStatus `json:"status"`
	CreatedCount int             `json:"created_count"`
	SpentCount   int             `json:"spent_count"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ReorgEvent is published when a chain reorganization touched the wallet
type ReorgEvent struct {
	Address              string    `json:"address"`
	Deep                 bool      `json:"deep"`
	Height               uint64    `json:"height"`
	CommonAncestorHeight uint64    `json:"common_ancestor_height"`
	Timestamp            time.Time `json:"timestamp"`
}

// Publisher defines the interface for publishing wallet sync events
//
//go:generate mockgen -source=publisher.go -destination=../mocks/publisher.go -package=mocks -mock_names=Publisher=MockPublisher
type Publisher interface {
	// PublishTransaction publishes an applied-transaction event
	PublishTransaction(ctx context.Context, event *TransactionEvent) error
	// PublishReorg publishes a reorg event
	PublishReorg(ctx context.Context, event *ReorgEvent) error
	// Close closes the connection
	Close()
}

// Config holds the configuration for NATS JetStream connection
type Config struct {
	URL            string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
}

type jetStreamPublisher struct {
	nc   adapter.NatsConn
	js   adapter.JetStream
	json adapter.JSON
}

// NewJetStreamPublisher creates a NATS JetStream backed publisher
func NewJetStreamPublisher(cfg Config, natsJS adapter.NatsJetStream, jsonAdapter adapter.JSON) (Publisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, js, err := natsJS.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	return &jetStreamPublisher{nc: nc, js: js, json: jsonAdapter}, nil
}

// PublishTransaction publishes an applied-transaction event
func (p *jetStreamPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	subject := fmt.Sprintf("wallet.%s.tx", event.Address)
	return p.publish(ctx, subject, event)
}

// PublishReorg publishes a reorg event
func (p *jetStreamPublisher) PublishReorg(ctx context.Context, event *ReorgEvent) error {
	subject := fmt.Sprintf("wallet.%s.reorg", event.Address)
	return p.publish(ctx, subject, event)
}

func (p *jetStreamPublisher) publish(ctx context.Context, subject string, event interface{}) error {
	data, err := p.json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the NATS connection
func (p *jetStreamPublisher) Close() {
	if p.nc == nil {
		return
	}
	p.nc.Close()
}

// noopPublisher drops every event; used when no broker is configured
type noopPublisher struct{}

// NewNoopPublisher creates a publisher that discards all events
func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

func (noopPublisher) PublishTransaction(context.Context, *TransactionEvent) error { return nil }
func (noopPublisher) PublishReorg(context.Context, *ReorgEvent) error             { return nil }
func (noopPublisher) Close()                                                      {}
