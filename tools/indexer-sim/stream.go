package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duskwallet/wallet-sync/internal/logger"
)

// wireMessage mirrors the graphql-transport-ws frame layout
type wireMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

// session serves one websocket connection: handshake, subscription fan-out
// and keepalive
type session struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newSession(cfg Config, conn *websocket.Conn) *session {
	return &session{
		cfg:     cfg,
		conn:    conn,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (s *session) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		for _, cancel := range s.cancels {
			cancel()
		}
		s.mu.Unlock()
		_ = s.conn.Close()
	}()

	// handshake: the first frame must be connection_init
	var init wireMessage
	if err := s.conn.ReadJSON(&init); err != nil || init.Type != "connection_init" {
		logger.Warn("Rejecting connection without connection_init")
		return
	}
	if err := s.write(wireMessage{Type: "connection_ack"}); err != nil {
		return
	}

	for {
		var msg wireMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			logger.Debug("Connection closed", zap.Error(err))
			return
		}

		switch msg.Type {
		case "subscribe":
			var sub subscribePayload
			if err := json.Unmarshal(msg.Payload, &sub); err != nil {
				logger.Warn("Dropping malformed subscribe", zap.Error(err))
				continue
			}
			address, _ := sub.Variables["address"].(string)
			afterID := uint64(0)
			if raw, ok := sub.Variables["afterId"].(float64); ok {
				afterID = uint64(raw)
			}

			streamCtx, cancel := context.WithCancel(ctx)
			s.mu.Lock()
			s.cancels[msg.ID] = cancel
			s.mu.Unlock()

			logger.Info("Subscription started",
				zap.String("op", msg.ID),
				zap.String("address", address),
				zap.Uint64("after_id", afterID))
			go s.stream(streamCtx, msg.ID, address, afterID)
		case "complete":
			s.mu.Lock()
			if cancel, ok := s.cancels[msg.ID]; ok {
				cancel()
				delete(s.cancels, msg.ID)
			}
			s.mu.Unlock()
		case "ping":
			_ = s.write(wireMessage{Type: "pong", Payload: msg.Payload})
		case "pong":
			// keepalive only
		default:
			logger.Warn("Dropping frame with unknown type", zap.String("type", msg.Type))
		}
	}
}

func (s *session) write(msg wireMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// chainState tracks the synthetic chain so forks reference real ancestors
type chainState struct {
	height uint64
	hashes map[uint64]string // recent height -> hash
	blocks uint64            // blocks emitted so far
}

func (c *chainState) hash(height uint64) string {
	if h, ok := c.hashes[height]; ok {
		return h
	}
	return fmt.Sprintf("h%d", height)
}

// nextBlock extends the chain, or rewinds forkDepth blocks when a fork is due
func (c *chainState) nextBlock(forkEvery, forkDepth uint64) map[string]interface{} {
	c.blocks++
	height := c.height + 1
	fork := forkEvery > 0 && c.blocks%forkEvery == 0 && c.height >= forkDepth
	if fork {
		height = c.height - forkDepth + 1
	}

	hash := fmt.Sprintf("h%d-%d", height, c.blocks)
	block := map[string]interface{}{
		"height":     height,
		"hash":       hash,
		"parentHash": c.hash(height - 1),
		"timestamp":  time.Now().UTC(),
		"eventCount": 1,
	}

	c.height = height
	c.hashes[height] = hash
	delete(c.hashes, height-256)
	return block
}

// stream emits synthetic wallet updates at the configured rate until the
// subscription is cancelled or the configured event count is reached
func (s *session) stream(ctx context.Context, opID, address string, afterID uint64) {
	interval := time.Duration(float64(time.Second) / s.cfg.Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	chain := &chainState{height: 1_000_000, hashes: make(map[uint64]string)}
	id := afterID
	var emitted uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		id++
		emitted++
		fields := map[string]interface{}{
			"id":         id,
			"maxKnownId": id,
			"payload":    fmt.Sprintf("0x%016x", id),
			"transaction": map[string]interface{}{
				"hash":   fmt.Sprintf("0x%064x", id),
				"status": "confirmed",
				"createdOutputs": []map[string]interface{}{{
					"txId":      fmt.Sprintf("0x%064x", id),
					"index":     0,
					"owner":     address,
					"tokenType": "native",
					"value":     "1000",
					"createdAt": time.Now().UTC(),
				}},
			},
		}
		if s.cfg.BlockEvery > 0 && emitted%s.cfg.BlockEvery == 0 {
			block := chain.nextBlock(s.cfg.ForkEvery, s.cfg.ForkDepth)
			fields["blockHeight"] = block["height"]
			fields["block"] = block
		}

		payload, err := json.Marshal(map[string]interface{}{"walletUpdates": fields})
		if err != nil {
			logger.Error(err, zap.String("message", "Failed to marshal update"))
			return
		}
		if err := s.write(wireMessage{ID: opID, Type: "next", Payload: payload}); err != nil {
			return
		}

		if s.cfg.Events > 0 && emitted >= s.cfg.Events {
			_ = s.write(wireMessage{ID: opID, Type: "complete"})
			logger.Info("Subscription completed",
				zap.String("op", opID),
				zap.Uint64("events", emitted))
			return
		}
	}
}
