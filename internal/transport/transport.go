// Package transport implements the graphql-transport-ws subscription
// protocol over a websocket connection. It carries no business logic; it
// frames messages, demultiplexes per-operation streams and keeps the
// connection alive.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"go.uber.org/zap"

	"github.com/duskwallet/wallet-sync/internal/adapter"
	"github.com/duskwallet/wallet-sync/internal/domain"
	"github.com/duskwallet/wallet-sync/internal/logger"
)

// Subprotocol is the mandatory websocket sub-protocol negotiation value
const Subprotocol = "graphql-transport-ws"

// Wire message types defined by the graphql-transport-ws protocol
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
	msgPing           = "ping"
	msgPong           = "pong"
)

type wireMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

// Config holds transport construction parameters
type Config struct {
	// URL is the websocket endpoint of the indexer
	URL string
	// ConnectTimeout bounds the init/ack handshake
	ConnectTimeout time.Duration
	// PingInterval is how often a protocol ping is sent; zero disables pings
	PingInterval time.Duration
	// InitPayload is sent with connection_init (auth tokens etc.)
	InitPayload interface{}
}

// Client is a single-connection graphql-transport-ws client. Connect may be
// called exactly once per instance; reconnection is recreation.
type Client struct {
	cfg    Config
	dialer adapter.WSDialer
	json   adapter.JSON

	mu        sync.Mutex
	conn      adapter.WSConn
	connected bool
	closed    bool
	ops       map[string]*Subscription

	// writeMu serializes frame writes; gorilla connections allow one
	// concurrent writer
	writeMu sync.Mutex

	done chan struct{}
}

// NewClient creates an unconnected client
func NewClient(cfg Config, dialer adapter.WSDialer, jsonAdapter adapter.JSON) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: dialer,
		json:   jsonAdapter,
		ops:    make(map[string]*Subscription),
		done:   make(chan struct{}),
	}
}

// Connect dials the endpoint, performs the init/ack handshake and starts the
// inbound message loop. It fails with ErrConnectTimeout when the server does
// not acknowledge in time, ErrProtocolViolation on an unexpected handshake
// message and ErrAlreadyConnected on a second call.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrTransportClosed
	}
	if c.connected {
		c.mu.Unlock()
		return domain.ErrAlreadyConnected
	}
	c.connected = true
	c.mu.Unlock()

	conn, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}

	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return domain.ErrTransportClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop()
	}
	return nil
}

func (c *Client) handshake(conn adapter.WSConn) error {
	init := wireMessage{Type: msgConnectionInit}
	if c.cfg.InitPayload != nil {
		payload, err := c.json.Marshal(c.cfg.InitPayload)
		if err != nil {
			return fmt.Errorf("failed to marshal init payload: %w", err)
		}
		init.Payload = payload
	}

	data, err := c.json.Marshal(init)
	if err != nil {
		return fmt.Errorf("failed to marshal connection_init: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send connection_init: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout)); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: no connection_ack within %s", domain.ErrConnectTimeout, c.cfg.ConnectTimeout)
	}

	var msg wireMessage
	if err := c.json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: malformed handshake message", domain.ErrProtocolViolation)
	}
	if msg.Type != msgConnectionAck {
		return fmt.Errorf("%w: expected connection_ack, got %q", domain.ErrProtocolViolation, msg.Type)
	}

	// clear the handshake deadline; liveness is handled by the ping loop
	return conn.SetReadDeadline(time.Time{})
}

// Subscription is one logical operation's result stream. Updates is closed
// on termination; Err reports why, nil meaning a clean completion.
type Subscription struct {
	id     string
	client *Client

	updates chan json.RawMessage

	mu     sync.Mutex
	err    error
	closed bool

	completeOnce sync.Once
}

// ID returns the operation identifier
func (s *Subscription) ID() string {
	return s.id
}

// Updates returns the stream of next payloads in server arrival order
func (s *Subscription) Updates() <-chan json.RawMessage {
	return s.updates
}

// Err reports the termination cause after Updates is closed
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe ends the operation early. Safe to call multiple times and
// after server-side termination.
func (s *Subscription) Unsubscribe() {
	s.client.endOperation(s, nil)
}

// finish closes the update stream once and records the cause
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	close(s.updates)
}

// Subscribe validates the query document, allocates a fresh operation
// identifier and starts the subscription. The returned stream yields one
// payload per inbound next message.
func (c *Client) Subscribe(ctx context.Context, query string, variables map[string]interface{}) (*Subscription, error) {
	doc, parseErr := parser.ParseQuery(&ast.Source{Input: query})
	if parseErr != nil {
		return nil, fmt.Errorf("invalid subscription document: %w", parseErr)
	}
	operationName := ""
	if len(doc.Operations) > 0 {
		operationName = doc.Operations[0].Name
	}

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, domain.ErrTransportClosed
	}
	sub := &Subscription{
		id:      uuid.NewString(),
		client:  c,
		updates: make(chan json.RawMessage, 16),
	}
	c.ops[sub.id] = sub
	c.mu.Unlock()

	payload, err := c.json.Marshal(subscribePayload{
		Query:         query,
		OperationName: operationName,
		Variables:     variables,
	})
	if err != nil {
		c.removeOperation(sub.id)
		sub.finish(err)
		return nil, fmt.Errorf("failed to marshal subscribe payload: %w", err)
	}

	if err := c.writeMessage(wireMessage{ID: sub.id, Type: msgSubscribe, Payload: payload}); err != nil {
		c.removeOperation(sub.id)
		sub.finish(err)
		return nil, err
	}

	return sub, nil
}

// Ping sends a protocol-level ping frame
func (c *Client) Ping() error {
	return c.writeMessage(wireMessage{Type: msgPing})
}

// Close tears the connection down. Idempotent; every live operation gets a
// best-effort complete frame and a clean completion first so no subscriber
// is left blocked.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	ops := make([]*Subscription, 0, len(c.ops))
	for _, sub := range c.ops {
		ops = append(ops, sub)
	}
	c.ops = make(map[string]*Subscription)
	close(c.done)
	c.mu.Unlock()

	for _, sub := range ops {
		if conn != nil {
			sub.completeOnce.Do(func() {
				c.writeRaw(conn, wireMessage{ID: sub.id, Type: msgComplete})
			})
		}
		sub.finish(nil)
	}

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// writeRaw writes one frame on an explicit connection, bypassing the closed
// check; used during teardown after the client is already marked closed
func (c *Client) writeRaw(conn adapter.WSConn, msg wireMessage) {
	data, err := c.json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// endOperation terminates one operation, sending the client-side complete
// frame exactly once and removing the demux entry
func (c *Client) endOperation(sub *Subscription, err error) {
	sub.completeOnce.Do(func() {
		// best effort; the connection may already be gone
		_ = c.writeMessage(wireMessage{ID: sub.id, Type: msgComplete})
	})
	c.removeOperation(sub.id)
	sub.finish(err)
}

func (c *Client) removeOperation(id string) {
	c.mu.Lock()
	delete(c.ops, id)
	c.mu.Unlock()
}

func (c *Client) lookupOperation(id string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.ops[id]
	return sub, ok
}

func (c *Client) writeMessage(msg wireMessage) error {
	data, err := c.json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return domain.ErrTransportClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msg.Type, err)
	}
	return nil
}

// readLoop is the single inbound message loop. It routes next/error/complete
// frames to the channel registered under their identifier; unregistered
// identifiers are dropped, guarding against races between unsubscribe and
// in-flight server messages.
func (c *Client) readLoop(conn adapter.WSConn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.failAll(fmt.Errorf("%w: %v", domain.ErrTransportClosed, err))
			return
		}

		var msg wireMessage
		if err := c.json.Unmarshal(raw, &msg); err != nil {
			logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case msgNext:
			sub, ok := c.lookupOperation(msg.ID)
			if !ok {
				continue
			}
			select {
			case sub.updates <- msg.Payload:
			case <-c.done:
				return
			}
		case msgError:
			sub, ok := c.lookupOperation(msg.ID)
			if !ok {
				continue
			}
			c.endOperation(sub, parseGraphQLError(c.json, msg))
		case msgComplete:
			sub, ok := c.lookupOperation(msg.ID)
			if !ok {
				continue
			}
			c.endOperation(sub, nil)
		case msgPing:
			if err := c.writeMessage(wireMessage{Type: msgPong, Payload: msg.Payload}); err != nil {
				logger.Warn("Failed to answer ping", zap.Error(err))
			}
		case msgPong:
			// liveness only
		default:
			logger.Warn("Dropping frame with unknown type", zap.String("type", msg.Type))
		}
	}
}

// failAll terminates every live operation with err and closes the client
func (c *Client) failAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	ops := make([]*Subscription, 0, len(c.ops))
	for _, sub := range c.ops {
		ops = append(ops, sub)
	}
	c.ops = make(map[string]*Subscription)
	close(c.done)
	c.mu.Unlock()

	for _, sub := range ops {
		sub.finish(err)
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				return
			}
		}
	}
}

func parseGraphQLError(jsonAdapter adapter.JSON, msg wireMessage) error {
	var messages []domain.GraphQLMessage
	if err := jsonAdapter.Unmarshal(msg.Payload, &messages); err != nil {
		messages = []domain.GraphQLMessage{{Message: string(msg.Payload)}}
	}
	return &domain.GraphQLError{OperationID: msg.ID, Messages: messages}
}
