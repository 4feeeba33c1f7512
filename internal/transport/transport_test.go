package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwallet/wallet-sync/internal/adapter"
	"github.com/duskwallet/wallet-sync/internal/domain"
	"github.com/duskwallet/wallet-sync/internal/logger"
	"github.com/duskwallet/wallet-sync/internal/mocks"
	"github.com/duskwallet/wallet-sync/internal/transport"
)

const testQuery = `subscription WalletUpdates($address: String!) {
	walletUpdates(address: $address) { id payload }
}`

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

// wireMsg mirrors the protocol frame for test-side encoding
type wireMsg struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encode(t *testing.T, msg wireMsg) []byte {
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

// testConn scripts a mocked websocket connection: frames pushed into inbound
// are returned by ReadMessage, frames the client writes land on written.
type testConn struct {
	conn    *mocks.MockWSConn
	inbound chan []byte
	written chan wireMsg
}

func newTestConn(t *testing.T, ctrl *gomock.Controller) *testConn {
	tc := &testConn{
		conn:    mocks.NewMockWSConn(ctrl),
		inbound: make(chan []byte, 32),
		written: make(chan wireMsg, 32),
	}

	tc.conn.EXPECT().ReadMessage().DoAndReturn(func() (int, []byte, error) {
		data, ok := <-tc.inbound
		if !ok {
			return 0, nil, errors.New("connection reset")
		}
		return websocket.TextMessage, data, nil
	}).AnyTimes()

	tc.conn.EXPECT().WriteMessage(websocket.TextMessage, gomock.Any()).DoAndReturn(func(_ int, data []byte) error {
		var msg wireMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Errorf("client wrote malformed frame: %v", err)
			return err
		}
		tc.written <- msg
		return nil
	}).AnyTimes()

	tc.conn.EXPECT().SetReadDeadline(gomock.Any()).Return(nil).AnyTimes()
	tc.conn.EXPECT().Close().Return(nil).AnyTimes()
	return tc
}

// expectWritten waits for the next frame the client wrote
func (tc *testConn) expectWritten(t *testing.T, msgType string) wireMsg {
	select {
	case msg := <-tc.written:
		require.Equal(t, msgType, msg.Type)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s frame", msgType)
		return wireMsg{}
	}
}

// connect builds a client over a scripted connection and completes the
// init/ack handshake
func connect(t *testing.T, ctrl *gomock.Controller, cfg transport.Config) (*transport.Client, *testConn) {
	tc := newTestConn(t, ctrl)

	dialer := mocks.NewMockWSDialer(ctrl)
	dialer.EXPECT().DialContext(gomock.Any(), cfg.URL, gomock.Nil()).Return(adapter.WSConn(tc.conn), nil)

	// the server acknowledges immediately
	tc.inbound <- encode(t, wireMsg{Type: "connection_ack"})

	client := transport.NewClient(cfg, dialer, adapter.NewJSON())
	require.NoError(t, client.Connect(context.Background()))
	tc.expectWritten(t, "connection_init")
	return client, tc
}

func TestConnect_Handshake(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, _ := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})
	defer func() { _ = client.Close() }()

	// a second connect on the same instance is rejected
	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrAlreadyConnected)
}

func TestConnect_InitPayloadForwarded(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tc := newTestConn(t, ctrl)
	dialer := mocks.NewMockWSDialer(ctrl)
	dialer.EXPECT().DialContext(gomock.Any(), gomock.Any(), gomock.Nil()).Return(adapter.WSConn(tc.conn), nil)
	tc.inbound <- encode(t, wireMsg{Type: "connection_ack"})

	client := transport.NewClient(transport.Config{
		URL:         "wss://indexer.test/graphql",
		InitPayload: map[string]string{"authorization": "token"},
	}, dialer, adapter.NewJSON())
	require.NoError(t, client.Connect(context.Background()))
	defer func() { _ = client.Close() }()

	init := tc.expectWritten(t, "connection_init")
	assert.JSONEq(t, `{"authorization":"token"}`, string(init.Payload))
}

func TestConnect_NonAckIsProtocolViolation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tc := newTestConn(t, ctrl)
	dialer := mocks.NewMockWSDialer(ctrl)
	dialer.EXPECT().DialContext(gomock.Any(), gomock.Any(), gomock.Nil()).Return(adapter.WSConn(tc.conn), nil)
	tc.inbound <- encode(t, wireMsg{Type: "ping"})

	client := transport.NewClient(transport.Config{URL: "wss://indexer.test/graphql"}, dialer, adapter.NewJSON())
	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestConnect_NoAckIsConnectTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tc := newTestConn(t, ctrl)
	dialer := mocks.NewMockWSDialer(ctrl)
	dialer.EXPECT().DialContext(gomock.Any(), gomock.Any(), gomock.Nil()).Return(adapter.WSConn(tc.conn), nil)

	// the deadline expiring surfaces as a read error
	close(tc.inbound)

	client := transport.NewClient(transport.Config{
		URL:            "wss://indexer.test/graphql",
		ConnectTimeout: 50 * time.Millisecond,
	}, dialer, adapter.NewJSON())
	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectTimeout)
}

func TestConnect_DialFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dialer := mocks.NewMockWSDialer(ctrl)
	dialer.EXPECT().DialContext(gomock.Any(), gomock.Any(), gomock.Nil()).Return(nil, errors.New("connection refused"))

	client := transport.NewClient(transport.Config{URL: "wss://indexer.test/graphql"}, dialer, adapter.NewJSON())
	err := client.Connect(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrConnectTimeout)
}

func TestSubscribe_NextFramesDemuxed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, tc := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})
	defer func() { _ = client.Close() }()

	sub, err := client.Subscribe(context.Background(), testQuery, map[string]interface{}{"address": "0xa"})
	require.NoError(t, err)

	frame := tc.expectWritten(t, "subscribe")
	assert.Equal(t, sub.ID(), frame.ID)

	var payload struct {
		Query         string                 `json:"query"`
		OperationName string                 `json:"operationName"`
		Variables     map[string]interface{} `json:"variables"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "WalletUpdates", payload.OperationName)
	assert.Equal(t, "0xa", payload.Variables["address"])

	// payloads for this operation arrive in order
	for i := 1; i <= 3; i++ {
		tc.inbound <- encode(t, wireMsg{ID: sub.ID(), Type: "next", Payload: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))})
	}
	for i := 1; i <= 3; i++ {
		select {
		case update := <-sub.Updates():
			assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(update))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for update")
		}
	}
}

func TestSubscribe_InvalidQueryRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, _ := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})
	defer func() { _ = client.Close() }()

	_, err := client.Subscribe(context.Background(), "subscription {", nil)
	assert.Error(t, err)
}

func TestSubscribe_UnknownOperationFramesDropped(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, tc := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})
	defer func() { _ = client.Close() }()

	sub, err := client.Subscribe(context.Background(), testQuery, nil)
	require.NoError(t, err)
	tc.expectWritten(t, "subscribe")

	// a frame for an unregistered id is silently dropped
	tc.inbound <- encode(t, wireMsg{ID: "unknown-op", Type: "next", Payload: json.RawMessage(`{"seq":99}`)})
	tc.inbound <- encode(t, wireMsg{ID: sub.ID(), Type: "next", Payload: json.RawMessage(`{"seq":1}`)})

	select {
	case update := <-sub.Updates():
		assert.JSONEq(t, `{"seq":1}`, string(update))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestSubscribe_ServerComplete(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, tc := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})
	defer func() { _ = client.Close() }()

	sub, err := client.Subscribe(context.Background(), testQuery, nil)
	require.NoError(t, err)
	tc.expectWritten(t, "subscribe")

	tc.inbound <- encode(t, wireMsg{ID: sub.ID(), Type: "complete"})

	select {
	case _, open := <-sub.Updates():
		assert.False(t, open, "updates channel must be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	assert.NoError(t, sub.Err())
}

func TestSubscribe_ServerError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, tc := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})
	defer func() { _ = client.Close() }()

	sub, err := client.Subscribe(context.Background(), testQuery, nil)
	require.NoError(t, err)
	tc.expectWritten(t, "subscribe")

	tc.inbound <- encode(t, wireMsg{
		ID:      sub.ID(),
		Type:    "error",
		Payload: json.RawMessage(`[{"message":"unknown address"}]`),
	})

	select {
	case _, open := <-sub.Updates():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for termination")
	}

	var gqlErr *domain.GraphQLError
	require.ErrorAs(t, sub.Err(), &gqlErr)
	require.Len(t, gqlErr.Messages, 1)
	assert.Equal(t, "unknown address", gqlErr.Messages[0].Message)
	// graphql errors are terminal, not transient
	assert.False(t, domain.IsRetryable(sub.Err()))
}

func TestUnsubscribe_SendsCompleteOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, tc := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})
	defer func() { _ = client.Close() }()

	sub, err := client.Subscribe(context.Background(), testQuery, nil)
	require.NoError(t, err)
	tc.expectWritten(t, "subscribe")

	sub.Unsubscribe()
	sub.Unsubscribe()

	frame := tc.expectWritten(t, "complete")
	assert.Equal(t, sub.ID(), frame.ID)
	// exactly one complete frame regardless of repeated unsubscribes
	assert.Empty(t, tc.written)

	_, open := <-sub.Updates()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
}

func TestServerPing_AnsweredWithPong(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, tc := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})
	defer func() { _ = client.Close() }()

	tc.inbound <- encode(t, wireMsg{Type: "ping", Payload: json.RawMessage(`{"token":"abc"}`)})

	pong := tc.expectWritten(t, "pong")
	assert.JSONEq(t, `{"token":"abc"}`, string(pong.Payload))
}

func TestReadFailure_TerminatesAllSubscriptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, tc := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})

	first, err := client.Subscribe(context.Background(), testQuery, nil)
	require.NoError(t, err)
	tc.expectWritten(t, "subscribe")
	second, err := client.Subscribe(context.Background(), testQuery, nil)
	require.NoError(t, err)
	tc.expectWritten(t, "subscribe")

	// the connection drops
	close(tc.inbound)

	for _, sub := range []*transport.Subscription{first, second} {
		select {
		case _, open := <-sub.Updates():
			assert.False(t, open)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for termination")
		}
		assert.ErrorIs(t, sub.Err(), domain.ErrTransportClosed)
		// a dropped connection is worth a reconnect attempt
		assert.True(t, domain.IsRetryable(sub.Err()))
	}

	// subscribing on the dead client fails
	_, err = client.Subscribe(context.Background(), testQuery, nil)
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestClose_SendsCompleteForLiveSubscriptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, tc := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})

	first, err := client.Subscribe(context.Background(), testQuery, nil)
	require.NoError(t, err)
	tc.expectWritten(t, "subscribe")
	second, err := client.Subscribe(context.Background(), testQuery, nil)
	require.NoError(t, err)
	tc.expectWritten(t, "subscribe")

	require.NoError(t, client.Close())

	// an orderly shutdown tells the server both operations are done
	closed := map[string]bool{}
	for i := 0; i < 2; i++ {
		frame := tc.expectWritten(t, "complete")
		closed[frame.ID] = true
	}
	assert.True(t, closed[first.ID()])
	assert.True(t, closed[second.ID()])

	for _, sub := range []*transport.Subscription{first, second} {
		_, open := <-sub.Updates()
		assert.False(t, open)
		assert.NoError(t, sub.Err())
	}
}

func TestClose_Idempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, tc := connect(t, ctrl, transport.Config{URL: "wss://indexer.test/graphql"})

	sub, err := client.Subscribe(context.Background(), testQuery, nil)
	require.NoError(t, err)
	tc.expectWritten(t, "subscribe")

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, open := <-sub.Updates()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
}
