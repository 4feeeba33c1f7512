package adapter

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn is the subset of a websocket connection the transport needs.
// Writers must be externally serialized; the underlying connection supports
// one concurrent reader and one concurrent writer only.
//
//go:generate mockgen -source=websocket.go -destination=../mocks/websocket.go -package=mocks -mock_names=WSConn=MockWSConn,WSDialer=MockWSDialer
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// WSDialer opens websocket connections
type WSDialer interface {
	DialContext(ctx context.Context, url string, requestHeader http.Header) (WSConn, error)
}

// RealWSDialer implements WSDialer using gorilla/websocket
type RealWSDialer struct {
	dialer *websocket.Dialer
}

// NewWSDialer creates a websocket dialer with the given handshake timeout and
// subprotocols
func NewWSDialer(handshakeTimeout time.Duration, subprotocols ...string) WSDialer {
	return &RealWSDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			Subprotocols:     subprotocols,
		},
	}
}

func (d *RealWSDialer) DialContext(ctx context.Context, url string, requestHeader http.Header) (WSConn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, requestHeader)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}
