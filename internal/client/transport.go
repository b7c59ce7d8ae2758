package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/gorilla/websocket"
)

var (
	ErrUnauthorized = errors.New("signaling server rejected credentials")
	ErrNotConnected = errors.New("not connected")
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Conn is one live signaling connection.
type Conn interface {
	Send(v any) error
	Read() ([]byte, error)
	Close() error
}

// DialFunc opens a signaling connection.
type DialFunc func(ctx context.Context) (Conn, error)

// WSTransport is a gorilla websocket client connection. Writes are
// serialized; reads belong to a single reader goroutine.
type WSTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Dial connects to the signaling endpoint at rawURL. A non-empty token is
// passed as the token query parameter.
func Dial(ctx context.Context, rawURL, token string) (*WSTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := d.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return &WSTransport{conn: conn}, nil
}

// Dialer adapts Dial to a DialFunc.
func Dialer(rawURL, token string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		return Dial(ctx, rawURL, token)
	}
}

func (t *WSTransport) Send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) Read() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *WSTransport) Close() error {
	t.wmu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.wmu.Unlock()
	return t.conn.Close()
}
