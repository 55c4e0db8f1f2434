// Package gorilla provides a gorilla/websocket client transport.
package gorilla

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/internal/transport"
)

const closeGrace = time.Second

// Conn adapts a gorilla WebSocket to chat.Conn.
type Conn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps conn.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// Read implements chat.Conn.
// Text frames are skipped; only binary frames carry events.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	release := transport.BindDeadline(ctx, c.conn.SetReadDeadline)
	defer release()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := transport.ContextErr(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	release := transport.BindDeadline(ctx, c.conn.SetWriteDeadline)
	defer release()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dialer opens gorilla WebSocket connections.
type Dialer struct {
	HandshakeTimeout time.Duration
}

// Dial implements chat.Dialer.
func (d Dialer) Dial(ctx context.Context, url string, header http.Header) (chat.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}
	return NewConn(conn), nil
}

var _ chat.Dialer = Dialer{}
