// Package ws provides the gobwas/ws client transport.
package ws

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Deepak-Melkani/soulara-realtime/internal/transport"
)

const closeGrace = time.Second

// Conn adapts a client-side gobwas WebSocket to chat.Conn.
type Conn struct {
	conn      net.Conn
	rw        io.ReadWriter
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// lockedWriter serialises writes issued by the read loop (control frame
// replies) with writes issued by callers.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// NewConn wraps an upgraded net.Conn. br is the reader returned by the
// handshake and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	c := &Conn{conn: conn}
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.writeMu, w: conn}}
	return c
}

// Read implements chat.Conn.
// Reads a binary message from the WebSocket connection.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	release := transport.BindDeadline(ctx, c.conn.SetReadDeadline)
	defer release()

	data, err := wsutil.ReadServerBinary(c.rw)
	if err != nil {
		if ctxErr := transport.ContextErr(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		if _, ok := err.(wsutil.ClosedError); ok {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Write implements chat.Conn.
// Writes a binary message to the WebSocket connection.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	release := transport.BindDeadline(ctx, c.conn.SetWriteDeadline)
	defer release()
	return wsutil.WriteClientBinary(c.conn, data)
}

// Close implements chat.Conn. The close frame is skipped while another
// write holds the connection; closing the socket then ends that write.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.writeMu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeGrace))
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
			_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
			c.writeMu.Unlock()
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
