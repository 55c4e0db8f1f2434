package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/pkg/errors"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
)

// Dialer opens gobwas WebSocket connections.
type Dialer struct {
	// Timeout bounds the TCP connect and the handshake. Zero means no
	// limit beyond the context.
	Timeout time.Duration
}

// Dial implements chat.Dialer.
func (d Dialer) Dial(ctx context.Context, url string, header http.Header) (chat.Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	if len(header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}
	return NewConn(conn, br), nil
}

var _ chat.Dialer = Dialer{}
