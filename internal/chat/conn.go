// Package chat provides the domain types and event plumbing shared by the
// realtime components.
package chat

import (
	"context"
	"net/http"
)

// Conn abstracts a bidirectional frame connection to the chat backend.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read reads a single message frame (protobuf bytes).
	// Returns io.EOF when connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message frame (protobuf bytes).
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens a Conn to url, sending header with the handshake.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}
