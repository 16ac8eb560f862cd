package signaling

import (
	"context"
	"errors"
)

var (
	// ErrTransportClosed is returned once the transport has shut down, either
	// locally via Close or because the remote end went away.
	ErrTransportClosed = errors.New("signaling: transport closed")

	// ErrTransportNotReady is returned by Send while the transport has not
	// yet established its connection.
	ErrTransportNotReady = errors.New("signaling: transport not ready")
)

// Transport moves opaque signaling frames to and from the remote exchange.
// Implementations must be safe for concurrent use: Send may be called from
// the controller while the inbound channel is drained by the bridge.
type Transport interface {
	// Ready reports whether the transport is currently connected and able
	// to send.
	Ready() bool

	// Send writes one frame. It fails with ErrTransportNotReady before the
	// connection is up and ErrTransportClosed after shutdown.
	Send(ctx context.Context, data []byte) error

	// Inbound returns the channel of received frames. The channel is closed
	// when the transport shuts down.
	Inbound() <-chan []byte

	// Close tears the transport down. Safe to call more than once.
	Close() error
}
