package rspc

import "errors"

// errTransportClosed is returned by a transport whose peer went away in an
// orderly fashion.
var errTransportClosed = errors.New("transport closed")

// transport is the internal interface for persistent connection I/O.
type transport interface {
	// ReadFrame blocks until the next inbound frame arrives.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one frame. It is only called from the writer goroutine.
	WriteFrame(data []byte) error
	// Ping sends a heartbeat. Must be safe for use alongside WriteFrame.
	Ping() error
	// Close closes the transport, unblocking ReadFrame.
	Close() error
	// CloseGracefully notifies the peer (if supported) before closing.
	CloseGracefully() error
}
