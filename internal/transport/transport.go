// Package transport provides the byte-stream links the ADB protocol runs
// over: a TCP connection, a WebSocket, or a WebRTC DataChannel.
package transport

import (
	"context"
	"errors"
	"io"
)

// ErrClosed is returned by Write after the transport was closed.
var ErrClosed = errors.New("transport closed")

// Transport is a full-duplex ordered byte stream to one device.
//
// Read may return fewer bytes than asked for; callers needing an exact
// length use io.ReadFull. Write sends the whole buffer or fails. Done is
// closed once the link is gone, whoever closed it; data received before
// that stays readable and Read reports the end only after it.
type Transport interface {
	Name() string
	io.Reader
	io.Writer
	Close() error
	Done() <-chan struct{}
}

// Connector is implemented by transports that need an explicit connect step
// before the first read or write.
type Connector interface {
	Connect(ctx context.Context) error
}
