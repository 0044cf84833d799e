package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/adblink/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this

	// maxMessageSize keeps every SCTP message well under what any browser
	// or pion peer accepts. ADB frames larger than this are split.
	maxMessageSize = 16 * 1024
)

// DefaultSTUNServers are used for ICE candidate gathering. No TURN: the
// peers are expected to reach each other directly.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewPeerConnection creates a PeerConnection using the given STUN servers.
func NewPeerConnection(stunServers ...string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// DataChannel is a Transport over a WebRTC DataChannel. The channel is
// ordered because ADB needs its bytes in sequence, and pre-negotiated with
// id 0 so both peers create it without waiting for OnDataChannel.
type DataChannel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	queue *messageQueue
	open  chan struct{}
	drain chan struct{}

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewDataChannel creates the negotiated channel on pc and wraps it. The
// returned DataChannel owns pc and closes it on Close.
func NewDataChannel(pc *webrtc.PeerConnection) (*DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	raw, err := pc.CreateDataChannel("adb", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return nil, err
	}

	c := &DataChannel{
		pc:    pc,
		dc:    raw,
		queue: newMessageQueue(),
		open:  make(chan struct{}),
		drain: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	var openOnce sync.Once
	raw.OnOpen(func() {
		openOnce.Do(func() { close(c.open) })
	})
	raw.OnClose(func() {
		util.LogDebug("DataChannel closed")
		c.shutdown()
	})
	raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.queue.push(msg.Data)
	})

	raw.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	raw.OnBufferedAmountLow(func() {
		select {
		case c.drain <- struct{}{}:
		default:
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.shutdown()
		}
	})

	return c, nil
}

// PeerConnection returns the underlying connection for signaling.
func (c *DataChannel) PeerConnection() *webrtc.PeerConnection { return c.pc }

// Ready is closed once the channel is open.
func (c *DataChannel) Ready() <-chan struct{} { return c.open }

// WaitReady blocks until the channel opens, it closes, or ctx is done.
func (c *DataChannel) WaitReady(ctx context.Context) error {
	select {
	case <-c.open:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *DataChannel) Name() string { return "webrtc " + c.dc.Label() }

func (c *DataChannel) Read(p []byte) (int, error) { return c.queue.Read(p) }

// Write waits for the channel to open, then sends p in chunks, pausing
// whenever the send buffer is above the high water mark.
func (c *DataChannel) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.open:
	case <-c.done:
		return 0, ErrClosed
	}

	written := 0
	for written < len(p) {
		if c.dc.BufferedAmount() > uint64(highWaterMark) {
			select {
			case <-c.drain:
			case <-c.done:
				return written, ErrClosed
			}
		}

		end := min(written+maxMessageSize, len(p))
		if err := c.dc.Send(p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// Close shuts down the DataChannel and PeerConnection.
func (c *DataChannel) Close() error {
	c.shutdown()
	return errors.Join(c.dc.Close(), c.pc.Close())
}

func (c *DataChannel) Done() <-chan struct{} { return c.done }

func (c *DataChannel) shutdown() {
	c.closeOnce.Do(func() {
		c.queue.end(nil)
		close(c.done)
	})
}
