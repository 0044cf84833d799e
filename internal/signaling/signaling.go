// Package signaling sets up a WebRTC DataChannel between two adblink
// processes through a short-lived WebSocket exchange of SDP and ICE
// candidates. The host side usually sits next to a device and bridges the
// channel to it; the client then speaks ADB over the channel.
package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/adblink/internal/transport"
	"github.com/1ureka/adblink/internal/util"
)

type options struct {
	newPeer func() (*webrtc.PeerConnection, error)
}

// Option configures how the PeerConnection is created.
type Option func(*options)

// WithSTUNServers replaces transport.DefaultSTUNServers.
func WithSTUNServers(urls ...string) Option {
	return func(o *options) {
		o.newPeer = func() (*webrtc.PeerConnection, error) { return transport.NewPeerConnection(urls...) }
	}
}

// WithPeerConnection supplies a custom PeerConnection factory.
func WithPeerConnection(fn func() (*webrtc.PeerConnection, error)) Option {
	return func(o *options) { o.newPeer = fn }
}

func newOptions(opts []Option) options {
	o := options{
		newPeer: func() (*webrtc.PeerConnection, error) {
			return transport.NewPeerConnection(transport.DefaultSTUNServers...)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// EstablishAsHost runs the host-side signaling flow:
//  1. Start a WS server on wsAddr and print where to reach it
//  2. Wait for a client presenting pin
//  3. Offer the DataChannel and trickle ICE until it opens
//  4. Close the WS server and connection
func EstablishAsHost(ctx context.Context, wsAddr, pin string, opts ...Option) (*transport.DataChannel, error) {
	srv, err := Listen(wsAddr, pin, opts...)
	if err != nil {
		return nil, err
	}
	defer srv.Close()

	pterm.DefaultBox.WithTitle("WebSocket Signaling Server").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\nPath : /ws?pin=%s", srv.Port(), pin, pin),
	)
	util.LogInfo("waiting for client...")

	dc, err := srv.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("signaling failed: %w", err)
	}
	return dc, nil
}

// EstablishAsClient connects to a host's signaling server at url and
// answers its offer.
func EstablishAsClient(ctx context.Context, url string, opts ...Option) (*transport.DataChannel, error) {
	util.LogInfo("connecting to host...")
	wsConn, err := dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("WS connected: %s", url)

	dc, err := establish(ctx, wsConn, newOptions(opts), false)
	if err != nil {
		return nil, fmt.Errorf("signaling failed: %w", err)
	}
	return dc, nil
}

// establish creates the PeerConnection and DataChannel and runs the SDP/ICE
// exchange over wsConn. The offerer sends the offer; the other side answers
// it from the receive loop.
func establish(ctx context.Context, wsConn *websocket.Conn, o options, offerer bool) (*transport.DataChannel, error) {
	pc, err := o.newPeer()
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}
	dc, err := transport.NewDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	s := &sender{pc: pc, conn: wsConn}
	r := &receiver{pc: pc, conn: wsConn, sender: s}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.sendCandidate(c); err != nil {
			select {
			case <-dc.Ready():
			default:
				util.LogDebug("failed to send ICE candidate: %v", err)
			}
		}
	})

	// Exits when wsConn is closed by the caller.
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	if offerer {
		if err := s.sendOffer(); err != nil {
			dc.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	}

	for {
		select {
		case <-dc.Ready():
			util.LogInfo("WebRTC DataChannel established, closing WS")
			return dc, nil

		case err := <-errCh:
			// The peer may close the WS as soon as its side opens; once
			// both descriptions are in place only ICE is left to finish.
			if pc.RemoteDescription() != nil && pc.LocalDescription() != nil {
				util.LogDebug("WS closed during ICE: %v", err)
				errCh = nil
				continue
			}
			dc.Close()
			return nil, err

		case <-dc.Done():
			dc.Close()
			return nil, fmt.Errorf("peer connection failed: %w", transport.ErrClosed)

		case <-ctx.Done():
			dc.Close()
			return nil, ctx.Err()
		}
	}
}
