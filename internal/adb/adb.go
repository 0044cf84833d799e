// Package adb connects to an ADB daemon over any transport and exposes its
// services: shell commands, sync, framebuffer and raw streams.
package adb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/1ureka/adblink/internal/auth"
	"github.com/1ureka/adblink/internal/dispatch"
	"github.com/1ureka/adblink/internal/protocol"
	"github.com/1ureka/adblink/internal/transport"
	"github.com/1ureka/adblink/internal/util"
)

// ErrTooManyStrayCloses is returned when the device keeps sending CLSE
// during the handshake instead of CNXN or AUTH.
var ErrTooManyStrayCloses = errors.New("too many stray CLSE packets during connect")

// ProtocolError reports a packet the device should not have sent in the
// current state.
type ProtocolError struct {
	Command protocol.Command
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected %s during connect: device not in correct state, reconnect it and try again", e.Command)
}

// Options control the connect handshake.
type Options struct {
	Version           uint32
	VersionNoChecksum uint32
	MaxPayloadSize    uint32
	Features          []string
	Authenticators    []auth.Authenticator

	// MaxStrayCloses bounds the CLSE packets tolerated before CNXN; a
	// previous connection that was cut off may still be closing streams.
	// Zero means no limit.
	MaxStrayCloses int
}

// DefaultOptions returns the values adb itself uses.
func DefaultOptions() Options {
	return Options{
		Version:           0x01000001,
		VersionNoChecksum: 0x01000001,
		MaxPayloadSize:    0x100000,
		Features:          slices.Clone(DefaultFeatures),
		Authenticators:    auth.DefaultAuthenticators(),
		MaxStrayCloses:    16,
	}
}

type Option func(*Options)

func WithMaxPayloadSize(n uint32) Option { return func(o *Options) { o.MaxPayloadSize = n } }
func WithFeatures(f ...string) Option    { return func(o *Options) { o.Features = f } }
func WithMaxStrayCloses(n int) Option    { return func(o *Options) { o.MaxStrayCloses = n } }
func WithAuthenticators(a ...auth.Authenticator) Option {
	return func(o *Options) { o.Authenticators = a }
}

// Adb is a connected device.
type Adb struct {
	tr      transport.Transport
	d       *dispatch.Dispatcher
	version uint32
	banner  Banner
}

// Connect performs the CNXN/AUTH handshake on tr and returns the connected
// device. On failure the transport is closed.
func Connect(ctx context.Context, tr transport.Transport, store auth.CredentialStore, opts ...Option) (*Adb, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if c, ok := tr.(transport.Connector); ok {
		if err := c.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect %s: %w", tr.Name(), err)
		}
	}

	d := dispatch.New(tr,
		dispatch.WithMaxPayloadSize(0x1000),
		dispatch.WithChecksum(true),
		dispatch.WithNullTerminator(true),
	)
	a := &Adb{tr: tr, d: d}

	var (
		hmu     sync.Mutex
		handler = auth.NewHandler(store, o.Authenticators)
		strays  int
		result  = make(chan error, 1)
	)
	finish := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	closeHandler := func() {
		hmu.Lock()
		handler.Close()
		hmu.Unlock()
	}

	offPacket := d.OnPacket(func(pkt *protocol.Packet) bool {
		switch pkt.Command {
		case protocol.CmdConnect:
			d.SetMaxPayloadSize(min(o.MaxPayloadSize, pkt.Arg1))
			a.version = min(o.Version, pkt.Arg0)
			if a.version >= o.VersionNoChecksum {
				// Android before 9 parses the service string as a C string
				// and needs the NUL; newer versions do not check checksums.
				d.SetCalculateChecksum(false)
				d.SetAppendNullToServiceString(false)
			}
			a.banner = ParseBanner(string(pkt.Payload))
			finish(nil)

		case protocol.CmdAuth:
			hmu.Lock()
			reply, err := handler.Handle(pkt)
			hmu.Unlock()
			if err != nil {
				finish(err)
				break
			}
			util.LogDebug("answering AUTH with type %d", reply.Arg0)
			if err := d.SendPacket(ctx, reply.Command, reply.Arg0, reply.Arg1, reply.Payload); err != nil {
				finish(err)
			}

		case protocol.CmdClose:
			// The previous connection was interrupted; the device recovers
			// on its own.
			strays++
			if o.MaxStrayCloses > 0 && strays > o.MaxStrayCloses {
				finish(ErrTooManyStrayCloses)
			}

		default:
			finish(&ProtocolError{Command: pkt.Command})
		}
		return true
	})
	offError := d.OnError(finish)

	d.Start()

	// The trailing ';' is part of the formal banner; the NUL is for old
	// daemons.
	banner := "host::features=" + strings.Join(o.Features, ",") + ";\x00"
	err := d.SendPacket(ctx, protocol.CmdConnect, o.Version, o.MaxPayloadSize, []byte(banner))
	if err == nil {
		select {
		case err = <-result:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	offPacket()
	offError()
	closeHandler()

	if err != nil {
		d.Close()
		return nil, fmt.Errorf("connect %s: %w", tr.Name(), err)
	}

	util.LogDebug("connected to %s: version %08x, max payload %d, features %v",
		tr.Name(), a.version, d.MaxPayloadSize(), a.banner.Features)
	return a, nil
}

func (a *Adb) Name() string            { return a.tr.Name() }
func (a *Adb) ProtocolVersion() uint32 { return a.version }
func (a *Adb) MaxPayloadSize() uint32  { return a.d.MaxPayloadSize() }
func (a *Adb) Banner() Banner          { return a.banner }
func (a *Adb) Product() string         { return a.banner.Product }
func (a *Adb) Model() string           { return a.banner.Model }
func (a *Adb) Device() string          { return a.banner.Device }
func (a *Adb) Features() []string      { return slices.Clone(a.banner.Features) }

// HasFeature reports whether the device advertised feature.
func (a *Adb) HasFeature(feature string) bool {
	return slices.Contains(a.banner.Features, feature)
}

// Dispatcher exposes the stream multiplexer.
func (a *Adb) Dispatcher() *dispatch.Dispatcher { return a.d }

// CreateSocket opens a stream to service.
func (a *Adb) CreateSocket(ctx context.Context, service string) (*dispatch.Socket, error) {
	return a.d.CreateSocket(ctx, service)
}

// OnError subscribes to the error that ends the connection.
func (a *Adb) OnError(fn func(error)) (unsubscribe func()) { return a.d.OnError(fn) }

// Done is closed when the connection ends.
func (a *Adb) Done() <-chan struct{} { return a.d.Done() }

// Close ends the connection and closes the transport.
func (a *Adb) Close() error { return a.d.Close() }
