// Package dispatch multiplexes ADB streams over one transport. It owns the
// read loop, routes OKAY/WRTE/CLSE to sockets by local id, and hands every
// other packet to subscribers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/1ureka/adblink/internal/event"
	"github.com/1ureka/adblink/internal/protocol"
	"github.com/1ureka/adblink/internal/transport"
	"github.com/1ureka/adblink/internal/util"
)

var (
	// ErrClosed is returned for operations after the dispatcher terminated.
	ErrClosed = errors.New("dispatcher closed")

	// ErrAborted resolves streams that were still open when the dispatcher
	// terminated.
	ErrAborted = errors.New("stream aborted")

	// ErrConnectionRefused matches every *RefusedError.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrSocketClosed is returned by writes on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	ErrPayloadTooLarge = protocol.ErrPayloadTooLarge
)

// RefusedError is returned by CreateSocket when the device answers OPEN
// with CLSE.
type RefusedError struct {
	Service string
	Reason  string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("open %q: %s: %s", e.Service, ErrConnectionRefused, e.Reason)
}

func (e *RefusedError) Is(target error) bool { return target == ErrConnectionRefused }

// Options are the dispatcher's framing settings. They are changed while the
// connection is negotiated and stay fixed afterwards.
type Options struct {
	MaxPayloadSize            uint32
	CalculateChecksum         bool
	AppendNullToServiceString bool
}

// DefaultOptions are the settings used before CNXN negotiation.
func DefaultOptions() Options {
	return Options{
		MaxPayloadSize:            0x1000,
		CalculateChecksum:         true,
		AppendNullToServiceString: true,
	}
}

type Option func(*Options)

func WithMaxPayloadSize(n uint32) Option { return func(o *Options) { o.MaxPayloadSize = n } }
func WithChecksum(on bool) Option        { return func(o *Options) { o.CalculateChecksum = on } }
func WithNullTerminator(on bool) Option {
	return func(o *Options) { o.AppendNullToServiceString = on }
}

// Dispatcher routes packets between one transport and many sockets.
type Dispatcher struct {
	tr     transport.Transport
	sender *sender
	ids    idGen

	maxPayload atomic.Uint32
	checksum   atomic.Bool
	appendNull atomic.Bool

	mu        sync.Mutex
	sockets   map[uint32]*Socket
	abandoned map[uint32]struct{} // OPEN sent, caller gave up before the reply

	packets event.Registry[func(*protocol.Packet) bool]
	errors  event.Emitter[error]

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// New creates a dispatcher on tr. Nothing is read or written until Start.
func New(tr transport.Transport, opts ...Option) *Dispatcher {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := &Dispatcher{
		tr:      tr,
		sockets:   make(map[uint32]*Socket),
		abandoned: make(map[uint32]struct{}),
		done:      make(chan struct{}),
	}
	d.sender = newSender(tr, d.done, d.fail)
	d.SetMaxPayloadSize(o.MaxPayloadSize)
	d.SetCalculateChecksum(o.CalculateChecksum)
	d.SetAppendNullToServiceString(o.AppendNullToServiceString)
	return d
}

func (d *Dispatcher) MaxPayloadSize() uint32          { return d.maxPayload.Load() }
func (d *Dispatcher) CalculateChecksum() bool         { return d.checksum.Load() }
func (d *Dispatcher) AppendNullToServiceString() bool { return d.appendNull.Load() }

// SetMaxPayloadSize and the other setters are meant for the connect phase;
// changing them with streams open affects only later packets.
func (d *Dispatcher) SetMaxPayloadSize(n uint32)           { d.maxPayload.Store(n) }
func (d *Dispatcher) SetCalculateChecksum(on bool)         { d.checksum.Store(on) }
func (d *Dispatcher) SetAppendNullToServiceString(on bool) { d.appendNull.Store(on) }

// Start launches the read loop and the sender. Later calls do nothing.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.sender.loop()
		// Disconnects surface through the read loop so packets still queued
		// in the transport are routed before streams are aborted.
		go d.readLoop()
	})
}

// OnPacket subscribes to packets that no socket consumed: CNXN, AUTH, OPEN
// and stream packets for unknown ids. A listener returns true when it
// handled the packet, which stops delivery to later listeners.
func (d *Dispatcher) OnPacket(fn func(*protocol.Packet) bool) (unsubscribe func()) {
	return d.packets.Subscribe(fn)
}

// OnError subscribes to the error that terminated the dispatcher. It fires
// at most once, and not at all for Close.
func (d *Dispatcher) OnError(fn func(error)) (unsubscribe func()) {
	return d.errors.Subscribe(fn)
}

// Done is closed when the dispatcher terminates.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err returns the termination cause, or nil while running or after Close.
func (d *Dispatcher) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// SendPacket frames and writes one packet, returning once it was written.
// WRTE payloads are limited to the negotiated maximum.
func (d *Dispatcher) SendPacket(ctx context.Context, cmd protocol.Command, arg0, arg1 uint32, payload []byte) error {
	frame, err := d.encode(cmd, arg0, arg1, payload)
	if err != nil {
		return err
	}
	if err := d.sender.send(ctx, cmd, frame); err != nil {
		return err
	}
	util.LogDebug("[%08x] send %s %08x %d bytes", arg0, cmd, arg1, len(payload))
	return nil
}

// post is SendPacket without waiting, for replies sent from the read loop.
func (d *Dispatcher) post(cmd protocol.Command, arg0, arg1 uint32, payload []byte) {
	frame, err := d.encode(cmd, arg0, arg1, payload)
	if err != nil {
		util.LogDebug("[%08x] dropping %s: %v", arg0, cmd, err)
		return
	}
	d.sender.post(cmd, frame)
}

func (d *Dispatcher) encode(cmd protocol.Command, arg0, arg1 uint32, payload []byte) ([]byte, error) {
	select {
	case <-d.done:
		return nil, ErrClosed
	default:
	}
	if cmd == protocol.CmdWrite && uint32(len(payload)) > d.MaxPayloadSize() {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), d.MaxPayloadSize())
	}
	return protocol.Encode(&protocol.Packet{Command: cmd, Arg0: arg0, Arg1: arg1, Payload: payload}, d.CalculateChecksum())
}

// CreateSocket opens a stream to service and waits for the device to accept
// it. A CLSE instead of OKAY fails with *RefusedError.
func (d *Dispatcher) CreateSocket(ctx context.Context, service string) (*Socket, error) {
	s := newSocket(d, d.ids.next(), service)
	if err := d.register(s); err != nil {
		return nil, err
	}

	payload := []byte(service)
	if d.AppendNullToServiceString() {
		payload = append(payload, 0)
	}
	if err := d.SendPacket(ctx, protocol.CmdOpen, s.localID, 0, payload); err != nil {
		d.unregister(s.localID)
		return nil, err
	}

	select {
	case <-s.opened:
		return s, nil
	case <-s.closed:
		select {
		case <-s.opened:
			// Accepted, then closed before we looked.
			return s, nil
		default:
		}
		return nil, s.closeErr
	case <-ctx.Done():
		// A late OKAY is answered with CLSE so the device stream is not
		// left open.
		d.abandon(s.localID)
		select {
		case <-s.opened:
			// Accepted just before we gave up.
			d.reclaim(s.localID)
			_ = s.Close()
		default:
		}
		return nil, ctx.Err()
	}
}

// Close terminates the dispatcher and closes the transport. Open sockets
// resolve with ErrAborted.
func (d *Dispatcher) Close() error {
	d.terminate(nil)
	return nil
}

func (d *Dispatcher) register(s *Socket) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	d.sockets[s.localID] = s
	util.Stats.AddConn()
	return nil
}

func (d *Dispatcher) unregister(id uint32) {
	d.mu.Lock()
	_, ok := d.sockets[id]
	delete(d.sockets, id)
	d.mu.Unlock()
	if ok {
		util.Stats.RemoveConn()
	}
}

func (d *Dispatcher) abandon(id uint32) {
	d.mu.Lock()
	_, ok := d.sockets[id]
	delete(d.sockets, id)
	d.abandoned[id] = struct{}{}
	d.mu.Unlock()
	if ok {
		util.Stats.RemoveConn()
	}
}

// reclaim reports whether id was abandoned and forgets it.
func (d *Dispatcher) reclaim(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.abandoned[id]
	delete(d.abandoned, id)
	return ok
}

func (d *Dispatcher) lookup(id uint32) *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[id]
}

func (d *Dispatcher) readLoop() {
	for {
		pkt, err := protocol.ReadPacket(d.tr, d.CalculateChecksum())
		if errors.Is(err, io.EOF) {
			d.fail(fmt.Errorf("%s disconnected: %w", d.tr.Name(), err))
			return
		}
		if err != nil {
			d.fail(fmt.Errorf("read packet: %w", err))
			return
		}
		util.Stats.AddRecvPacket(pkt.Command.String(), protocol.HeaderSize+len(pkt.Payload))
		d.handle(pkt)
	}
}

func (d *Dispatcher) handle(pkt *protocol.Packet) {
	switch pkt.Command {
	case protocol.CmdOkay, protocol.CmdWrite, protocol.CmdClose:
		// arg0 is the device's id, arg1 is ours.
		if s := d.lookup(pkt.Arg1); s != nil {
			s.handle(pkt)
			return
		}
		if pkt.Command != protocol.CmdWrite && d.reclaim(pkt.Arg1) {
			if pkt.Command == protocol.CmdOkay {
				util.LogDebug("[%08x] closing abandoned stream (remote %08x)", pkt.Arg1, pkt.Arg0)
				d.post(protocol.CmdClose, pkt.Arg1, pkt.Arg0, nil)
			}
			return
		}
	}

	for _, fn := range d.packets.Snapshot() {
		if fn(pkt) {
			return
		}
	}

	switch pkt.Command {
	case protocol.CmdOpen:
		// Reverse connections are not served.
		util.LogDebug("[%08x] refusing OPEN %q", pkt.Arg0, pkt.Payload)
		d.post(protocol.CmdClose, 0, pkt.Arg0, nil)
	default:
		util.LogDebug("[%08x] unhandled %s for unknown stream (remote %08x)", pkt.Arg1, pkt.Command, pkt.Arg0)
	}
}

// fail terminates with err unless the dispatcher is already down.
func (d *Dispatcher) fail(err error) {
	d.terminate(err)
}

func (d *Dispatcher) terminate(err error) {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.err = err
		close(d.done)
		sockets := d.sockets
		d.sockets = make(map[uint32]*Socket)
		d.mu.Unlock()

		for _, s := range sockets {
			s.finish(ErrAborted)
			util.Stats.RemoveConn()
		}
		if cerr := d.tr.Close(); cerr != nil {
			util.LogDebug("closing %s: %v", d.tr.Name(), cerr)
		}

		if err != nil {
			util.LogDebug("dispatcher terminated: %v", err)
			d.errors.Fire(err)
		}
		d.packets.Dispose()
		d.errors.Dispose()
	})
}
