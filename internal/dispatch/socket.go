package dispatch

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/1ureka/adblink/internal/protocol"
	"github.com/1ureka/adblink/internal/util"
)

// Socket is one ADB stream. Reads return the device's WRTE payloads in
// order; writes are split into WRTE packets and paced by the device's OKAY
// replies, one packet per OKAY.
type Socket struct {
	d        *Dispatcher
	localID  uint32
	remoteID atomic.Uint32
	service  string

	opened   chan struct{}
	openOnce sync.Once
	credit   chan struct{} // capacity 1: an OKAY grants one write

	mu       sync.Mutex
	pending  [][]byte
	cur      []byte
	readable chan struct{}

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSocket(d *Dispatcher, localID uint32, service string) *Socket {
	return &Socket{
		d:        d,
		localID:  localID,
		service:  service,
		opened:   make(chan struct{}),
		credit:   make(chan struct{}, 1),
		readable: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (s *Socket) LocalID() uint32  { return s.localID }
func (s *Socket) RemoteID() uint32 { return s.remoteID.Load() }
func (s *Socket) Service() string  { return s.service }

// Done is closed once the socket is closed from either side or aborted.
func (s *Socket) Done() <-chan struct{} { return s.closed }

// Err returns why the socket closed: nil for a normal close, ErrAborted if
// the dispatcher went away, or a *RefusedError.
func (s *Socket) Err() error {
	select {
	case <-s.closed:
		if s.closeErr == io.EOF {
			return nil
		}
		return s.closeErr
	default:
		return nil
	}
}

// handle runs on the dispatcher's read loop.
func (s *Socket) handle(pkt *protocol.Packet) {
	switch pkt.Command {
	case protocol.CmdOkay:
		s.openOnce.Do(func() {
			s.remoteID.Store(pkt.Arg0)
			close(s.opened)
			util.LogDebug("[%08x] %s opened (remote %08x)", s.localID, s.service, pkt.Arg0)
		})
		select {
		case s.credit <- struct{}{}:
		default:
			util.LogDebug("[%08x] extra OKAY ignored", s.localID)
		}

	case protocol.CmdWrite:
		// Acknowledge before the data becomes readable so the OKAY is
		// queued ahead of anything the reader sends in response.
		s.d.post(protocol.CmdOkay, s.localID, s.RemoteID(), nil)
		s.push(pkt.Payload)

	case protocol.CmdClose:
		s.d.unregister(s.localID)
		select {
		case <-s.opened:
			util.LogDebug("[%08x] closed by device", s.localID)
			s.finish(io.EOF)
		default:
			s.finish(&RefusedError{Service: s.service, Reason: "closed by device"})
		}
	}
}

func (s *Socket) push(b []byte) {
	if len(b) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, b)
	s.mu.Unlock()
	select {
	case s.readable <- struct{}{}:
	default:
	}
}

// take copies queued data into p.
func (s *Socket) take(p []byte) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cur) == 0 {
		if len(s.pending) == 0 {
			return 0, false
		}
		s.cur = s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
	}
	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	return n, true
}

func (s *Socket) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext is Read that also returns when ctx ends. Data that arrived
// before the socket closed is still returned first; after that the result
// is io.EOF, or ErrAborted if the dispatcher terminated.
func (s *Socket) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if n, ok := s.take(p); ok {
			return n, nil
		}
		select {
		case <-s.readable:
		case <-s.closed:
			if n, ok := s.take(p); ok {
				return n, nil
			}
			return 0, s.closeErr
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (s *Socket) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// WriteContext sends p as one or more WRTE packets no larger than the
// negotiated payload size, waiting for a credit before each.
func (s *Socket) WriteContext(ctx context.Context, p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for written < len(p) {
		select {
		case <-s.closed:
			return written, s.writeErr()
		default:
		}

		select {
		case <-s.credit:
		case <-s.closed:
			return written, s.writeErr()
		case <-ctx.Done():
			return written, ctx.Err()
		}

		end := min(written+int(s.d.MaxPayloadSize()), len(p))
		if err := s.d.SendPacket(ctx, protocol.CmdWrite, s.localID, s.RemoteID(), p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (s *Socket) writeErr() error {
	if s.closeErr == ErrAborted {
		return ErrAborted
	}
	return ErrSocketClosed
}

// Close sends CLSE and releases the socket. Only the first call does
// anything; closing after the device closed sends nothing.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.d.unregister(s.localID)
		s.closeErr = io.EOF
		close(s.closed)

		err = s.d.SendPacket(context.Background(), protocol.CmdClose, s.localID, s.RemoteID(), nil)
		if err == ErrClosed {
			err = nil
		}
		util.LogDebug("[%08x] closed locally", s.localID)
	})
	return err
}

// finish closes the socket without telling the device.
func (s *Socket) finish(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
	})
}
