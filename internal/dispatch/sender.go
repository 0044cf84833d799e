package dispatch

import (
	"context"

	"github.com/1ureka/adblink/internal/protocol"
	"github.com/1ureka/adblink/internal/transport"
	"github.com/1ureka/adblink/internal/util"
)

const sendBufferSize = 64 // outgoing frame channel capacity

type writeRequest struct {
	cmd   protocol.Command
	frame []byte
	done  chan error // nil for fire-and-forget frames
}

// sender is the single goroutine writing to the transport. Frames leave in
// the order they were queued and only one is in flight at a time.
type sender struct {
	tr    transport.Transport
	inbox chan writeRequest
	quit  <-chan struct{}
	fail  func(error)
}

func newSender(tr transport.Transport, quit <-chan struct{}, fail func(error)) *sender {
	return &sender{
		tr:    tr,
		inbox: make(chan writeRequest, sendBufferSize),
		quit:  quit,
		fail:  fail,
	}
}

func (s *sender) loop() {
	for {
		select {
		case req := <-s.inbox:
			_, err := s.tr.Write(req.frame)
			if req.done != nil {
				req.done <- err
			}
			if err != nil {
				s.fail(err)
				return
			}
			util.Stats.AddSentPacket(req.cmd.String(), len(req.frame))

		case <-s.quit:
			return
		}
	}
}

// send queues a frame and waits until it was written. Once queued the frame
// is written even if ctx ends, so the caller keeps waiting for the result.
func (s *sender) send(ctx context.Context, cmd protocol.Command, frame []byte) error {
	req := writeRequest{cmd: cmd, frame: frame, done: make(chan error, 1)}
	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}

	select {
	case err := <-req.done:
		return err
	case <-s.quit:
		return ErrClosed
	}
}

// post queues a frame without waiting for it.
func (s *sender) post(cmd protocol.Command, frame []byte) {
	select {
	case s.inbox <- writeRequest{cmd: cmd, frame: frame}:
	case <-s.quit:
	}
}
