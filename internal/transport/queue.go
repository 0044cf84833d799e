package transport

import (
	"io"
	"sync"
)

// messageQueue turns a message-oriented link into a byte stream. Messages
// are pushed by the link's receive callback and drained by Read, which may
// split one message across several calls.
type messageQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	msgs  [][]byte
	cur   []byte
	ended bool
	err   error
}

func newMessageQueue() *messageQueue {
	q := &messageQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a message. It is dropped after end.
func (q *messageQueue) push(b []byte) {
	if len(b) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ended {
		return
	}
	q.msgs = append(q.msgs, b)
	q.cond.Signal()
}

// end marks the stream finished. Queued data is still readable; after that
// Read returns err, or io.EOF when err is nil. Only the first call counts.
func (q *messageQueue) end(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ended {
		return
	}
	q.ended = true
	q.err = err
	q.cond.Broadcast()
}

func (q *messageQueue) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.cur) == 0 && len(q.msgs) == 0 && !q.ended {
		q.cond.Wait()
	}

	if len(q.cur) == 0 {
		if len(q.msgs) == 0 {
			if q.err != nil {
				return 0, q.err
			}
			return 0, io.EOF
		}
		q.cur = q.msgs[0]
		q.msgs[0] = nil
		q.msgs = q.msgs[1:]
	}

	n := copy(p, q.cur)
	q.cur = q.cur[n:]
	return n, nil
}
