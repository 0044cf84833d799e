package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/adblink/internal/protocol"
	"github.com/1ureka/adblink/internal/transport"
)

// fakeDevice is the far end of a net.Pipe speaking raw ADB packets.
type fakeDevice struct {
	t    *testing.T
	conn net.Conn
}

func (f *fakeDevice) send(cmd protocol.Command, arg0, arg1 uint32, payload []byte) {
	f.t.Helper()
	frame, err := protocol.Encode(&protocol.Packet{Command: cmd, Arg0: arg0, Arg1: arg1, Payload: payload}, true)
	require.NoError(f.t, err)
	_, err = f.conn.Write(frame)
	require.NoError(f.t, err)
}

func (f *fakeDevice) recv() *protocol.Packet {
	f.t.Helper()
	require.NoError(f.t, f.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	pkt, err := protocol.ReadPacket(f.conn, true)
	require.NoError(f.t, err)
	return pkt
}

func (f *fakeDevice) expect(cmd protocol.Command, arg0, arg1 uint32) *protocol.Packet {
	f.t.Helper()
	pkt := f.recv()
	assert.Equal(f.t, cmd, pkt.Command)
	assert.Equal(f.t, arg0, pkt.Arg0, "arg0")
	assert.Equal(f.t, arg1, pkt.Arg1, "arg1")
	return pkt
}

func newPair(t *testing.T, opts ...Option) (*Dispatcher, *fakeDevice) {
	host, dev := net.Pipe()
	d := New(transport.NewConn(host), opts...)
	d.Start()
	t.Cleanup(func() {
		d.Close()
		dev.Close()
	})
	return d, &fakeDevice{t: t, conn: dev}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// openSocket runs CreateSocket against the fake device, which accepts the
// stream with remote id remote.
func openSocket(t *testing.T, d *Dispatcher, dev *fakeDevice, service string, remote uint32) *Socket {
	type result struct {
		s   *Socket
		err error
	}
	ctx := testContext(t)
	done := make(chan result, 1)
	go func() {
		s, err := d.CreateSocket(ctx, service)
		done <- result{s, err}
	}()

	open := dev.recv()
	require.Equal(t, protocol.CmdOpen, open.Command)
	dev.send(protocol.CmdOkay, remote, open.Arg0, nil)

	r := <-done
	require.NoError(t, r.err)
	return r.s
}

func TestCreateSocketServiceString(t *testing.T) {
	d, dev := newPair(t)

	ctx := testContext(t)
	go func() { _, _ = d.CreateSocket(ctx, "shell,v2,pty:bash") }()
	open := dev.recv()
	assert.Equal(t, protocol.CmdOpen, open.Command)
	assert.Equal(t, uint32(1), open.Arg0)
	assert.Zero(t, open.Arg1)
	assert.Equal(t, "shell,v2,pty:bash\x00", string(open.Payload))
}

func TestCreateSocketWithoutNullTerminator(t *testing.T) {
	d, dev := newPair(t, WithNullTerminator(false))

	ctx := testContext(t)
	go func() { _, _ = d.CreateSocket(ctx, "sync:") }()
	assert.Equal(t, "sync:", string(dev.recv().Payload))
}

func TestCreateSocketRecordsRemoteID(t *testing.T) {
	d, dev := newPair(t)
	s := openSocket(t, d, dev, "shell:ls", 100)

	assert.Equal(t, uint32(1), s.LocalID())
	assert.Equal(t, uint32(100), s.RemoteID())
	assert.Equal(t, "shell:ls", s.Service())

	s2 := openSocket(t, d, dev, "shell:ps", 101)
	assert.Equal(t, uint32(2), s2.LocalID())
}

func TestCreateSocketRefused(t *testing.T) {
	d, dev := newPair(t)

	ctx := testContext(t)
	errc := make(chan error, 1)
	go func() {
		_, err := d.CreateSocket(ctx, "tcp:1234")
		errc <- err
	}()
	open := dev.recv()
	dev.send(protocol.CmdClose, 0, open.Arg0, nil)

	err := <-errc
	assert.ErrorIs(t, err, ErrConnectionRefused)
	var re *RefusedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "tcp:1234", re.Service)
}

func TestCanceledOpenClosesLateAccept(t *testing.T) {
	d, dev := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.CreateSocket(ctx, "shell:slow")
		errc <- err
	}()
	open := dev.recv()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	dev.send(protocol.CmdOkay, 77, open.Arg0, nil)
	dev.expect(protocol.CmdClose, open.Arg0, 77)
}

// TestWriteWaitsForCredit verifies that after the first WRTE nothing more is
// sent until the device grants another OKAY.
func TestWriteWaitsForCredit(t *testing.T) {
	d, dev := newPair(t)
	s := openSocket(t, d, dev, "shell:cat", 7)

	_, err := s.Write([]byte("one"))
	require.NoError(t, err)
	pkt := dev.expect(protocol.CmdWrite, s.LocalID(), 7)
	assert.Equal(t, "one", string(pkt.Payload))

	var second atomic.Bool
	go func() {
		if _, err := s.Write([]byte("two")); err == nil {
			second.Store(true)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, second.Load(), "second write finished without credit")

	dev.send(protocol.CmdOkay, 7, s.LocalID(), nil)
	pkt = dev.expect(protocol.CmdWrite, s.LocalID(), 7)
	assert.Equal(t, "two", string(pkt.Payload))
	assert.Eventually(t, second.Load, time.Second, 5*time.Millisecond)
}

func TestWriteChunksByMaxPayload(t *testing.T) {
	d, dev := newPair(t, WithMaxPayloadSize(4))
	s := openSocket(t, d, dev, "shell:cat", 9)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Write([]byte("0123456789"))
		errc <- err
	}()

	var got []string
	for i := range 3 {
		if i > 0 {
			dev.send(protocol.CmdOkay, 9, s.LocalID(), nil)
		}
		got = append(got, string(dev.expect(protocol.CmdWrite, s.LocalID(), 9).Payload))
	}
	require.NoError(t, <-errc)
	assert.Equal(t, []string{"0123", "4567", "89"}, got)
}

func TestIncomingWriteIsAcknowledged(t *testing.T) {
	d, dev := newPair(t)
	s := openSocket(t, d, dev, "shell:echo", 42)

	dev.send(protocol.CmdWrite, 42, s.LocalID(), []byte("hello "))
	dev.expect(protocol.CmdOkay, s.LocalID(), 42)
	dev.send(protocol.CmdWrite, 42, s.LocalID(), []byte("world"))
	dev.expect(protocol.CmdOkay, s.LocalID(), 42)
	dev.send(protocol.CmdClose, 42, s.LocalID(), nil)

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.NoError(t, s.Err())

	_, err = s.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrSocketClosed)
}

func TestSocketCloseSendsCloseOnce(t *testing.T) {
	d, dev := newPair(t)
	s := openSocket(t, d, dev, "shell:sh", 5)

	errc := make(chan error, 1)
	go func() { errc <- s.Close() }()
	dev.expect(protocol.CmdClose, s.LocalID(), 5)
	require.NoError(t, <-errc)
	require.NoError(t, s.Close())

	// The device's own CLSE for the closed stream is now an unknown id.
	seen := make(chan *protocol.Packet, 1)
	d.OnPacket(func(pkt *protocol.Packet) bool {
		seen <- pkt
		return true
	})
	dev.send(protocol.CmdClose, 5, s.LocalID(), nil)
	select {
	case pkt := <-seen:
		assert.Equal(t, protocol.CmdClose, pkt.Command)
	case <-time.After(time.Second):
		t.Fatal("late CLSE not reported")
	}
}

func TestUnhandledOpenIsRefused(t *testing.T) {
	_, dev := newPair(t)
	dev.send(protocol.CmdOpen, 33, 0, []byte("reverse:forward\x00"))
	dev.expect(protocol.CmdClose, 0, 33)
}

// TestUnknownStreamPacketsAreIgnored checks that stray OKAY and WRTE do not
// disturb the dispatcher.
func TestUnknownStreamPacketsAreIgnored(t *testing.T) {
	d, dev := newPair(t)
	dev.send(protocol.CmdOkay, 5, 999, nil)
	dev.send(protocol.CmdWrite, 5, 999, []byte("x"))

	s := openSocket(t, d, dev, "shell:true", 8)
	assert.Equal(t, uint32(8), s.RemoteID())
	assert.NoError(t, d.Err())
}

func TestListenersStopAtFirstHandler(t *testing.T) {
	d, dev := newPair(t)

	first := make(chan protocol.Command, 1)
	var second atomic.Int32
	d.OnPacket(func(pkt *protocol.Packet) bool {
		first <- pkt.Command
		return true
	})
	d.OnPacket(func(*protocol.Packet) bool {
		second.Add(1)
		return true
	})

	dev.send(protocol.CmdConnect, 0x01000000, 0x1000, []byte("device::"))
	assert.Equal(t, protocol.CmdConnect, <-first)
	assert.Zero(t, second.Load())
}

func TestTerminationAbortsStreams(t *testing.T) {
	d, dev := newPair(t)
	s := openSocket(t, d, dev, "shell:sleep 10", 3)

	errs := make(chan error, 2)
	d.OnError(func(err error) { errs <- err })

	readErr := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 8))
		readErr <- err
	}()

	dev.conn.Close()

	assert.ErrorIs(t, <-readErr, ErrAborted)
	assert.ErrorIs(t, s.Err(), ErrAborted)
	<-d.Done()
	assert.Error(t, <-errs)
	assert.Len(t, errs, 0)

	err := d.SendPacket(context.Background(), protocol.CmdOkay, 1, 2, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.CreateSocket(context.Background(), "shell:")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrAborted)
}

func TestTerminationUnblocksCreditWait(t *testing.T) {
	d, dev := newPair(t)
	s := openSocket(t, d, dev, "shell:cat", 4)

	_, err := s.Write([]byte("first"))
	require.NoError(t, err)
	dev.expect(protocol.CmdWrite, s.LocalID(), 4)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Write([]byte("second"))
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	dev.conn.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("write still waiting for credit")
	}
}

// TestConcurrentWritersDoNotInterleave runs several sockets writing at once
// and checks every frame arrives whole with a valid checksum.
func TestConcurrentWritersDoNotInterleave(t *testing.T) {
	const sockets, chunks, size = 4, 5, 64
	d, dev := newPair(t, WithMaxPayloadSize(size))

	fill := make(map[uint32]byte)
	opened := make([]*Socket, sockets)
	for i := range opened {
		opened[i] = openSocket(t, d, dev, fmt.Sprintf("shell:cat %d", i), uint32(100+i))
		fill[opened[i].LocalID()] = byte('a' + i)
	}

	var wg sync.WaitGroup
	for i, s := range opened {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Write(bytes.Repeat([]byte{byte('a' + i)}, size*chunks))
			assert.NoError(t, err)
		}()
	}

	received := make(map[uint32]int)
	for range sockets * chunks {
		pkt := dev.recv()
		require.Equal(t, protocol.CmdWrite, pkt.Command)
		b, ok := fill[pkt.Arg0]
		require.True(t, ok, "unknown local id %d", pkt.Arg0)
		assert.Equal(t, bytes.Repeat([]byte{b}, size), pkt.Payload)
		received[pkt.Arg0] += len(pkt.Payload)
		dev.send(protocol.CmdOkay, pkt.Arg1, pkt.Arg0, nil)
	}
	wg.Wait()

	for id := range fill {
		assert.Equal(t, size*chunks, received[id], "socket %d", id)
	}
}

// TestRemoteCloseDeliversQueuedPackets has a WebSocket device send its last
// WRTE and CLSE and drop the connection at once. The stream must still end
// cleanly instead of being aborted.
func TestRemoteCloseDeliversQueuedPackets(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		read := func() *protocol.Packet {
			_, data, err := c.ReadMessage()
			if err != nil {
				return nil
			}
			pkt, err := protocol.ReadPacket(bytes.NewReader(data), true)
			if err != nil {
				return nil
			}
			return pkt
		}
		write := func(cmd protocol.Command, arg0, arg1 uint32, payload []byte) {
			frame, _ := protocol.Encode(&protocol.Packet{Command: cmd, Arg0: arg0, Arg1: arg1, Payload: payload}, true)
			_ = c.WriteMessage(websocket.BinaryMessage, frame)
		}

		open := read()
		if open == nil {
			return
		}
		write(protocol.CmdOkay, 100, open.Arg0, nil)
		write(protocol.CmdWrite, 100, open.Arg0, []byte("bye"))
		write(protocol.CmdClose, 100, open.Arg0, nil)
		read() // OKAY for the WRTE
	}))
	defer srv.Close()

	ctx := testContext(t)
	ws, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	d := New(ws)
	d.Start()
	defer d.Close()

	s, err := d.CreateSocket(ctx, "shell:exit")
	require.NoError(t, err)

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))
	assert.NoError(t, s.Err())

	<-d.Done()
	assert.Error(t, d.Err())
}

func TestCloseDoesNotFireError(t *testing.T) {
	d, _ := newPair(t)
	var fired atomic.Bool
	d.OnError(func(error) { fired.Store(true) })

	require.NoError(t, d.Close())
	<-d.Done()
	assert.NoError(t, d.Err())
	assert.False(t, fired.Load())
}

func TestSendPacketPayloadLimit(t *testing.T) {
	d, dev := newPair(t, WithMaxPayloadSize(8))

	err := d.SendPacket(context.Background(), protocol.CmdWrite, 1, 2, make([]byte, 9))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	// Connect and auth packets are not limited.
	go func() { _ = d.SendPacket(context.Background(), protocol.CmdAuth, 3, 0, make([]byte, 64)) }()
	pkt := dev.recv()
	assert.Equal(t, protocol.CmdAuth, pkt.Command)
	assert.Len(t, pkt.Payload, 64)
}

func TestChecksumSetting(t *testing.T) {
	d, dev := newPair(t)
	d.SetCalculateChecksum(false)

	go func() { _ = d.SendPacket(context.Background(), protocol.CmdWrite, 1, 2, []byte("abc")) }()
	frame := make([]byte, protocol.HeaderSize+3)
	_, err := io.ReadFull(dev.conn, frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, frame[16:20])
}
