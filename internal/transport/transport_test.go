package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageQueuePartialReads(t *testing.T) {
	q := newMessageQueue()
	q.push([]byte("hello"))
	q.push(nil)
	q.push([]byte(" world"))
	q.end(nil)

	buf := make([]byte, 3)
	var out bytes.Buffer
	for {
		n, err := q.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "hello world", out.String())
}

func TestMessageQueueReadBlocksUntilPush(t *testing.T) {
	q := newMessageQueue()
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := q.Read(buf)
		got <- string(buf[:n])
	}()

	select {
	case <-got:
		t.Fatal("read returned before any data")
	case <-time.After(20 * time.Millisecond):
	}

	q.push([]byte("x"))
	assert.Equal(t, "x", <-got)
}

func TestMessageQueueEndWithError(t *testing.T) {
	q := newMessageQueue()
	boom := errors.New("boom")
	q.push([]byte("ab"))
	q.end(boom)
	q.end(nil)
	q.push([]byte("dropped"))

	data, err := io.ReadAll(q)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "ab", string(data))
}

func TestConnRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(conn.Name(), "tcp "))

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	<-conn.Done()

	_, err = conn.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnDoneOnRemoteClose(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(a)
	b.Close()

	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after read failure")
	}
}

// echoServer upgrades to a WebSocket and echoes binary messages, skipping
// text ones.
func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		for {
			typ, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if typ == websocket.BinaryMessage {
				_ = c.WriteMessage(typ, data)
			}
		}
	}))
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.Write([]byte("first"))
	require.NoError(t, err)
	_, err = ws.Write([]byte("second"))
	require.NoError(t, err)

	buf := make([]byte, len("firstsecond"))
	_, err = io.ReadFull(ws, buf)
	require.NoError(t, err)
	assert.Equal(t, "firstsecond", string(buf))
}

func TestWebSocketCloseEndsStream(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws, err := DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	require.NoError(t, ws.Close())
	<-ws.Done()

	_, err = ws.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	_, err = ws.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

// loopbackPeer builds a PeerConnection that gathers loopback candidates, so
// two of them can connect inside one process without network access.
func loopbackPeer(t *testing.T) *webrtc.PeerConnection {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	pc, err := webrtc.NewAPI(webrtc.WithSettingEngine(se)).NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	return pc
}

func connectPeers(t *testing.T, offerer, answerer *webrtc.PeerConnection) {
	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-gathered

	require.NoError(t, answerer.SetRemoteDescription(*offerer.LocalDescription()))
	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(answerer)
	require.NoError(t, answerer.SetLocalDescription(answer))
	<-gathered

	require.NoError(t, offerer.SetRemoteDescription(*answerer.LocalDescription()))
}

// TestDataChannelLargeWrite sends more than one SCTP message worth of data
// and expects it back in order.
func TestDataChannelLargeWrite(t *testing.T) {
	a, err := NewDataChannel(loopbackPeer(t))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewDataChannel(loopbackPeer(t))
	require.NoError(t, err)
	defer b.Close()

	connectPeers(t, a.PeerConnection(), b.PeerConnection())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.WaitReady(ctx))
	require.NoError(t, b.WaitReady(ctx))

	payload := make([]byte, 3*maxMessageSize+123)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	n, err := a.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(b, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}
