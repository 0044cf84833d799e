package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/adblink/internal/util"
)

// WebSocket is a Transport over a WebSocket connection, for example one
// exposed by a WebUSB or adb-over-ws relay. Every write is one binary
// message; binary messages received are joined into a byte stream.
type WebSocket struct {
	conn  *websocket.Conn
	queue *messageQueue

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// DialWebSocket connects to url.
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

// NewWebSocket wraps an established connection and starts reading from it.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{
		conn:  conn,
		queue: newMessageQueue(),
		done:  make(chan struct{}),
	}
	go ws.readLoop()
	return ws
}

func (ws *WebSocket) readLoop() {
	for {
		typ, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.queue.end(nil)
			} else {
				ws.queue.end(err)
			}
			ws.shutdown()
			return
		}
		if typ != websocket.BinaryMessage {
			util.LogDebug("websocket: ignoring message type %d", typ)
			continue
		}
		ws.queue.push(data)
	}
}

func (ws *WebSocket) Name() string { return "ws " + ws.conn.RemoteAddr().String() }

func (ws *WebSocket) Read(p []byte) (int, error) { return ws.queue.Read(p) }

func (ws *WebSocket) Write(p []byte) (int, error) {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	select {
	case <-ws.done:
		return 0, ErrClosed
	default:
	}
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the connection.
func (ws *WebSocket) Close() error {
	ws.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	ws.writeMu.Unlock()

	ws.shutdown()
	return nil
}

func (ws *WebSocket) Done() <-chan struct{} { return ws.done }

func (ws *WebSocket) shutdown() {
	ws.closeOnce.Do(func() {
		ws.queue.end(nil)
		ws.conn.Close()
		close(ws.done)
	})
}
