package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// dial connects to the given WebSocket URL. The URL carries the PIN as a
// query parameter, e.g.:
//
//	wss://example.devtunnels.ms/ws?pin=1234
func dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to WS server: %w (%s)", err, resp.Status)
		}
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}
