package transport

import (
	"context"
	"net"
	"sync"
)

// Conn is a Transport over any net.Conn, typically TCP to adbd on port 5555.
type Conn struct {
	conn      net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, done: make(chan struct{})}
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

func (c *Conn) Name() string { return "tcp " + c.conn.RemoteAddr().String() }

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if err != nil {
		c.shutdown()
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}
	n, err := c.conn.Write(p)
	if err != nil {
		c.shutdown()
	}
	return n, err
}

// Close closes the connection. Further calls are no-ops.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) shutdown() { _ = c.Close() }
