// Package forward serves local TCP ports by opening a device stream for
// every accepted connection.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/adblink/internal/dispatch"
	"github.com/1ureka/adblink/internal/util"
)

// Opener opens device streams; *adb.Adb satisfies it.
type Opener interface {
	CreateSocket(ctx context.Context, service string) (*dispatch.Socket, error)
}

// Listen accepts connections on localAddr and forwards each to a new stream
// for remoteService, such as "tcp:8080" or "localabstract:chrome_devtools_remote".
// It blocks until ctx is cancelled.
func Listen(ctx context.Context, opener Opener, localAddr, remoteService string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", localAddr, err)
	}
	return Serve(ctx, listener, opener, remoteService)
}

// Serve is Listen on an existing listener, which it closes on return.
func Serve(ctx context.Context, listener net.Listener, opener Opener, remoteService string) error {
	// Close the listener when context is done so Accept() returns an error.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	util.LogInfo("forwarding %s to %s", listener.Addr(), remoteService)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}

		tag := util.ConnTag(conn)
		util.LogDebug("[%08x] new connection from %s", tag, conn.RemoteAddr())
		go func() {
			if err := handle(ctx, tag, conn, opener, remoteService); err != nil {
				util.LogWarning("[%08x] %v", tag, err)
			}
		}()
	}
}

func handle(ctx context.Context, tag uint32, conn net.Conn, opener Opener, service string) error {
	defer conn.Close()

	s, err := opener.CreateSocket(ctx, service)
	if err != nil {
		return err
	}
	defer s.Close()
	util.LogDebug("[%08x] bridged to stream %08x", tag, s.LocalID())

	g, gctx := errgroup.WithContext(ctx)

	// Closing both ends unblocks whichever pump is still running.
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		s.Close()
		return nil
	})
	g.Go(func() error {
		_, err := io.Copy(s, conn)
		return stop(err)
	})
	g.Go(func() error {
		_, err := io.Copy(conn, s)
		return stop(err)
	})

	err = g.Wait()
	util.LogDebug("[%08x] connection closed", tag)
	if err == nil || errors.Is(err, errDone) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, dispatch.ErrSocketClosed) {
		return nil
	}
	return err
}

// errDone ends the group once either direction finishes.
var errDone = errors.New("done")

func stop(err error) error {
	if err != nil {
		return err
	}
	return errDone
}
