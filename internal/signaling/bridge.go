package signaling

import (
	"context"
	"errors"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/adblink/internal/transport"
	"github.com/1ureka/adblink/internal/util"
)

// Bridge copies bytes between a signaled channel and a device connection
// until either side closes or ctx is done. Both are closed on return.
func Bridge(ctx context.Context, dc, device io.ReadWriteCloser) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		dc.Close()
		device.Close()
		return nil
	})
	g.Go(func() error {
		n, err := io.Copy(device, dc)
		util.LogDebug("bridge: %s to device", util.FormatBytes(n))
		return ended(err)
	})
	g.Go(func() error {
		n, err := io.Copy(dc, device)
		util.LogDebug("bridge: %s from device", util.FormatBytes(n))
		return ended(err)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, errBridgeEnded) || errors.Is(err, transport.ErrClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

var errBridgeEnded = errors.New("bridge ended")

func ended(err error) error {
	if err != nil {
		return err
	}
	return errBridgeEnded
}
