package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/1ureka/adblink/internal/adb"
	"github.com/1ureka/adblink/internal/config"
	"github.com/1ureka/adblink/internal/forward"
	"github.com/1ureka/adblink/internal/util"
)

func forwardCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "forward <local> <remote>",
		Short: "Forward a local TCP port to a device service",
		Long: `Accepts connections on local (a port or host:port) and opens remote on the
device for each one. A bare number as remote means "tcp:<port>"; anything
else is used as the service name, e.g. localabstract:chrome_devtools_remote.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]
			if _, err := strconv.Atoi(local); err == nil {
				local = "127.0.0.1:" + local
			}
			if _, err := strconv.Atoi(remote); err == nil {
				remote = "tcp:" + remote
			}

			return withDevice(cmd, cfg, func(ctx context.Context, dev *adb.Adb) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				// Stop accepting once the device is gone.
				go func() {
					select {
					case <-dev.Done():
						cancel()
					case <-ctx.Done():
					}
				}()

				util.StartStatsReporter(ctx)
				return forward.Listen(ctx, dev, local, remote)
			})
		},
	}
}
