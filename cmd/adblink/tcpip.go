package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/1ureka/adblink/internal/adb"
	"github.com/1ureka/adblink/internal/config"
	"github.com/1ureka/adblink/internal/util"
)

func tcpipCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "tcpip <port>",
		Short: "Restart adbd listening on a TCP port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil || port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %q: must be 1~65535", args[0])
			}
			return withDevice(cmd, cfg, func(ctx context.Context, dev *adb.Adb) error {
				if err := dev.TcpIp(ctx, port); err != nil {
					return err
				}
				util.LogInfo("adbd restarting in TCP mode on port %d", port)
				return nil
			})
		},
	}
}

func usbCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "usb",
		Short: "Restart adbd listening on USB only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, cfg, func(ctx context.Context, dev *adb.Adb) error {
				if err := dev.Usb(ctx); err != nil {
					return err
				}
				util.LogInfo("adbd restarting in USB mode")
				return nil
			})
		},
	}
}
