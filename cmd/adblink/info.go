package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/1ureka/adblink/internal/adb"
	"github.com/1ureka/adblink/internal/config"
)

func infoCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Connect and print the device banner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, cfg, func(ctx context.Context, dev *adb.Adb) error {
				printKV([][]string{
					{"Transport", dev.Name()},
					{"Protocol", fmt.Sprintf("%08x", dev.ProtocolVersion())},
					{"Max payload", fmt.Sprintf("%d", dev.MaxPayloadSize())},
					{"Product", dev.Product()},
					{"Model", dev.Model()},
					{"Device", dev.Device()},
					{"Features", strings.Join(dev.Features(), ",")},
				})
				return nil
			})
		},
	}
}
