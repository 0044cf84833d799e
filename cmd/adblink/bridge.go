package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/1ureka/adblink/internal/config"
	"github.com/1ureka/adblink/internal/signaling"
	"github.com/1ureka/adblink/internal/util"
)

func bridgeCmd(cfg *config.Config) *cobra.Command {
	var (
		wsPort   int
		wsListen bool
		pin      string
	)

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Expose the device to a remote adblink over WebRTC",
		Long: `Runs next to the device. Waits for a remote "adblink --webrtc <url>" on a
signaling WebSocket, then relays raw ADB bytes between the DataChannel and
the device's adbd at --tcp. The remote side does the ADB handshake.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Transport != config.KindTCP {
				return fmt.Errorf("bridge reaches the device over --tcp, not %s", cfg.Transport)
			}
			if pin == "" {
				pin = signaling.GeneratePIN(6)
			}

			// Loopback only unless asked; the usual setup puts a port
			// forwarding service in front.
			wsAddr := fmt.Sprintf("127.0.0.1:%d", wsPort)
			if wsListen {
				wsAddr = fmt.Sprintf(":%d", wsPort)
			}

			ctx := cmd.Context()
			dc, err := signaling.EstablishAsHost(ctx, wsAddr, pin, signaling.WithSTUNServers(cfg.STUNServers...))
			if err != nil {
				return err
			}
			defer dc.Close()

			var d net.Dialer
			device, err := d.DialContext(ctx, "tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("failed to reach device: %w", err)
			}

			util.StartStatsReporter(ctx)
			util.LogInfo("bridging %s to %s", dc.Name(), cfg.Addr)
			if err := signaling.Bridge(ctx, dc, device); err != nil {
				return err
			}
			util.LogInfo("bridge closed")
			return nil
		},
	}

	cmd.Flags().IntVar(&wsPort, "ws-port", 0, "signaling port, 0 for a random one")
	cmd.Flags().BoolVar(&wsListen, "ws-listen", false, "listen on all interfaces instead of loopback")
	cmd.Flags().StringVar(&pin, "pin", "", "PIN clients must present (default random)")
	return cmd
}
