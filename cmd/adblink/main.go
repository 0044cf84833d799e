// adblink — CLI entry point.
//
// It talks to an ADB daemon directly over TCP, a WebSocket relay, or a
// WebRTC DataChannel set up by "adblink bridge" on a machine next to the
// device. No adb server is involved.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/adblink/internal/adb"
	"github.com/1ureka/adblink/internal/auth"
	"github.com/1ureka/adblink/internal/config"
	"github.com/1ureka/adblink/internal/signaling"
	"github.com/1ureka/adblink/internal/transport"
	"github.com/1ureka/adblink/internal/util"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()
	rootCmd := newRootCmd(&cfg)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// newRootCmd fills cfg from flags, ADBLINK_* variables and defaults before
// any subcommand runs.
func newRootCmd(cfg *config.Config) *cobra.Command {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:   "adblink",
		Short: "Talk to an Android device's adbd over TCP, WebSocket or WebRTC",
		Long: `adblink speaks the ADB wire protocol to a device daemon without an adb
server. Reach the device with one of:

  --tcp     host:port of adbd in TCP mode
  --ws      a WebSocket relay forwarding raw ADB frames
  --webrtc  the signaling URL printed by "adblink bridge" on the device's host`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(v)
			if err != nil {
				return err
			}
			*cfg = loaded

			tcpAddr, wsURL, webrtcURL := v.GetString("tcp"), v.GetString("ws"), v.GetString("webrtc")
			switch {
			case webrtcURL != "":
				u, err := config.NormalizeSignalingURL(webrtcURL)
				if err != nil {
					return err
				}
				cfg.Transport, cfg.Addr = config.KindWebRTC, u
			case wsURL != "":
				cfg.Transport, cfg.Addr = config.KindWebSocket, wsURL
			case tcpAddr != "":
				cfg.Transport, cfg.Addr = config.KindTCP, tcpAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := util.SetLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			if cfg.Debug {
				util.EnableDebug()
			}
			if cfg.MetricsAddr != "" {
				go func() {
					if err := util.ServeMetrics(cmd.Context(), cfg.MetricsAddr); err != nil {
						util.LogWarning("metrics server: %v", err)
					}
				}()
			}
			return nil
		},
	}

	d := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.String("tcp", "", "adbd address, host:port")
	flags.String("ws", "", "WebSocket relay URL")
	flags.String("webrtc", "", "signaling URL of an adblink bridge, with ?pin=")
	flags.String(config.KeyKeys, d.KeyDir, "directory holding adbkey files (default ~/.android)")
	flags.Bool(config.KeyDebug, d.Debug, "enable debug logging")
	flags.String(config.KeyLogLevel, d.LogLevel, "debug, info, warn or error")
	flags.String(config.KeyMetricsAddr, d.MetricsAddr, "serve Prometheus metrics on this address")
	flags.Uint32(config.KeyMaxPayload, d.MaxPayloadSize, "largest packet payload to negotiate")
	flags.Int(config.KeyMaxStrayCloses, d.MaxStrayCloses, "CLSE packets tolerated while connecting, 0 for no limit")
	flags.StringSlice(config.KeySTUN, d.STUNServers, "STUN servers for --webrtc")
	cobra.CheckErr(config.BindFlags(v, flags))

	rootCmd.AddCommand(
		infoCmd(cfg),
		shellCmd(cfg),
		lsCmd(cfg),
		statCmd(cfg),
		pullCmd(cfg),
		pushCmd(cfg),
		forwardCmd(cfg),
		tcpipCmd(cfg),
		usbCmd(cfg),
		screencapCmd(cfg),
		bridgeCmd(cfg),
		keygenCmd(cfg),
		versionCmd(),
	)
	return rootCmd
}

// openTransport reaches the device the way cfg asks.
func openTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.KindWebSocket:
		return transport.DialWebSocket(ctx, cfg.Addr)
	case config.KindWebRTC:
		return signaling.EstablishAsClient(ctx, cfg.Addr, signaling.WithSTUNServers(cfg.STUNServers...))
	default:
		return transport.Dial(ctx, cfg.Addr)
	}
}

// connect opens the transport and performs the ADB handshake. The caller
// closes the returned device.
func connect(ctx context.Context, cfg *config.Config) (*adb.Adb, error) {
	store, err := auth.NewFileStore(cfg.KeyDir)
	if err != nil {
		return nil, err
	}

	tr, err := openTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}

	spinner, _ := pterm.DefaultSpinner.WithWriter(os.Stderr).WithRemoveWhenDone(true).Start("connecting to " + tr.Name())
	dev, err := adb.Connect(ctx, tr, store,
		adb.WithMaxPayloadSize(cfg.MaxPayloadSize),
		adb.WithMaxStrayCloses(cfg.MaxStrayCloses),
	)
	if spinner != nil {
		_ = spinner.Stop()
	}
	if err != nil {
		return nil, err
	}

	dev.OnError(func(err error) {
		util.LogError("connection lost: %v", err)
	})
	return dev, nil
}

// withDevice runs fn on a connected device and closes it afterwards.
func withDevice(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, dev *adb.Adb) error) error {
	ctx := cmd.Context()
	dev, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer dev.Close()
	return fn(ctx, dev)
}

// joinCommand rebuilds a shell command line from cobra args.
func joinCommand(args []string) string {
	return strings.Join(args, " ")
}

func printKV(rows [][]string) {
	data := pterm.TableData{}
	for _, r := range rows {
		data = append(data, r)
	}
	if err := pterm.DefaultTable.WithData(data).Render(); err != nil {
		for _, r := range rows {
			fmt.Println(strings.Join(r, "\t"))
		}
	}
}
