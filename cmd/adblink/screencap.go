package main

import (
	"context"
	"errors"
	"image/png"
	"os"

	"github.com/spf13/cobra"

	"github.com/1ureka/adblink/internal/adb"
	"github.com/1ureka/adblink/internal/config"
	"github.com/1ureka/adblink/internal/util"
)

func screencapCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "screencap [file.png]",
		Short: "Capture the screen as PNG",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := "screen.png"
			if len(args) == 1 {
				out = args[0]
			}

			return withDevice(cmd, cfg, func(ctx context.Context, dev *adb.Adb) error {
				fb, err := dev.Framebuffer(ctx)
				if err != nil {
					return err
				}
				img, err := fb.Image()
				if err != nil {
					return err
				}

				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := errors.Join(png.Encode(f, img), f.Close()); err != nil {
					return err
				}
				util.LogInfo("saved %dx%d capture to %s", fb.Width, fb.Height, out)
				return nil
			})
		},
	}
}
