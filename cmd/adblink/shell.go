package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/1ureka/adblink/internal/adb"
	"github.com/1ureka/adblink/internal/config"
	"github.com/1ureka/adblink/internal/dispatch"
	"github.com/1ureka/adblink/internal/util"
)

func shellCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "shell [command...]",
		Short: "Run a shell command, or open an interactive shell",
		Long: `With arguments, runs them as one command line on the device and prints
the output. Without, opens an interactive shell on the device's pty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, cfg, func(ctx context.Context, dev *adb.Adb) error {
				if len(args) > 0 {
					out, err := dev.CreateSocketAndReadAll(ctx, "shell:"+joinCommand(args))
					fmt.Print(out)
					return err
				}
				return interactiveShell(ctx, dev)
			})
		},
	}
}

func interactiveShell(ctx context.Context, dev *adb.Adb) error {
	s, err := dev.CreateSocket(ctx, "shell:")
	if err != nil {
		return err
	}
	defer s.Close()

	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, state)
	}

	// Reading stdin cannot be interrupted, so that copy is left running;
	// the session ends when the device closes the shell.
	go func() {
		if _, err := io.Copy(s, os.Stdin); err != nil && !errors.Is(err, dispatch.ErrSocketClosed) {
			util.LogDebug("stdin: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	_, err = io.Copy(os.Stdout, s)
	return err
}
