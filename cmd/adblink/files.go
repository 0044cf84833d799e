package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/adblink/internal/adb"
	"github.com/1ureka/adblink/internal/adbsync"
	"github.com/1ureka/adblink/internal/config"
	"github.com/1ureka/adblink/internal/util"
)

// withSync runs fn in a sync session on a connected device.
func withSync(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, c *adbsync.Client) error) error {
	return withDevice(cmd, cfg, func(ctx context.Context, dev *adb.Adb) error {
		c, err := dev.Sync(ctx)
		if err != nil {
			return err
		}
		ferr := fn(ctx, c)
		return errors.Join(ferr, c.Close())
	})
}

func lsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <path>",
		Short: "List a directory on the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSync(cmd, cfg, func(ctx context.Context, c *adbsync.Client) error {
				entries, err := c.List(ctx, args[0])
				if err != nil {
					return err
				}
				data := pterm.TableData{{"Mode", "Size", "Modified", "Name"}}
				for _, e := range entries {
					data = append(data, []string{
						e.Mode.String(),
						strconv.FormatInt(e.Size, 10),
						e.ModTime.Format(time.DateTime),
						e.Name,
					})
				}
				return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
			})
		},
	}
}

func statCmd(cfg *config.Config) *cobra.Command {
	var noFollow bool
	cmd := &cobra.Command{
		Use:   "stat <path>",
		Short: "Show file metadata on the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSync(cmd, cfg, func(ctx context.Context, c *adbsync.Client) error {
				stat := c.Stat
				if noFollow {
					stat = c.Lstat
				}
				info, err := stat(ctx, args[0])
				if errors.Is(err, errors.ErrUnsupported) {
					util.LogWarning("device lacks stat_v2, not following symlinks")
					info, err = c.Lstat(ctx, args[0])
				}
				if err != nil {
					return err
				}
				printKV([][]string{
					{"Path", args[0]},
					{"Mode", info.Mode.String()},
					{"Size", strconv.FormatInt(info.Size, 10)},
					{"Modified", info.ModTime.Format(time.RFC3339)},
					{"Inode", strconv.FormatUint(info.Ino, 10)},
					{"Links", strconv.FormatUint(uint64(info.Nlink), 10)},
					{"Owner", fmt.Sprintf("%d:%d", info.UID, info.GID)},
				})
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&noFollow, "no-dereference", "L", false, "do not follow a final symlink")
	return cmd
}

func pullCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <remote> [local]",
		Short: "Copy a file from the device; local \"-\" writes to stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			local := path.Base(remote)
			if len(args) == 2 {
				local = args[1]
			}

			return withSync(cmd, cfg, func(ctx context.Context, c *adbsync.Client) error {
				var w io.Writer = os.Stdout
				if local != "-" {
					if fi, err := os.Stat(local); err == nil && fi.IsDir() {
						local = filepath.Join(local, path.Base(remote))
					}
					f, err := os.Create(local)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}

				start := time.Now()
				n, err := c.Pull(ctx, remote, w)
				if err != nil {
					if local != "-" {
						_ = os.Remove(local)
					}
					return err
				}
				util.LogInfo("%s: %s pulled in %s", remote, util.FormatBytes(n), time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func pushCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "push <local> <remote>",
		Short: "Copy a file to the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]
			f, err := os.Open(local)
			if err != nil {
				return err
			}
			defer f.Close()
			fi, err := f.Stat()
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return fmt.Errorf("%s is a directory", local)
			}

			return withSync(cmd, cfg, func(ctx context.Context, c *adbsync.Client) error {
				// A trailing slash or an existing directory means "into".
				if remote[len(remote)-1] == '/' {
					remote += filepath.Base(local)
				} else if info, err := c.Lstat(ctx, remote); err == nil && info.Mode.IsDir() {
					remote = path.Join(remote, filepath.Base(local))
				}

				start := time.Now()
				n, err := c.Push(ctx, remote, f, fi.Mode().Perm(), fi.ModTime())
				if err != nil {
					return err
				}
				util.LogInfo("%s: %s pushed in %s", remote, util.FormatBytes(n), time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}
