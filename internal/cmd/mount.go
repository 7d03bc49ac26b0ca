package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dendrascience/sqlarfs/fusefs"
	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/dendrascience/sqlarfs/version"
	"github.com/spf13/cobra"
)

// NewMountCmd creates and returns the mount subcommand for the sqlarfs CLI.
// It serves an archive as a FUSE filesystem until it is unmounted.
func NewMountCmd(g *globalOptions) *cobra.Command {
	var (
		root       string
		readOnly   bool
		allowOther bool
	)

	cmd := &cobra.Command{
		Use:   "mount MOUNTPOINT",
		Short: "Mount an archive as a FUSE filesystem",
		Long: `Mount the archive at MOUNTPOINT and serve it until the filesystem is
unmounted (fusermount -u MOUNTPOINT) or the process is interrupted.

MOUNTPOINT must be an existing directory. The archive file may not live inside
it. Content written through the mount is stored when the file is closed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := g.requireArchive()
			if err != nil {
				return err
			}
			mountpoint := args[0]
			if pathsOverlap(archive, mountpoint) {
				return fmt.Errorf("archive %s must not be inside mountpoint %s", archive, mountpoint)
			}
			info, err := os.Stat(mountpoint)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("mountpoint %s: %w", mountpoint, sqlar.ErrNotADirectory)
			}

			ctx := cmd.Context()
			conn, err := sqlar.Open(ctx, archive, sqlar.OpenOptions{ReadOnly: readOnly, Logger: g.logger})
			if err != nil {
				return err
			}
			defer conn.Close()

			g.logger.Info("starting", "version", version.GetFullVersion(), "archive", archive)
			return fusefs.Mount(ctx, conn, mountpoint, fusefs.Options{
				Root:       root,
				ReadOnly:   readOnly,
				AllowOther: allowOther,
				Logger:     g.logger,
				Signals:    []os.Signal{os.Interrupt, syscall.SIGTERM},
			})
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Archive directory to mount instead of the archive root")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "Mount read-only")
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "Allow other users to access the mount")

	return cmd
}

// pathsOverlap reports whether one of the two paths contains the other.
func pathsOverlap(path1, path2 string) bool {
	abs1, err1 := filepath.Abs(path1)
	abs2, err2 := filepath.Abs(path2)
	if err1 != nil || err2 != nil {
		return false
	}
	if abs1 == abs2 {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(abs1+sep, abs2+sep) || strings.HasPrefix(abs2+sep, abs1+sep)
}
