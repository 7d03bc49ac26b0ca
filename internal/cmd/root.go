package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/dendrascience/sqlarfs/version"
	"github.com/spf13/cobra"
)

var errArchiveRequired = errors.New("no archive given; use --archive")

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	archive   string
	logLevel  string
	logFormat string
	logFile   string

	logger   *slog.Logger
	closeLog func() error
}

// NewRootCmd creates and returns the root cobra command for the sqlarfs CLI.
// It sets up all subcommands, command groups, and the persistent flags.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "sqlarfs",
		Short: "sqlarfs - Read, write and mount SQLite Archive files",
		Long: `sqlarfs works with SQLite Archive ("sqlar") files: single-file SQLite
databases holding a compressed tree of files, directories and symlinks.

Archives can be built from and extracted to the host filesystem, listed and
edited in place, or mounted as a regular directory through FUSE. Every change
is made in one transaction, so an interrupted command leaves the archive as it
was.

Use subcommands to perform different operations:
  - create: Create a new archive from host files
  - extract: Extract an archive to the host
  - archive: Add host files to an existing archive
  - list: List the entries of an archive
  - remove: Remove entries from an archive
  - mount: Mount an archive as a FUSE filesystem`,
		Version: version.GetFullVersion(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closeLog != nil {
				return opts.closeLog()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.archive, "archive", "a", "", "Path to the archive file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "Write logs to this file, rotated by size, instead of stderr")

	groupArchive := "archive"
	groupFilesystem := "filesystem"

	// Add command groups for better organization
	rootCmd.AddGroup(&cobra.Group{
		ID:    groupArchive,
		Title: "Archive Operations",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    groupFilesystem,
		Title: "Filesystem Operations",
	})

	createCmd := NewCreateCmd(opts)
	extractCmd := NewExtractCmd(opts)
	archiveCmd := NewArchiveCmd(opts)
	listCmd := NewListCmd(opts)
	removeCmd := NewRemoveCmd(opts)
	mountCmd := NewMountCmd(opts)

	createCmd.GroupID = groupArchive
	extractCmd.GroupID = groupArchive
	archiveCmd.GroupID = groupArchive
	listCmd.GroupID = groupArchive
	removeCmd.GroupID = groupArchive
	mountCmd.GroupID = groupFilesystem

	// Add subcommands
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}

// requireArchive returns the --archive flag, which most subcommands need.
func (o *globalOptions) requireArchive() (string, error) {
	if o.archive == "" {
		return "", errArchiveRequired
	}
	return o.archive, nil
}

// exec opens the archive named by --archive and runs fn in one transaction.
func (o *globalOptions) exec(ctx context.Context, openOpts sqlar.OpenOptions, fn func(ar *sqlar.Archive) error) error {
	path, err := o.requireArchive()
	if err != nil {
		return err
	}
	openOpts.Logger = o.logger
	conn, err := sqlar.Open(ctx, path, openOpts)
	if err != nil {
		return err
	}
	if err := conn.Exec(ctx, fn); err != nil {
		conn.Close()
		return err
	}
	return conn.Close()
}
