package cmd

import (
	"path/filepath"

	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/spf13/cobra"
)

// NewArchiveCmd creates and returns the archive subcommand for the sqlarfs
// CLI. It adds host files to an existing archive.
func NewArchiveCmd(g *globalOptions) *cobra.Command {
	var flags treeFlags

	cmd := &cobra.Command{
		Use:     "archive SOURCE [DEST]",
		Aliases: []string{"ar"},
		Short:   "Add host files to an archive",
		Long: `Copy the host file or directory SOURCE into the archive at DEST.

DEST defaults to the base name of SOURCE at the top of the archive. Missing
parent directories of DEST are created. DEST itself must not exist yet.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			dest := filepath.Base(filepath.Clean(src))
			if len(args) == 2 {
				dest = args[1]
			}
			dest, err := sqlar.Normalize(dest)
			if err != nil {
				return err
			}
			comp, err := sqlar.ParseCompression(flags.compression)
			if err != nil {
				return err
			}
			opts := flags.options()
			ctx := cmd.Context()

			return g.exec(ctx, sqlar.OpenOptions{}, func(ar *sqlar.Archive) error {
				if err := ar.SetCompression(comp); err != nil {
					return err
				}
				if parent := sqlar.Parent(dest); parent != "" {
					dir, err := ar.Open(parent)
					if err != nil {
						return err
					}
					if err := dir.CreateDirAll(ctx); err != nil {
						return err
					}
				}
				g.logger.Info("archiving", "source", src, "dest", dest)
				return ar.ArchiveTree(ctx, src, dest, opts)
			})
		},
	}

	flags.register(cmd)
	return cmd
}
