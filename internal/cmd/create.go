package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/spf13/cobra"
)

// treeFlags are the host-tree copy flags shared by create and archive.
type treeFlags struct {
	follow      bool
	noRecursive bool
	noPreserve  bool
	compression string
}

func (f *treeFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.follow, "follow", "L", false, "Store what symlinks point to instead of the links")
	cmd.Flags().BoolVar(&f.noRecursive, "no-recursive", false, "Do not descend into directories")
	cmd.Flags().BoolVar(&f.noPreserve, "no-preserve", false, "Do not copy permissions and modification times")
	cmd.Flags().StringVarP(&f.compression, "compression", "z", sqlar.DefaultCompression().String(), "Codec for new content (none, deflate, zstd, lz4, s2)")
}

func (f *treeFlags) options() sqlar.ArchiveOptions {
	opts := sqlar.DefaultArchiveOptions()
	opts.FollowSymlinks = f.follow
	opts.Recursive = !f.noRecursive
	opts.PreserveMetadata = !f.noPreserve
	return opts
}

// NewCreateCmd creates and returns the create subcommand for the sqlarfs CLI.
// It builds a new archive out of host files and directories.
func NewCreateCmd(g *globalOptions) *cobra.Command {
	var flags treeFlags

	cmd := &cobra.Command{
		Use:     "create SOURCE...",
		Aliases: []string{"c"},
		Short:   "Create a new archive from host files",
		Long: `Create a new archive holding each SOURCE file or directory.

Every SOURCE is stored at the top of the archive under its base name. The
archive must not exist yet; without --archive it is named after the first
SOURCE with a .sqlar extension.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.archive == "" {
				g.archive = defaultArchiveName(args[0])
			}
			comp, err := sqlar.ParseCompression(flags.compression)
			if err != nil {
				return err
			}
			opts := flags.options()
			ctx := cmd.Context()

			err = g.exec(ctx, sqlar.OpenOptions{CreateNew: true}, func(ar *sqlar.Archive) error {
				if err := ar.SetCompression(comp); err != nil {
					return err
				}
				for _, src := range args {
					dest := filepath.Base(filepath.Clean(src))
					g.logger.Info("archiving", "source", src, "dest", dest)
					if err := ar.ArchiveTree(ctx, src, dest, opts); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", g.archive)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func defaultArchiveName(src string) string {
	return filepath.Clean(src) + ".sqlar"
}
