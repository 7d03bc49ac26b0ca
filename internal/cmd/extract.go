package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/spf13/cobra"
)

// NewExtractCmd creates and returns the extract subcommand for the sqlarfs
// CLI. It copies archive entries to the host filesystem.
func NewExtractCmd(g *globalOptions) *cobra.Command {
	var (
		sources     []string
		noRecursive bool
	)

	cmd := &cobra.Command{
		Use:     "extract [DEST]",
		Aliases: []string{"ex"},
		Short:   "Extract an archive to the host",
		Long: `Extract the archive into the host directory DEST (default: the current
directory).

Without --source the whole archive is extracted. Each --source PATH is
extracted into DEST under its base name. Existing host files are never
overwritten.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := "."
			if len(args) == 1 {
				dest = args[0]
			}
			info, err := os.Stat(dest)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s: %w", dest, sqlar.ErrNotADirectory)
			}

			opts := sqlar.DefaultExtractOptions()
			opts.Recursive = !noRecursive
			ctx := cmd.Context()

			return g.exec(ctx, sqlar.OpenOptions{ReadOnly: true}, func(ar *sqlar.Archive) error {
				if len(sources) == 0 {
					opts.Children = true
					g.logger.Info("extracting archive", "dest", dest)
					return ar.ExtractTree(ctx, "", dest, opts)
				}
				for _, src := range sources {
					p, err := sqlar.Normalize(src)
					if err != nil {
						return err
					}
					target := filepath.Join(dest, filepath.FromSlash(sqlar.Base(p)))
					g.logger.Info("extracting", "source", p, "dest", target)
					if err := ar.ExtractTree(ctx, p, target, opts); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVarP(&sources, "source", "s", nil, "Archive path to extract (repeatable)")
	cmd.Flags().BoolVar(&noRecursive, "no-recursive", false, "Do not descend into directories")

	return cmd
}
