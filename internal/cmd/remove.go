package cmd

import (
	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/spf13/cobra"
)

// NewRemoveCmd creates and returns the remove subcommand for the sqlarfs CLI.
func NewRemoveCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove PATH...",
		Aliases: []string{"rm"},
		Short:   "Remove entries from an archive",
		Long: `Remove each PATH from the archive. Directories are removed with everything
below them. Either all of the paths are removed or none are.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.exec(ctx, sqlar.OpenOptions{}, func(ar *sqlar.Archive) error {
				for _, p := range args {
					f, err := ar.Open(p)
					if err != nil {
						return err
					}
					if err := f.RemoveAll(ctx); err != nil {
						return err
					}
					g.logger.Info("removed", "path", f.Path())
				}
				return nil
			})
		},
	}
}
