package cmd

import (
	"fmt"
	"io"

	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/spf13/cobra"
)

// NewListCmd creates and returns the list subcommand for the sqlarfs CLI.
func NewListCmd(g *globalOptions) *cobra.Command {
	var (
		tree     bool
		children bool
		typeName string
		sortName string
		desc     bool
		long     bool
	)

	cmd := &cobra.Command{
		Use:     "list [PARENT]",
		Aliases: []string{"ls"},
		Short:   "List the entries of an archive",
		Long: `List the entries below PARENT (default: the whole archive), one per line.

By default every descendant is listed, each directory before its contents.
With --children only the immediate children of PARENT are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := sqlar.ListOptions{Children: children || !tree, Desc: desc}
			if len(args) == 1 {
				opts.Dir = args[0]
			}
			var err error
			if opts.Type, err = sqlar.ParseFileType(typeName); err != nil {
				return err
			}
			if opts.Sort, err = sqlar.ParseSortOrder(sortName); err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			return g.exec(ctx, sqlar.OpenOptions{ReadOnly: true}, func(ar *sqlar.Archive) error {
				for e, err := range ar.List(ctx, opts) {
					if err != nil {
						return err
					}
					if long {
						printLong(out, e)
					} else {
						fmt.Fprintln(out, e.Path)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&tree, "tree", true, "List every descendant of PARENT")
	cmd.Flags().BoolVarP(&children, "children", "c", false, "List only the immediate children of PARENT")
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "Only list entries of this type (file, dir, symlink)")
	cmd.Flags().StringVar(&sortName, "sort", "path", "Sort order (path, depth, size, mtime)")
	cmd.Flags().BoolVar(&desc, "desc", false, "Reverse the sort order")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show mode, size and modification time")
	cmd.MarkFlagsMutuallyExclusive("tree", "children")

	return cmd
}

func printLong(w io.Writer, e *sqlar.Entry) {
	mtime := "-"
	if !e.Mtime.IsZero() {
		mtime = e.Mtime.Local().Format("2006-01-02 15:04")
	}
	name := e.Path
	if e.IsSymlink() {
		name += " -> " + e.Target
	}
	fmt.Fprintf(w, "%s %10d %s %s\n", e.FileMode(), e.Size, mtime, name)
}
