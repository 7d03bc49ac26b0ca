package sqlar

import (
	"context"
	"iter"
	"strings"
	"unicode/utf8"
)

// SortOrder selects the order of a listing.
type SortOrder int

const (
	// SortPath lists depth first: every directory comes before its
	// children and siblings are ordered by name.
	SortPath SortOrder = iota
	// SortDepth lists breadth first, by number of path segments.
	SortDepth
	// SortSize orders by uncompressed size.
	SortSize
	// SortMtime orders by modification time.
	SortMtime
)

// ParseSortOrder accepts path, depth, size and mtime.
func ParseSortOrder(s string) (SortOrder, error) {
	switch s {
	case "", "path", "name":
		return SortPath, nil
	case "depth":
		return SortDepth, nil
	case "size":
		return SortSize, nil
	case "mtime", "time":
		return SortMtime, nil
	}
	return SortPath, invalidArg("unknown sort order " + s)
}

// ListOptions filters and orders a listing. The zero value lists every
// entry in the archive, depth first.
type ListOptions struct {
	// Dir restricts the listing to entries below this directory.
	Dir string
	// Children restricts the listing to the immediate children of Dir.
	Children bool
	// Type keeps only entries of this kind.
	Type FileType
	Sort SortOrder
	// Desc reverses the order.
	Desc bool
}

// Entry is one item of a listing.
type Entry struct {
	Path string
	Metadata
}

// Filters on the kind of an entry, matching row.kind.
const (
	kindSymlink = `coalesce(sz, 0) < 0`
	kindDir     = `(coalesce(sz, 0) >= 0 AND (data IS NULL OR coalesce(mode, 0) & 61440 = 16384))`
	kindFile    = `(coalesce(sz, 0) >= 0 AND data IS NOT NULL AND coalesce(mode, 0) & 61440 != 16384)`
)

func listQuery(dir string, opts ListOptions) (string, []any) {
	var (
		where []string
		args  []any
	)
	if dir != "" {
		lo, hi := prefixArgs(dir)
		where = append(where, descendants)
		args = append(args, lo, hi)
		if opts.Children {
			// substr counts characters, so the offset does too.
			where = append(where, `instr(substr(name, ?), '/') = 0`)
			args = append(args, utf8.RuneCountInString(dir)+2)
		}
	} else if opts.Children {
		where = append(where, `instr(name, '/') = 0`)
	}

	switch opts.Type {
	case TypeFile:
		where = append(where, kindFile)
	case TypeDir:
		where = append(where, kindDir)
	case TypeSymlink:
		where = append(where, kindSymlink)
	}

	dirn := ""
	if opts.Desc {
		dirn = " DESC"
	}
	var order string
	switch opts.Sort {
	case SortDepth:
		order = `length(name) - length(replace(name, '/', ''))` + dirn + `, name` + dirn
	case SortSize:
		order = `coalesce(sz, 0)` + dirn + `, name`
	case SortMtime:
		order = `mtime` + dirn + `, name`
	default:
		// Ranking '/' below every other byte puts each directory directly
		// before its subtree.
		order = `replace(name, '/', char(1))` + dirn
	}

	q := `SELECT ` + rowColumns + ` FROM sqlar`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	return q + ` ORDER BY ` + order, args
}

// List returns a lazy sequence of the entries selected by opts. Each call
// runs a fresh query. A Dir that is missing or not a directory yields a
// single error.
func (a *Archive) List(ctx context.Context, opts ListOptions) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		dir, err := NormalizeDir(opts.Dir)
		if err == nil {
			err = a.checkDir(ctx, dir)
		}
		if err != nil {
			yield(nil, wrapPath("list", opts.Dir, err))
			return
		}

		c, err := a.store.conn()
		if err != nil {
			yield(nil, wrapPath("list", dir, err))
			return
		}
		q, args := listQuery(dir, opts)
		rows, err := c.QueryContext(ctx, q, args...)
		if err != nil {
			yield(nil, wrapPath("list", dir, storeError(err)))
			return
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRow(rows)
			if err != nil {
				yield(nil, wrapPath("list", dir, storeError(err)))
				return
			}
			if !yield(&Entry{Path: r.name, Metadata: *r.metadata()}, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, wrapPath("list", dir, storeError(err)))
		}
	}
}

// ListAll collects List into a slice.
func (a *Archive) ListAll(ctx context.Context, opts ListOptions) ([]*Entry, error) {
	var out []*Entry
	for e, err := range a.List(ctx, opts) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ReadDir returns the immediate children of dir ("" for the root) in name
// order.
func (a *Archive) ReadDir(ctx context.Context, dir string) ([]*Entry, error) {
	return a.ListAll(ctx, ListOptions{Dir: dir, Children: true})
}
