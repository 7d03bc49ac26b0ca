package sqlar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dendrascience/sqlarfs/util"
)

// ArchiveOptions controls ArchiveTree.
type ArchiveOptions struct {
	// FollowSymlinks stores what host symlinks point to instead of the
	// links themselves.
	FollowSymlinks bool
	// Children copies the contents of the source directory into the
	// destination directory rather than the directory itself.
	Children bool
	// Recursive descends into subdirectories.
	Recursive bool
	// PreserveMetadata copies permission bits and modification times.
	PreserveMetadata bool
}

// DefaultArchiveOptions copies recursively and preserves metadata.
func DefaultArchiveOptions() ArchiveOptions {
	return ArchiveOptions{Recursive: true, PreserveMetadata: true}
}

// ExtractOptions controls ExtractTree.
type ExtractOptions struct {
	// Children extracts the contents of the source directory into the
	// destination directory rather than the directory itself.
	Children bool
	// Recursive descends into subdirectories.
	Recursive bool
}

// DefaultExtractOptions extracts recursively.
func DefaultExtractOptions() ExtractOptions {
	return ExtractOptions{Recursive: true}
}

// ArchiveTree copies the host file or directory src into the archive at
// dest. The parent of dest must already exist. With opts.Children, dest is
// an existing directory ("" for the root) that receives the contents of src.
// The copy is atomic: on error nothing of it remains.
func (a *Archive) ArchiveTree(ctx context.Context, src, dest string, opts ArchiveOptions) error {
	if err := a.writable(); err != nil {
		return wrapPath("archive", dest, err)
	}
	var (
		d   string
		err error
	)
	if opts.Children {
		d, err = NormalizeDir(dest)
	} else {
		d, err = Normalize(dest)
	}
	if err != nil {
		return wrapPath("archive", dest, err)
	}

	t := &treeArchiver{ar: a, opts: opts}
	err = a.store.savepoint(ctx, func() error {
		info, err := t.stat(src)
		if err != nil {
			return err
		}
		if !opts.Children {
			return t.add(ctx, src, d, info, nil)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrNotADirectory, src)
		}
		if err := a.checkDir(ctx, d); err != nil {
			return err
		}
		return t.addChildren(ctx, src, d, []fs.FileInfo{info})
	})
	return wrapPath("archive", d, err)
}

type treeArchiver struct {
	ar   *Archive
	opts ArchiveOptions
}

func (t *treeArchiver) stat(p string) (fs.FileInfo, error) {
	if t.opts.FollowSymlinks {
		info, err := os.Stat(p)
		return info, hostError(err)
	}
	info, err := os.Lstat(p)
	return info, hostError(err)
}

func (t *treeArchiver) meta(kind FileType, info fs.FileInfo) (FileMode, time.Time) {
	if t.opts.PreserveMetadata {
		return ModeFromFS(info.Mode()), info.ModTime()
	}
	return t.ar.defaultPerm(kind), time.Now()
}

// add stores one host entry; parents are the host directories above it, for
// loop detection.
func (t *treeArchiver) add(ctx context.Context, src, dest string, info fs.FileInfo, parents []fs.FileInfo) error {
	if _, err := Normalize(dest); err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}

	switch mode := info.Mode(); {
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return hostError(err)
		}
		_, mtime := t.meta(TypeSymlink, info)
		return t.ar.insertEntry(ctx, dest, TypeSymlink, 0o777, mtime, target)

	case mode.IsDir():
		for _, p := range parents {
			if os.SameFile(p, info) {
				return fmt.Errorf("%w: %s", ErrFilesystemLoop, src)
			}
		}
		perm, mtime := t.meta(TypeDir, info)
		if err := t.ar.insertEntry(ctx, dest, TypeDir, perm, mtime, ""); err != nil {
			return err
		}
		if !t.opts.Recursive {
			return nil
		}
		return t.addChildren(ctx, src, dest, append(slices.Clip(parents), info))

	case mode.IsRegular():
		perm, mtime := t.meta(TypeFile, info)
		if err := t.ar.insertEntry(ctx, dest, TypeFile, perm, mtime, ""); err != nil {
			return err
		}
		return t.copyFile(ctx, src, dest, mtime)

	default:
		t.ar.logger.Debug("skipping special file", "path", src, "mode", mode)
		return nil
	}
}

func (t *treeArchiver) addChildren(ctx context.Context, src, dest string, parents []fs.FileInfo) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return hostError(err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		child := filepath.Join(src, e.Name())
		info, err := t.stat(child)
		if err != nil {
			return err
		}
		if err := t.add(ctx, child, Join(dest, e.Name()), info, parents); err != nil {
			return err
		}
	}
	return nil
}

func (t *treeArchiver) copyFile(ctx context.Context, src, dest string, mtime time.Time) error {
	in, err := os.Open(src)
	if err != nil {
		return hostError(err)
	}
	defer in.Close()

	spool := util.NewSpool(0)
	defer spool.Close()
	if _, err := io.Copy(spool, in); err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	f := &File{ar: t.ar, path: dest, compression: t.ar.compression}
	return f.commit(ctx, spool, mtime)
}

// ExtractTree copies the archive entry src to the host path dest. Existing
// host files are never overwritten. With opts.Children, src is a directory
// ("" for the root) whose contents are written into the existing host
// directory dest.
func (a *Archive) ExtractTree(ctx context.Context, src, dest string, opts ExtractOptions) error {
	var (
		s   string
		err error
	)
	if opts.Children {
		s, err = NormalizeDir(src)
	} else {
		s, err = Normalize(src)
	}
	if err != nil {
		return wrapPath("extract", src, err)
	}

	entries, err := a.extractEntries(ctx, s, dest, opts)
	if err != nil {
		return wrapPath("extract", s, err)
	}

	type pendingDir struct {
		path  string
		entry *Entry
	}
	var dirs []pendingDir

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := e.Path
		if s != "" {
			rel = strings.TrimPrefix(strings.TrimPrefix(e.Path, s), "/")
		}
		host := filepath.Join(dest, filepath.FromSlash(rel))

		switch e.Type {
		case TypeDir:
			if err := os.Mkdir(host, 0o700); err != nil {
				return wrapPath("extract", e.Path, hostError(err))
			}
			// Applied last so that read-only or timestamped directories
			// can still be filled.
			dirs = append(dirs, pendingDir{host, e})
			continue
		case TypeSymlink:
			if err := os.Symlink(e.Target, host); err != nil {
				return wrapPath("extract", e.Path, hostError(err))
			}
			continue
		}

		if err := a.extractFile(ctx, e, host); err != nil {
			return wrapPath("extract", e.Path, err)
		}
		if err := applyHostMeta(host, e); err != nil {
			return wrapPath("extract", e.Path, err)
		}
	}

	for _, d := range slices.Backward(dirs) {
		if err := applyHostMeta(d.path, d.entry); err != nil {
			return wrapPath("extract", d.entry.Path, err)
		}
	}
	return nil
}

func (a *Archive) extractEntries(ctx context.Context, s, dest string, opts ExtractOptions) ([]*Entry, error) {
	if opts.Children {
		info, err := os.Stat(dest)
		if err != nil {
			return nil, hostError(err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrNotADirectory, dest)
		}
		return a.ListAll(ctx, ListOptions{Dir: s, Children: !opts.Recursive, Sort: SortDepth})
	}

	md, err := a.Stat(ctx, s)
	if err != nil {
		return nil, err
	}
	entries := []*Entry{{Path: s, Metadata: *md}}
	if md.IsDir() && opts.Recursive {
		rest, err := a.ListAll(ctx, ListOptions{Dir: s, Sort: SortDepth})
		if err != nil {
			return nil, err
		}
		entries = append(entries, rest...)
	}
	return entries, nil
}

func (a *Archive) extractFile(ctx context.Context, e *Entry, host string) error {
	f := &File{ar: a, path: e.Path, compression: a.compression}
	r, err := f.Reader(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	out, err := os.OpenFile(host, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return hostError(err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func applyHostMeta(host string, e *Entry) error {
	if err := os.Chmod(host, e.FileMode()&^fs.ModeType); err != nil {
		return hostError(err)
	}
	if !e.Mtime.IsZero() {
		if err := os.Chtimes(host, time.Time{}, e.Mtime); err != nil {
			return hostError(err)
		}
	}
	return nil
}

// hostError maps host filesystem errors onto the package sentinels.
func hostError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	return err
}
