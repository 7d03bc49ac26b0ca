package sqlar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// File is a handle to one path in an archive. Creating the handle does not
// touch the archive; the entry may or may not exist.
type File struct {
	ar          *Archive
	path        string
	compression Compression
	level       int
}

// Path returns the normalized archive path.
func (f *File) Path() string {
	return f.path
}

// Compression returns the codec used for content written through f.
func (f *File) Compression() Compression {
	return f.compression
}

// SetCompression sets the codec and level used for content written through
// f. Level 0 picks the codec's fast preset.
func (f *File) SetCompression(c Compression, level int) error {
	if !Available(c) {
		return wrapPath("set compression", f.path, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c))
	}
	f.compression = c
	f.level = level
	return nil
}

// Exists reports whether the entry exists.
func (f *File) Exists(ctx context.Context) (bool, error) {
	_, err := f.ar.store.get(ctx, f.path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapPath("stat", f.path, err)
	}
	return true, nil
}

// Metadata returns the entry's metadata.
func (f *File) Metadata(ctx context.Context) (*Metadata, error) {
	r, err := f.ar.store.get(ctx, f.path)
	if err != nil {
		return nil, wrapPath("stat", f.path, err)
	}
	return r.metadata(), nil
}

// CreateFile creates an empty regular file. The parent must exist.
func (f *File) CreateFile(ctx context.Context) error {
	return f.create(ctx, "create", TypeFile, "")
}

// CreateDir creates an empty directory. The parent must exist.
func (f *File) CreateDir(ctx context.Context) error {
	return f.create(ctx, "mkdir", TypeDir, "")
}

// CreateSymlink creates a symlink pointing at target. The target is stored
// as given and never resolved.
func (f *File) CreateSymlink(ctx context.Context, target string) error {
	return f.create(ctx, "symlink", TypeSymlink, target)
}

func (f *File) create(ctx context.Context, op string, kind FileType, target string) error {
	if err := f.ar.writable(); err != nil {
		return wrapPath(op, f.path, err)
	}
	err := f.ar.store.savepoint(ctx, func() error {
		return f.ar.insertEntry(ctx, f.path, kind, f.ar.defaultPerm(kind), time.Time{}, target)
	})
	return wrapPath(op, f.path, err)
}

// CreateDirAll creates the directory and any missing parents. It succeeds
// without changes when the directory already exists.
func (f *File) CreateDirAll(ctx context.Context) error {
	if err := f.ar.writable(); err != nil {
		return wrapPath("mkdir", f.path, err)
	}
	chain := append(Ancestors(f.path), f.path)
	// Ancestors is closest first; create from the root down.
	slices.Reverse(chain[:len(chain)-1])

	err := f.ar.store.savepoint(ctx, func() error {
		for i, p := range chain {
			r, err := f.ar.store.get(ctx, p)
			switch {
			case errors.Is(err, ErrNotFound):
				mode := typeBits(TypeDir) | int64(f.ar.defaultPerm(TypeDir))
				if err := f.ar.store.insert(ctx, p, TypeDir, mode, unixTime(time.Now()), ""); err != nil {
					return err
				}
			case err != nil:
				return err
			case r.kind() == TypeDir:
			case i == len(chain)-1:
				return ErrAlreadyExists
			default:
				return fmt.Errorf("%w: %s", ErrNotADirectory, p)
			}
		}
		return nil
	})
	return wrapPath("mkdir", f.path, err)
}

// Remove deletes the entry. A directory must be empty.
func (f *File) Remove(ctx context.Context) error {
	if err := f.ar.writable(); err != nil {
		return wrapPath("remove", f.path, err)
	}
	err := f.ar.store.savepoint(ctx, func() error {
		r, err := f.ar.store.get(ctx, f.path)
		if err != nil {
			return err
		}
		if r.kind() == TypeDir {
			nonEmpty, err := f.ar.store.hasChildren(ctx, f.path)
			if err != nil {
				return err
			}
			if nonEmpty {
				return ErrNotEmpty
			}
		}
		return f.ar.store.deleteOne(ctx, f.path)
	})
	return wrapPath("remove", f.path, err)
}

// RemoveAll deletes the entry and, for a directory, everything below it, as
// one atomic step.
func (f *File) RemoveAll(ctx context.Context) error {
	if err := f.ar.writable(); err != nil {
		return wrapPath("remove", f.path, err)
	}
	err := f.ar.store.savepoint(ctx, func() error {
		if _, err := f.ar.store.get(ctx, f.path); err != nil {
			return err
		}
		n, err := f.ar.store.deleteTree(ctx, f.path)
		if err != nil {
			return err
		}
		f.ar.logger.Debug("removed tree", "path", f.path, "entries", n)
		return nil
	})
	return wrapPath("remove", f.path, err)
}

// Rename moves the entry, and everything below it when it is a directory,
// to newPath in one atomic step. An existing file or symlink at newPath is
// replaced, as is an existing empty directory when the source is a
// directory. Renaming onto a non-empty directory or across a file/directory
// kind mismatch fails. Symlink targets are never rewritten. On success f
// refers to newPath.
func (f *File) Rename(ctx context.Context, newPath string) error {
	if err := f.ar.writable(); err != nil {
		return wrapPath("rename", f.path, err)
	}
	np, err := Normalize(newPath)
	if err != nil {
		return wrapPath("rename", newPath, err)
	}

	err = f.ar.store.savepoint(ctx, func() error {
		src, err := f.ar.store.get(ctx, f.path)
		if err != nil {
			return err
		}
		if np == f.path {
			return nil
		}
		srcDir := src.kind() == TypeDir
		if srcDir && IsWithin(np, f.path) {
			return fmt.Errorf("%w: cannot move %s into itself", ErrInvalidArgs, f.path)
		}
		if err := f.ar.checkParent(ctx, np); err != nil {
			return err
		}

		dst, err := f.ar.store.get(ctx, np)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			dstDir := dst.kind() == TypeDir
			switch {
			case srcDir && !dstDir:
				return fmt.Errorf("%w: %s", ErrNotADirectory, np)
			case !srcDir && dstDir:
				return fmt.Errorf("%w: %s", ErrIsDirectory, np)
			case dstDir:
				nonEmpty, err := f.ar.store.hasChildren(ctx, np)
				if err != nil {
					return err
				}
				if nonEmpty {
					return fmt.Errorf("%w: %s", ErrNotEmpty, np)
				}
			}
			if err := f.ar.store.deleteOne(ctx, np); err != nil {
				return err
			}
		}

		n, err := f.ar.store.renameTree(ctx, f.path, np)
		if err != nil {
			return err
		}
		f.ar.logger.Debug("renamed", "from", f.path, "to", np, "entries", n)
		return nil
	})
	if err != nil {
		return wrapPath("rename", f.path, err)
	}
	f.path = np
	return nil
}

// SetMode replaces the permission bits. Symlinks keep their mode.
func (f *File) SetMode(ctx context.Context, mode FileMode) error {
	if err := f.ar.writable(); err != nil {
		return wrapPath("chmod", f.path, err)
	}
	r, err := f.ar.store.get(ctx, f.path)
	if err != nil {
		return wrapPath("chmod", f.path, err)
	}
	if r.kind() == TypeSymlink {
		return nil
	}
	raw := r.rawMode()&^modePermMask | int64(mode&modePermMask)
	return wrapPath("chmod", f.path, f.ar.store.setMode(ctx, f.path, raw))
}

// SetMtime sets the modification time. The zero time clears it.
func (f *File) SetMtime(ctx context.Context, mtime time.Time) error {
	if err := f.ar.writable(); err != nil {
		return wrapPath("chtimes", f.path, err)
	}
	return wrapPath("chtimes", f.path, f.ar.store.setMtime(ctx, f.path, unixTime(mtime)))
}

// IsEmpty reports whether a file has no content or a directory has no
// children.
func (f *File) IsEmpty(ctx context.Context) (bool, error) {
	r, err := f.ar.store.get(ctx, f.path)
	if err != nil {
		return false, wrapPath("stat", f.path, err)
	}
	switch r.kind() {
	case TypeDir:
		nonEmpty, err := f.ar.store.hasChildren(ctx, f.path)
		return !nonEmpty, wrapPath("stat", f.path, err)
	case TypeFile:
		return r.size == 0, nil
	default:
		return false, wrapPath("stat", f.path, ErrNotAFile)
	}
}

// IsCompressed reports whether the file's content is stored compressed.
func (f *File) IsCompressed(ctx context.Context) (bool, error) {
	md, err := f.Metadata(ctx)
	if err != nil {
		return false, err
	}
	if md.Type != TypeFile {
		return false, wrapPath("stat", f.path, ErrNotAFile)
	}
	return md.Compression != CompressionNone, nil
}

// Children lists the immediate children of a directory.
func (f *File) Children(ctx context.Context) ([]*Entry, error) {
	return f.ar.ReadDir(ctx, f.path)
}

// Truncate removes the file's content.
func (f *File) Truncate(ctx context.Context) error {
	return f.WriteBytes(ctx, nil)
}

// WriteBytes replaces the file's content with b.
func (f *File) WriteBytes(ctx context.Context, b []byte) error {
	return f.WriteFrom(ctx, bytes.NewReader(b))
}

// WriteString replaces the file's content with s.
func (f *File) WriteString(ctx context.Context, s string) error {
	return f.WriteFrom(ctx, strings.NewReader(s))
}

// WriteFrom replaces the file's content with everything read from r.
func (f *File) WriteFrom(ctx context.Context, r io.Reader) error {
	w, err := f.Writer(ctx, WriteTruncate)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Abort()
		return wrapPath("write", f.path, err)
	}
	return w.Close()
}

// ReadAll returns the file's uncompressed content.
func (f *File) ReadAll(ctx context.Context) ([]byte, error) {
	r, err := f.Reader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapPath("read", f.path, err)
	}
	return b, nil
}
