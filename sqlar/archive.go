package sqlar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Archive is the tree view of an archive inside one transaction. It is only
// valid until the transaction that produced it ends.
type Archive struct {
	tx          *Tx
	store       *store
	umask       FileMode
	compression Compression
	readOnly    bool
	logger      *slog.Logger
}

// Open returns a handle for the entry at path. The entry need not exist.
func (a *Archive) Open(path string) (*File, error) {
	p, err := Normalize(path)
	if err != nil {
		return nil, wrapPath("open", path, err)
	}
	return &File{ar: a, path: p, compression: a.compression}, nil
}

// Stat returns the metadata of path. Unlike Open, the root ("", "." or "/")
// is accepted and reported as a directory.
func (a *Archive) Stat(ctx context.Context, path string) (*Metadata, error) {
	p, err := NormalizeDir(path)
	if err != nil {
		return nil, wrapPath("stat", path, err)
	}
	if p == "" {
		return &Metadata{Type: TypeDir, Mode: 0o777 &^ a.umask}, nil
	}
	r, err := a.store.get(ctx, p)
	if err != nil {
		return nil, wrapPath("stat", p, err)
	}
	return r.metadata(), nil
}

// Umask returns the umask applied to entries created through this view.
func (a *Archive) Umask() FileMode {
	return a.umask
}

// SetUmask changes the umask for the rest of this transaction.
func (a *Archive) SetUmask(umask FileMode) {
	a.umask = umask & 0o777
}

// Compression returns the default codec for files opened through this view.
func (a *Archive) Compression() Compression {
	return a.compression
}

// SetCompression changes the default codec for files opened afterwards.
func (a *Archive) SetCompression(c Compression) error {
	if !Available(c) {
		return fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
	}
	a.compression = c
	return nil
}

func (a *Archive) writable() error {
	if a.readOnly {
		return ErrReadOnly
	}
	return nil
}

// checkParent verifies that the parent of p exists and is a directory.
func (a *Archive) checkParent(ctx context.Context, p string) error {
	return a.checkDir(ctx, Parent(p))
}

// checkDir verifies that dir exists and is a directory.
func (a *Archive) checkDir(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	r, err := a.store.get(ctx, dir)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	if err != nil {
		return err
	}
	if r.kind() != TypeDir {
		return fmt.Errorf("%w: %s", ErrNotADirectory, dir)
	}
	return nil
}

// insertEntry adds a row for p after checking its parent. A zero mtime is
// stored as the current time.
func (a *Archive) insertEntry(ctx context.Context, p string, kind FileType, perm FileMode, mtime time.Time, target string) error {
	if err := a.checkParent(ctx, p); err != nil {
		return err
	}
	if mtime.IsZero() {
		mtime = time.Now()
	}
	mode := typeBits(kind) | int64(perm&modePermMask)
	if err := a.store.insert(ctx, p, kind, mode, unixTime(mtime), target); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (a *Archive) defaultPerm(kind FileType) FileMode {
	switch kind {
	case TypeDir:
		return 0o777 &^ a.umask
	case TypeSymlink:
		return 0o777
	default:
		return 0o666 &^ a.umask
	}
}
