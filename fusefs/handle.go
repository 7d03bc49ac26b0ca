package fusefs

import (
	"context"
	"errors"
	"io"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/dendrascience/sqlarfs/util"
)

// pending is the working copy of a file shared by all writable handles on
// it. It reaches the archive on flush, fsync and the last release.
type pending struct {
	spool *util.Spool
	refs  int
	dirty bool
}

// handle is one open file. Read-only handles on uncompressed content read
// the archive directly at each request; compressed content is decompressed
// once into spool when the handle is opened.
type handle struct {
	fsys   *FS
	id     uint64
	ino    uint64
	write  bool
	append bool
	spool  *util.Spool
}

var (
	_ fs.HandleReader   = (*handle)(nil)
	_ fs.HandleWriter   = (*handle)(nil)
	_ fs.HandleFlusher  = (*handle)(nil)
	_ fs.HandleReleaser = (*handle)(nil)
)

// open creates a handle on ino. Callers hold f.mu.
func (f *FS) open(ctx context.Context, ino uint64, flags fuse.OpenFlags) (*handle, error) {
	p, err := f.path(ino)
	if err != nil {
		return nil, err
	}
	h := &handle{
		fsys:   f,
		ino:    ino,
		write:  !flags.IsReadOnly(),
		append: flags&fuse.OpenAppend != 0,
	}
	truncate := flags&fuse.OpenTruncate != 0

	if h.write {
		if err := f.writable(); err != nil {
			return nil, err
		}
		pw := f.pending[ino]
		if pw == nil {
			pw = &pending{spool: util.NewSpool(0)}
			if !truncate {
				if err := f.load(ctx, p, pw.spool, false); err != nil {
					pw.spool.Close()
					return nil, err
				}
			}
			f.pending[ino] = pw
		}
		if truncate {
			if err := pw.spool.Truncate(0); err != nil {
				return nil, err
			}
			pw.dirty = true
		}
		pw.refs++
	} else if f.pending[ino] == nil {
		spool := util.NewSpool(0)
		if err := f.load(ctx, p, spool, true); err != nil {
			spool.Close()
			return nil, err
		}
		if spool.Size() > 0 {
			h.spool = spool
		} else {
			spool.Close()
		}
	}

	h.id = f.hids.Next()
	f.handles[h.id] = h
	return h, nil
}

// load copies the content of p into spool. With onlyCompressed it only
// checks that p is a readable file unless its content is compressed.
func (f *FS) load(ctx context.Context, p string, spool *util.Spool, onlyCompressed bool) error {
	return f.exec(ctx, func(ar *sqlar.Archive) error {
		file, err := ar.Open(p)
		if err != nil {
			return err
		}
		r, err := file.Reader(ctx)
		if err != nil {
			return err
		}
		defer r.Close()
		if onlyCompressed {
			compressed, err := file.IsCompressed(ctx)
			if err != nil || !compressed {
				return err
			}
		}
		_, err = io.Copy(spool, r)
		return err
	})
}

// readAt serves a positioned read straight from the archive.
func (f *FS) readAt(ctx context.Context, ino uint64, buf []byte, off int64) (int, error) {
	p, err := f.path(ino)
	if err != nil {
		return 0, err
	}
	var n int
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		file, err := ar.Open(p)
		if err != nil {
			return err
		}
		r, err := file.Reader(ctx)
		if err != nil {
			return err
		}
		defer r.Close()
		if _, err := r.Seek(off, io.SeekStart); err != nil {
			return err
		}
		n, err = io.ReadFull(r, buf)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil
		}
		return err
	})
	return n, err
}

// commit stores the pending content of ino, if it changed.
func (f *FS) commit(ctx context.Context, ino uint64) error {
	pw := f.pending[ino]
	if pw == nil || !pw.dirty {
		return nil
	}
	p, ok := f.inodes.path(ino)
	if !ok {
		// The entry was removed or replaced while open; its content goes
		// nowhere.
		pw.dirty = false
		return nil
	}
	err := f.exec(ctx, func(ar *sqlar.Archive) error {
		file, err := ar.Open(p)
		if err != nil {
			return err
		}
		return file.WriteFrom(ctx, pw.spool.Reader())
	})
	if err != nil {
		return err
	}
	pw.dirty = false
	f.dropSnapshots(ino)
	return nil
}

// dropSnapshots discards the decompressed copies held by read-only handles
// on ino after its stored content changed. Those handles then read the
// archive directly.
func (f *FS) dropSnapshots(ino uint64) {
	for _, h := range f.handles {
		if h.ino == ino && h.spool != nil {
			h.spool.Close()
			h.spool = nil
		}
	}
}

// release drops h, committing the pending content when h was the last
// writable handle on its inode.
func (f *FS) release(ctx context.Context, h *handle) error {
	delete(f.handles, h.id)
	f.hids.Release(h.id)
	if h.spool != nil {
		h.spool.Close()
		h.spool = nil
	}
	if !h.write {
		return nil
	}
	pw := f.pending[h.ino]
	if pw == nil {
		return nil
	}
	if pw.refs--; pw.refs > 0 {
		return nil
	}
	err := f.commit(ctx, h.ino)
	pw.spool.Close()
	delete(f.pending, h.ino)
	return err
}

func (h *handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	f := h.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := make([]byte, req.Size)
	var (
		n   int
		err error
	)
	switch pw := f.pending[h.ino]; {
	case pw != nil:
		n, err = pw.spool.ReadAt(buf, req.Offset)
	case h.spool != nil:
		n, err = h.spool.ReadAt(buf, req.Offset)
	default:
		n, err = f.readAt(ctx, h.ino, buf, req.Offset)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		p, _ := f.inodes.path(h.ino)
		return f.fail("read", p, err)
	}
	resp.Data = buf[:n]
	return nil
}

func (h *handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	f := h.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	pw := f.pending[h.ino]
	if !h.write || pw == nil {
		return fuse.Errno(syscall.EBADF)
	}
	off := req.Offset
	if h.append {
		off = pw.spool.Size()
	}
	n, err := pw.spool.WriteAt(req.Data, off)
	if n > 0 {
		pw.dirty = true
	}
	resp.Size = n
	if err != nil {
		p, _ := f.inodes.path(h.ino)
		return f.fail("write", p, err)
	}
	return nil
}

func (h *handle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	f := h.fsys
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.commit(ctx, h.ino); err != nil {
		p, _ := f.inodes.path(h.ino)
		return f.fail("flush", p, err)
	}
	return nil
}

func (h *handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	f := h.fsys
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.handles[h.id]; !ok || cur != h {
		return nil
	}
	if err := f.release(ctx, h); err != nil {
		p, _ := f.inodes.path(h.ino)
		return f.fail("release", p, err)
	}
	return nil
}
