package fusefs

import (
	"context"
	"os"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/dendrascience/sqlarfs/sqlar"
)

// node holds what every kind of node shares: the filesystem and the inode.
// The path is looked up through the inode table at each request so renames
// are picked up by nodes the kernel already holds.
type node struct {
	fsys *FS
	ino  uint64
}

// Dir is a directory node. It doubles as its own handle.
type Dir struct{ node }

// File is a regular file node.
type File struct{ node }

// Symlink is a symbolic link node.
type Symlink struct{ node }

var (
	_ fs.Node               = (*Dir)(nil)
	_ fs.NodeStringLookuper = (*Dir)(nil)
	_ fs.HandleReadDirAller = (*Dir)(nil)
	_ fs.NodeCreater        = (*Dir)(nil)
	_ fs.NodeMkdirer        = (*Dir)(nil)
	_ fs.NodeRemover        = (*Dir)(nil)
	_ fs.NodeRenamer        = (*Dir)(nil)
	_ fs.NodeSymlinker      = (*Dir)(nil)
	_ fs.NodeSetattrer      = (*Dir)(nil)
	_ fs.NodeForgetter      = (*Dir)(nil)

	_ fs.Node          = (*File)(nil)
	_ fs.NodeOpener    = (*File)(nil)
	_ fs.NodeFsyncer   = (*File)(nil)
	_ fs.NodeSetattrer = (*File)(nil)
	_ fs.NodeForgetter = (*File)(nil)

	_ fs.Node           = (*Symlink)(nil)
	_ fs.NodeReadlinker = (*Symlink)(nil)
	_ fs.NodeForgetter  = (*Symlink)(nil)
)

func (n *node) Attr(ctx context.Context, a *fuse.Attr) error {
	f := n.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.path(n.ino)
	if err != nil {
		return f.fail("getattr", "", err)
	}
	var md *sqlar.Metadata
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		md, err = ar.Stat(ctx, p)
		return err
	})
	if err != nil {
		return f.fail("getattr", p, err)
	}
	f.fillAttr(n.ino, md, a)
	return nil
}

// Setattr applies size, mode and mtime changes in one transaction. The
// mount root is the implicit archive root when Options.Root is empty, which
// has no row to update, so only its attributes are reported.
func (n *node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	f := n.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.path(n.ino)
	if err != nil {
		return f.fail("setattr", "", err)
	}
	if err := f.writable(); err != nil {
		return f.fail("setattr", p, err)
	}

	pw := f.pending[n.ino]
	if req.Valid.Size() && pw != nil {
		if err := pw.spool.Truncate(int64(req.Size)); err != nil {
			return f.fail("setattr", p, err)
		}
		pw.dirty = true
	}

	var md *sqlar.Metadata
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		if p != "" {
			file, err := ar.Open(p)
			if err != nil {
				return err
			}
			if req.Valid.Size() && pw == nil {
				if err := truncate(ctx, file, int64(req.Size)); err != nil {
					return err
				}
			}
			if req.Valid.Mode() {
				if err := file.SetMode(ctx, sqlar.ModeFromFS(req.Mode)); err != nil {
					return err
				}
			}
			if req.Valid.Mtime() {
				if err := file.SetMtime(ctx, req.Mtime); err != nil {
					return err
				}
			}
		}
		md, err = ar.Stat(ctx, p)
		return err
	})
	if err != nil {
		return f.fail("setattr", p, err)
	}
	if req.Valid.Size() && pw == nil {
		f.dropSnapshots(n.ino)
	}
	f.fillAttr(n.ino, md, &resp.Attr)
	return nil
}

// truncate resizes stored content that no handle has open.
func truncate(ctx context.Context, file *sqlar.File, size int64) error {
	mode := sqlar.WriteAppend
	if size == 0 {
		mode = sqlar.WriteTruncate
	}
	w, err := file.Writer(ctx, mode)
	if err != nil {
		return err
	}
	if err := w.Truncate(size); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

func (n *node) Forget() {
	f := n.fsys
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forget(n.ino)
}

// child resolves name inside d.
func (d *Dir) child(name string) (string, error) {
	dir, err := d.fsys.path(d.ino)
	if err != nil {
		return "", err
	}
	return sqlar.Join(dir, name), nil
}

func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	f := d.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := d.child(name)
	if err != nil {
		return nil, f.fail("lookup", name, err)
	}
	var md *sqlar.Metadata
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		file, err := ar.Open(p)
		if err != nil {
			return err
		}
		md, err = file.Metadata(ctx)
		return err
	})
	if err != nil {
		return nil, f.fail("lookup", p, err)
	}
	return f.node(f.inodes.ino(p), md.Type), nil
}

func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	f := d.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, err := f.path(d.ino)
	if err != nil {
		return nil, f.fail("readdir", "", err)
	}
	var entries []*sqlar.Entry
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		entries, err = ar.ReadDir(ctx, dir)
		return err
	})
	if err != nil {
		return nil, f.fail("readdir", dir, err)
	}

	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		dirents = append(dirents, fuse.Dirent{
			Inode: f.inodes.ino(e.Path),
			Name:  sqlar.Base(e.Path),
			Type:  direntType(e.Type),
		})
	}
	return dirents, nil
}

func direntType(t sqlar.FileType) fuse.DirentType {
	switch t {
	case sqlar.TypeDir:
		return fuse.DT_Dir
	case sqlar.TypeSymlink:
		return fuse.DT_Link
	default:
		return fuse.DT_File
	}
}

// perm is the mode stored for a new entry.
func (f *FS) perm(mode, umask os.FileMode) sqlar.FileMode {
	return sqlar.ModeFromFS(mode) &^ sqlar.ModeFromFS(umask) &^ f.opts.Umask
}

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	f := d.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := d.child(req.Name)
	if err != nil {
		return nil, nil, f.fail("create", req.Name, err)
	}
	if err := f.writable(); err != nil {
		return nil, nil, f.fail("create", p, err)
	}
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		file, err := ar.Open(p)
		if err != nil {
			return err
		}
		if err := file.CreateFile(ctx); err != nil {
			return err
		}
		return file.SetMode(ctx, f.perm(req.Mode, req.Umask))
	})
	if err != nil {
		return nil, nil, f.fail("create", p, err)
	}

	ino := f.inodes.ino(p)
	h, err := f.open(ctx, ino, req.Flags&^fuse.OpenTruncate)
	if err != nil {
		return nil, nil, f.fail("create", p, err)
	}
	return f.node(ino, sqlar.TypeFile), h, nil
}

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	f := d.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := d.child(req.Name)
	if err != nil {
		return nil, f.fail("mkdir", req.Name, err)
	}
	if err := f.writable(); err != nil {
		return nil, f.fail("mkdir", p, err)
	}
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		file, err := ar.Open(p)
		if err != nil {
			return err
		}
		if err := file.CreateDir(ctx); err != nil {
			return err
		}
		return file.SetMode(ctx, f.perm(req.Mode, req.Umask))
	})
	if err != nil {
		return nil, f.fail("mkdir", p, err)
	}
	return f.node(f.inodes.ino(p), sqlar.TypeDir), nil
}

// Remove serves both unlink and rmdir. Directories are only removed when
// empty.
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	f := d.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	op := "unlink"
	if req.Dir {
		op = "rmdir"
	}
	p, err := d.child(req.Name)
	if err != nil {
		return f.fail(op, req.Name, err)
	}
	if err := f.writable(); err != nil {
		return f.fail(op, p, err)
	}
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		file, err := ar.Open(p)
		if err != nil {
			return err
		}
		md, err := file.Metadata(ctx)
		if err != nil {
			return err
		}
		switch {
		case req.Dir && !md.IsDir():
			return sqlar.ErrNotADirectory
		case !req.Dir && md.IsDir():
			return sqlar.ErrIsDirectory
		}
		return file.Remove(ctx)
	})
	if err != nil {
		return f.fail(op, p, err)
	}
	f.detach(p)
	return nil
}

func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	f := d.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	target, ok := newDir.(*Dir)
	if !ok {
		return fuse.Errno(syscall.ENOTDIR)
	}
	oldPath, err := d.child(req.OldName)
	if err != nil {
		return f.fail("rename", req.OldName, err)
	}
	newPath, err := target.child(req.NewName)
	if err != nil {
		return f.fail("rename", req.NewName, err)
	}
	if err := f.writable(); err != nil {
		return f.fail("rename", oldPath, err)
	}
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		file, err := ar.Open(oldPath)
		if err != nil {
			return err
		}
		return file.Rename(ctx, newPath)
	})
	if err != nil {
		return f.fail("rename", oldPath, err)
	}
	if oldPath != newPath {
		f.detach(newPath)
		f.inodes.rename(oldPath, newPath)
	}
	return nil
}

func (d *Dir) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	f := d.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := d.child(req.NewName)
	if err != nil {
		return nil, f.fail("symlink", req.NewName, err)
	}
	if err := f.writable(); err != nil {
		return nil, f.fail("symlink", p, err)
	}
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		file, err := ar.Open(p)
		if err != nil {
			return err
		}
		return file.CreateSymlink(ctx, req.Target)
	})
	if err != nil {
		return nil, f.fail("symlink", p, err)
	}
	return f.node(f.inodes.ino(p), sqlar.TypeSymlink), nil
}

// detach forgets the path of a removed or replaced entry and everything
// below it. Content pending for them is dropped, not committed.
func (f *FS) detach(path string) {
	for _, p := range f.inodes.subtree(path) {
		if ino, ok := f.inodes.paths.Get(p); ok {
			if pw := f.pending[ino]; pw != nil {
				pw.dirty = false
			}
		}
	}
	f.inodes.unlink(path)
}

func (fl *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	f := fl.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	h, err := f.open(ctx, fl.ino, req.Flags)
	if err != nil {
		p, _ := f.inodes.path(fl.ino)
		return nil, f.fail("open", p, err)
	}
	return h, nil
}

func (fl *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	f := fl.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.commit(ctx, fl.ino); err != nil {
		p, _ := f.inodes.path(fl.ino)
		return f.fail("fsync", p, err)
	}
	return nil
}

func (s *Symlink) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	f := s.fsys
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.path(s.ino)
	if err != nil {
		return "", f.fail("readlink", "", err)
	}
	var target string
	err = f.exec(ctx, func(ar *sqlar.Archive) error {
		file, err := ar.Open(p)
		if err != nil {
			return err
		}
		md, err := file.Metadata(ctx)
		if err != nil {
			return err
		}
		if !md.IsSymlink() {
			return sqlar.ErrInvalidArgs
		}
		target = md.Target
		return nil
	})
	if err != nil {
		return "", f.fail("readlink", p, err)
	}
	return target, nil
}
