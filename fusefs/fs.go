package fusefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/dendrascience/sqlarfs/util"
)

// Options configures a mounted archive.
type Options struct {
	// Root is the archive directory exposed as the mount root. Empty means
	// the archive root.
	Root string
	// ReadOnly refuses every modifying request with EROFS. It is implied
	// when the archive itself was opened read-only.
	ReadOnly bool
	// AllowOther lets users other than the one mounting access the mount.
	AllowOther bool
	// Umask is removed from the mode of every created entry, on top of the
	// umask of the creating process.
	Umask sqlar.FileMode
	// Logger receives request failures. Nil logs text to stderr.
	Logger *slog.Logger
	// Signals, when set, unmount the filesystem on receipt.
	Signals []os.Signal
}

// FS serves one archive over FUSE. Requests are handled one at a time and
// each runs in its own archive transaction.
type FS struct {
	conn   *sqlar.Conn
	opts   Options
	logger *slog.Logger
	uid    uint32
	gid    uint32

	mu      sync.Mutex
	inodes  *inodeTable
	nodes   map[uint64]fs.Node
	hids    *util.IDTable
	handles map[uint64]*handle
	// content written through open handles, per inode, until committed
	pending map[uint64]*pending
	closed  bool
}

var (
	_ fs.FS          = (*FS)(nil)
	_ fs.FSStatfser  = (*FS)(nil)
	_ fs.FSDestroyer = (*FS)(nil)
)

// New prepares conn for serving. The root directory must exist.
func New(ctx context.Context, conn *sqlar.Conn, opts Options) (*FS, error) {
	root, err := sqlar.NormalizeDir(opts.Root)
	if err != nil {
		return nil, err
	}
	err = conn.Exec(ctx, func(ar *sqlar.Archive) error {
		md, err := ar.Stat(ctx, root)
		if err != nil {
			return err
		}
		if !md.IsDir() {
			return fmt.Errorf("%w: mount root %s", sqlar.ErrNotADirectory, root)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	opts.Root = root
	opts.ReadOnly = opts.ReadOnly || conn.ReadOnly()
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &FS{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
		inodes:  newInodeTable(root),
		nodes:   make(map[uint64]fs.Node),
		hids:    util.NewIDTable(0),
		handles: make(map[uint64]*handle),
		pending: make(map[uint64]*pending),
	}, nil
}

// Root implements fs.FS.
func (f *FS) Root() (fs.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.node(rootInode, sqlar.TypeDir), nil
}

// Statfs implements fs.FSStatfser. An archive has no fixed capacity, so
// only the block and name sizes are meaningful.
func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	resp.Bsize = blockSize
	resp.Frsize = blockSize
	resp.Namelen = sqlar.MaxNameLen
	return nil
}

// Destroy implements fs.FSDestroyer.
func (f *FS) Destroy() {
	if err := f.Close(context.Background()); err != nil {
		f.logger.Warn("closing filesystem", "error", err)
	}
}

// Close commits the content of every open handle and drops them all.
// Requests that arrive afterwards fail with EIO.
func (f *FS) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}

	var errs []error
	for _, h := range f.handles {
		if err := f.release(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	f.closed = true
	return errors.Join(errs...)
}

// exec runs fn in a transaction. Callers hold f.mu.
func (f *FS) exec(ctx context.Context, fn func(ar *sqlar.Archive) error) error {
	if f.closed {
		return fmt.Errorf("%w: filesystem closed", sqlar.ErrTxDone)
	}
	return f.conn.Exec(ctx, fn)
}

func (f *FS) writable() error {
	if f.opts.ReadOnly {
		return sqlar.ErrReadOnly
	}
	return nil
}

// path resolves ino, failing with ENOENT for removed entries.
func (f *FS) path(ino uint64) (string, error) {
	p, ok := f.inodes.path(ino)
	if !ok {
		return "", fmt.Errorf("%w: stale inode %d", sqlar.ErrNotFound, ino)
	}
	return p, nil
}

// node returns the cached node for ino, replacing it when the kind of
// entry behind the inode has changed.
func (f *FS) node(ino uint64, kind sqlar.FileType) fs.Node {
	if n, ok := f.nodes[ino]; ok && nodeKind(n) == kind {
		return n
	}
	base := node{fsys: f, ino: ino}
	var n fs.Node
	switch kind {
	case sqlar.TypeDir:
		n = &Dir{base}
	case sqlar.TypeSymlink:
		n = &Symlink{base}
	default:
		n = &File{base}
	}
	f.nodes[ino] = n
	return n
}

func nodeKind(n fs.Node) sqlar.FileType {
	switch n.(type) {
	case *Dir:
		return sqlar.TypeDir
	case *Symlink:
		return sqlar.TypeSymlink
	default:
		return sqlar.TypeFile
	}
}

func (f *FS) forget(ino uint64) {
	if ino == rootInode {
		return
	}
	delete(f.nodes, ino)
	f.inodes.forget(ino)
}

const blockSize = 512

// fillAttr converts entry metadata to kernel attributes. Content pending in
// an open writable handle overrides the stored size.
func (f *FS) fillAttr(ino uint64, md *sqlar.Metadata, a *fuse.Attr) {
	size := uint64(md.Size)
	if pw := f.pending[ino]; pw != nil {
		size = uint64(pw.spool.Size())
	}
	a.Inode = ino
	a.Mode = md.FileMode()
	a.Size = size
	a.Blocks = (size + blockSize - 1) / blockSize
	a.BlockSize = blockSize
	a.Nlink = 1
	a.Mtime = md.Mtime
	a.Ctime = md.Mtime
	a.Atime = md.Mtime
	a.Uid = f.uid
	a.Gid = f.gid
}

// Mount serves conn at mountpoint until the filesystem is unmounted, ctx is
// cancelled or one of opts.Signals arrives. Open handles are committed
// before it returns.
func Mount(ctx context.Context, conn *sqlar.Conn, mountpoint string, opts Options) error {
	fsys, err := New(ctx, conn, opts)
	if err != nil {
		return err
	}

	mopts := []fuse.MountOption{
		fuse.FSName("sqlar"),
		fuse.Subtype("sqlarfs"),
		fuse.DefaultPermissions(),
	}
	if fsys.opts.ReadOnly {
		mopts = append(mopts, fuse.ReadOnly())
	}
	if opts.AllowOther {
		mopts = append(mopts, fuse.AllowOther())
	}

	c, err := fuse.Mount(mountpoint, mopts...)
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountpoint, err)
	}
	defer c.Close()

	if len(opts.Signals) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, opts.Signals...)
		defer stop()
	}
	stopUnmount := context.AfterFunc(ctx, func() {
		fsys.logger.Info("unmounting", "mountpoint", mountpoint)
		if err := fuse.Unmount(mountpoint); err != nil {
			fsys.logger.Warn("unmount failed", "mountpoint", mountpoint, "error", err)
		}
	})
	defer stopUnmount()

	fsys.logger.Info("mounted", "mountpoint", mountpoint, "root", "/"+fsys.opts.Root, "read_only", fsys.opts.ReadOnly)
	serveErr := fs.Serve(c, fsys)
	closeErr := fsys.Close(context.WithoutCancel(ctx))
	if serveErr != nil {
		serveErr = fmt.Errorf("serve %s: %w", mountpoint, serveErr)
	}
	return errors.Join(serveErr, closeErr)
}
