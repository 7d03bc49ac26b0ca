package fusefs

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) *sqlar.Conn {
	t.Helper()
	conn, err := sqlar.OpenMemory(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestFS(t *testing.T, conn *sqlar.Conn, opts Options) (*FS, *Dir) {
	t.Helper()
	opts.Logger = slog.New(slog.DiscardHandler)
	fsys, err := New(t.Context(), conn, opts)
	require.NoError(t, err)
	t.Cleanup(func() { fsys.Close(context.Background()) })

	root, err := fsys.Root()
	require.NoError(t, err)
	return fsys, root.(*Dir)
}

// seed runs fn against the archive outside of the filesystem.
func seed(t *testing.T, conn *sqlar.Conn, fn func(ctx context.Context, ar *sqlar.Archive) error) {
	t.Helper()
	require.NoError(t, conn.Exec(t.Context(), func(ar *sqlar.Archive) error {
		return fn(t.Context(), ar)
	}))
}

func seedFile(t *testing.T, conn *sqlar.Conn, path, content string) {
	t.Helper()
	seed(t, conn, func(ctx context.Context, ar *sqlar.Archive) error {
		f, err := ar.Open(path)
		if err != nil {
			return err
		}
		if err := f.CreateFile(ctx); err != nil {
			return err
		}
		return f.WriteString(ctx, content)
	})
}

func seedDir(t *testing.T, conn *sqlar.Conn, path string) {
	t.Helper()
	seed(t, conn, func(ctx context.Context, ar *sqlar.Archive) error {
		f, err := ar.Open(path)
		if err != nil {
			return err
		}
		return f.CreateDirAll(ctx)
	})
}

func content(t *testing.T, conn *sqlar.Conn, path string) string {
	t.Helper()
	var b []byte
	seed(t, conn, func(ctx context.Context, ar *sqlar.Archive) error {
		f, err := ar.Open(path)
		if err != nil {
			return err
		}
		b, err = f.ReadAll(ctx)
		return err
	})
	return string(b)
}

func stat(t *testing.T, conn *sqlar.Conn, path string) (*sqlar.Metadata, error) {
	t.Helper()
	var md *sqlar.Metadata
	err := conn.Exec(t.Context(), func(ar *sqlar.Archive) error {
		var err error
		md, err = ar.Stat(t.Context(), path)
		return err
	})
	return md, err
}

func attr(t *testing.T, n fs.Node) fuse.Attr {
	t.Helper()
	var a fuse.Attr
	require.NoError(t, n.Attr(t.Context(), &a))
	return a
}

func read(t *testing.T, h fs.Handle, off int64, size int) string {
	t.Helper()
	var resp fuse.ReadResponse
	err := h.(fs.HandleReader).Read(t.Context(), &fuse.ReadRequest{Offset: off, Size: size}, &resp)
	require.NoError(t, err)
	return string(resp.Data)
}

func write(t *testing.T, h fs.Handle, off int64, data string) {
	t.Helper()
	var resp fuse.WriteResponse
	err := h.(fs.HandleWriter).Write(t.Context(), &fuse.WriteRequest{Offset: off, Data: []byte(data)}, &resp)
	require.NoError(t, err)
	require.Equal(t, len(data), resp.Size)
}

func release(t *testing.T, h fs.Handle) {
	t.Helper()
	require.NoError(t, h.(fs.HandleReleaser).Release(t.Context(), &fuse.ReleaseRequest{}))
}

func lookup(t *testing.T, d *Dir, name string) fs.Node {
	t.Helper()
	n, err := d.Lookup(t.Context(), name)
	require.NoError(t, err)
	return n
}

func openFile(t *testing.T, n fs.Node, flags fuse.OpenFlags) fs.Handle {
	t.Helper()
	h, err := n.(*File).Open(t.Context(), &fuse.OpenRequest{Flags: flags}, &fuse.OpenResponse{})
	require.NoError(t, err)
	return h
}

func TestNewRoot(t *testing.T) {
	conn := newTestConn(t)
	seedDir(t, conn, "sub/inner")
	seedFile(t, conn, "sub/inner/f.txt", "data")
	seedFile(t, conn, "plain", "x")

	_, root := newTestFS(t, conn, Options{Root: "sub/"})
	a := attr(t, root)
	assert.Equal(t, uint64(rootInode), a.Inode)
	assert.True(t, a.Mode.IsDir())

	inner := lookup(t, root, "inner").(*Dir)
	f := lookup(t, inner, "f.txt")
	assert.Equal(t, uint64(4), attr(t, f).Size)

	_, err := New(t.Context(), conn, Options{Root: "plain"})
	assert.ErrorIs(t, err, sqlar.ErrNotADirectory)
	_, err = New(t.Context(), conn, Options{Root: "missing"})
	assert.ErrorIs(t, err, sqlar.ErrNotFound)
	_, err = New(t.Context(), conn, Options{Root: "../up"})
	assert.ErrorIs(t, err, sqlar.ErrInvalidPath)
}

func TestLookupAndReadDir(t *testing.T) {
	conn := newTestConn(t)
	seedDir(t, conn, "docs")
	seedFile(t, conn, "docs/a.txt", "alpha")
	seedFile(t, conn, "b.txt", "bravo")
	seed(t, conn, func(ctx context.Context, ar *sqlar.Archive) error {
		f, err := ar.Open("link")
		if err != nil {
			return err
		}
		return f.CreateSymlink(ctx, "b.txt")
	})
	_, root := newTestFS(t, conn, Options{})

	docs := lookup(t, root, "docs")
	require.IsType(t, &Dir{}, docs)
	require.IsType(t, &File{}, lookup(t, root, "b.txt"))
	require.IsType(t, &Symlink{}, lookup(t, root, "link"))
	assert.Same(t, docs, lookup(t, root, "docs"), "nodes are cached per inode")

	_, err := root.Lookup(t.Context(), "nope")
	assert.Equal(t, fuse.Errno(syscall.ENOENT), err)

	dirents, err := root.ReadDirAll(t.Context())
	require.NoError(t, err)
	require.Len(t, dirents, 3)
	byName := map[string]fuse.Dirent{}
	for _, d := range dirents {
		byName[d.Name] = d
	}
	assert.Equal(t, fuse.DT_Dir, byName["docs"].Type)
	assert.Equal(t, fuse.DT_File, byName["b.txt"].Type)
	assert.Equal(t, fuse.DT_Link, byName["link"].Type)
	assert.Equal(t, attr(t, docs).Inode, byName["docs"].Inode)

	fa := attr(t, lookup(t, docs.(*Dir), "a.txt"))
	assert.Equal(t, uint64(5), fa.Size)
	assert.Equal(t, uint64(1), fa.Blocks)
	assert.Equal(t, uint32(blockSize), fa.BlockSize)
	assert.Equal(t, uint32(1), fa.Nlink)
}

func TestCreateWriteRead(t *testing.T) {
	conn := newTestConn(t)
	fsys, root := newTestFS(t, conn, Options{Umask: 0o020})

	n, h, err := root.Create(t.Context(), &fuse.CreateRequest{
		Name:  "hello.txt",
		Flags: fuse.OpenReadWrite,
		Mode:  0o666,
		Umask: 0o002,
	}, &fuse.CreateResponse{})
	require.NoError(t, err)

	write(t, h, 0, "hello, ")
	write(t, h, 7, "world")
	assert.Equal(t, uint64(12), attr(t, n).Size, "size follows unflushed writes")
	assert.Equal(t, "world", read(t, h, 7, 64))

	// A second reader sees the pending content.
	r := openFile(t, n, fuse.OpenReadOnly)
	assert.Equal(t, "hello, world", read(t, r, 0, 64))
	release(t, r)

	assert.Equal(t, "", content(t, conn, "hello.txt"), "nothing stored before flush")
	require.NoError(t, h.(fs.HandleFlusher).Flush(t.Context(), &fuse.FlushRequest{}))
	assert.Equal(t, "hello, world", content(t, conn, "hello.txt"))

	release(t, h)
	assert.Empty(t, fsys.pending)
	assert.Empty(t, fsys.handles)

	md, err := stat(t, conn, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, sqlar.FileMode(0o644), md.Mode&0o777)

	_, _, err = root.Create(t.Context(), &fuse.CreateRequest{Name: "hello.txt", Flags: fuse.OpenReadWrite, Mode: 0o644}, &fuse.CreateResponse{})
	assert.Equal(t, fuse.Errno(syscall.EEXIST), err)
}

func TestOpenModes(t *testing.T) {
	conn := newTestConn(t)
	seedFile(t, conn, "f", "0123456789")
	_, root := newTestFS(t, conn, Options{})
	n := lookup(t, root, "f")

	h := openFile(t, n, fuse.OpenWriteOnly|fuse.OpenAppend)
	write(t, h, 0, "ab")
	release(t, h)
	assert.Equal(t, "0123456789ab", content(t, conn, "f"))

	h = openFile(t, n, fuse.OpenWriteOnly|fuse.OpenTruncate)
	write(t, h, 2, "x")
	release(t, h)
	assert.Equal(t, "\x00\x00x", content(t, conn, "f"))

	h = openFile(t, n, fuse.OpenReadWrite)
	write(t, h, 1, "Y")
	release(t, h)
	assert.Equal(t, "\x00Yx", content(t, conn, "f"))

	r := openFile(t, n, fuse.OpenReadOnly)
	var resp fuse.WriteResponse
	err := r.(fs.HandleWriter).Write(t.Context(), &fuse.WriteRequest{Data: []byte("no")}, &resp)
	assert.Equal(t, fuse.Errno(syscall.EBADF), err)
	release(t, r)
}

func TestReadCompressed(t *testing.T) {
	conn := newTestConn(t)
	text := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 4096)
	seedFile(t, conn, "big.txt", text)
	seed(t, conn, func(ctx context.Context, ar *sqlar.Archive) error {
		f, err := ar.Open("big.txt")
		if err != nil {
			return err
		}
		compressed, err := f.IsCompressed(ctx)
		if err != nil {
			return err
		}
		assert.True(t, compressed)
		return nil
	})

	require.NoError(t, conn.SetCompression(sqlar.CompressionNone))
	seedFile(t, conn, "raw.txt", text)

	_, root := newTestFS(t, conn, Options{})
	for _, name := range []string{"big.txt", "raw.txt"} {
		t.Run(name, func(t *testing.T) {
			h := openFile(t, lookup(t, root, name), fuse.OpenReadOnly)
			defer release(t, h)
			assert.Equal(t, text[:100], read(t, h, 0, 100))
			assert.Equal(t, text[90000:90100], read(t, h, 90000, 100))
			assert.Equal(t, text[len(text)-10:], read(t, h, int64(len(text)-10), 100))
			assert.Equal(t, "", read(t, h, int64(len(text)+10), 100))
		})
	}
}

func TestMkdirAndRemove(t *testing.T) {
	conn := newTestConn(t)
	_, root := newTestFS(t, conn, Options{})

	n, err := root.Mkdir(t.Context(), &fuse.MkdirRequest{Name: "d", Mode: os.ModeDir | 0o777, Umask: 0o022})
	require.NoError(t, err)
	d := n.(*Dir)
	assert.True(t, attr(t, d).Mode.IsDir())
	md, err := stat(t, conn, "d")
	require.NoError(t, err)
	assert.Equal(t, sqlar.FileMode(0o755), md.Mode&0o777)

	_, h, err := d.Create(t.Context(), &fuse.CreateRequest{Name: "f", Flags: fuse.OpenWriteOnly, Mode: 0o644}, &fuse.CreateResponse{})
	require.NoError(t, err)
	release(t, h)

	err = root.Remove(t.Context(), &fuse.RemoveRequest{Name: "d", Dir: true})
	assert.Equal(t, fuse.Errno(syscall.ENOTEMPTY), err)
	err = root.Remove(t.Context(), &fuse.RemoveRequest{Name: "d", Dir: false})
	assert.Equal(t, fuse.Errno(syscall.EISDIR), err)
	err = d.Remove(t.Context(), &fuse.RemoveRequest{Name: "f", Dir: true})
	assert.Equal(t, fuse.Errno(syscall.ENOTDIR), err)

	require.NoError(t, d.Remove(t.Context(), &fuse.RemoveRequest{Name: "f"}))
	require.NoError(t, root.Remove(t.Context(), &fuse.RemoveRequest{Name: "d", Dir: true}))

	var a fuse.Attr
	assert.Equal(t, fuse.Errno(syscall.ENOENT), d.Attr(t.Context(), &a), "removed inode is stale")
	_, err = stat(t, conn, "d")
	assert.ErrorIs(t, err, sqlar.ErrNotFound)
}

func TestRemoveDiscardsPendingWrites(t *testing.T) {
	conn := newTestConn(t)
	seedFile(t, conn, "f", "old")
	_, root := newTestFS(t, conn, Options{})

	h := openFile(t, lookup(t, root, "f"), fuse.OpenReadWrite)
	write(t, h, 0, "new")
	require.NoError(t, root.Remove(t.Context(), &fuse.RemoveRequest{Name: "f"}))
	release(t, h)

	_, err := stat(t, conn, "f")
	assert.ErrorIs(t, err, sqlar.ErrNotFound)
}

func TestWriteAfterRemoveIsDiscarded(t *testing.T) {
	conn := newTestConn(t)
	seedFile(t, conn, "f", "old")
	seedFile(t, conn, "g", "old")
	fsys, root := newTestFS(t, conn, Options{})

	h := openFile(t, lookup(t, root, "f"), fuse.OpenReadWrite)
	require.NoError(t, root.Remove(t.Context(), &fuse.RemoveRequest{Name: "f"}))
	write(t, h, 0, "new")
	assert.Equal(t, "new", read(t, h, 0, 10), "the open handle still sees its own writes")
	require.NoError(t, h.(fs.HandleFlusher).Flush(t.Context(), &fuse.FlushRequest{}))
	release(t, h)

	// The same, left open until the filesystem closes.
	h = openFile(t, lookup(t, root, "g"), fuse.OpenWriteOnly)
	require.NoError(t, root.Remove(t.Context(), &fuse.RemoveRequest{Name: "g"}))
	write(t, h, 0, "new")
	require.NoError(t, fsys.Close(t.Context()))

	for _, name := range []string{"f", "g"} {
		_, err := stat(t, conn, name)
		assert.ErrorIs(t, err, sqlar.ErrNotFound, name)
	}
}

func TestCommitRefreshesCompressedReaders(t *testing.T) {
	conn := newTestConn(t)
	text := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 4096)
	seedFile(t, conn, "big.txt", text)
	_, root := newTestFS(t, conn, Options{})
	n := lookup(t, root, "big.txt")

	r := openFile(t, n, fuse.OpenReadOnly)
	defer release(t, r)
	require.Equal(t, text[:9], read(t, r, 0, 9))

	w := openFile(t, n, fuse.OpenWriteOnly|fuse.OpenTruncate)
	write(t, w, 0, "fresh")
	release(t, w)
	assert.Equal(t, "fresh", read(t, r, 0, 100))

	// A truncate with no writer open changes the stored content too.
	var sr fuse.SetattrResponse
	require.NoError(t, n.(fs.NodeSetattrer).Setattr(t.Context(), &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 3}, &sr))
	r2 := openFile(t, n, fuse.OpenReadOnly)
	defer release(t, r2)
	assert.Equal(t, "fre", read(t, r, 0, 100))
	assert.Equal(t, "fre", read(t, r2, 0, 100))
}

func TestRenameFollowsOpenHandle(t *testing.T) {
	conn := newTestConn(t)
	seedDir(t, conn, "src")
	seedDir(t, conn, "dst")
	seedFile(t, conn, "src/f", "one")
	_, root := newTestFS(t, conn, Options{})

	src := lookup(t, root, "src").(*Dir)
	dst := lookup(t, root, "dst").(*Dir)
	n := lookup(t, src, "f")
	h := openFile(t, n, fuse.OpenWriteOnly|fuse.OpenAppend)

	require.NoError(t, src.Rename(t.Context(), &fuse.RenameRequest{OldName: "f", NewName: "g"}, dst))
	write(t, h, 0, " two")
	release(t, h)

	assert.Equal(t, "one two", content(t, conn, "dst/g"))
	assert.Same(t, n, lookup(t, dst, "g"), "inode follows the rename")
	_, err := src.Lookup(t.Context(), "f")
	assert.Equal(t, fuse.Errno(syscall.ENOENT), err)
}

func TestRenameDirectory(t *testing.T) {
	conn := newTestConn(t)
	seedDir(t, conn, "a/b")
	seedFile(t, conn, "a/b/c", "c")
	seedDir(t, conn, "full")
	seedFile(t, conn, "full/x", "x")
	_, root := newTestFS(t, conn, Options{})

	a := lookup(t, root, "a").(*Dir)
	b := lookup(t, a, "b").(*Dir)

	err := root.Rename(t.Context(), &fuse.RenameRequest{OldName: "a", NewName: "full"}, root)
	assert.Equal(t, fuse.Errno(syscall.ENOTEMPTY), err)
	err = root.Rename(t.Context(), &fuse.RenameRequest{OldName: "a", NewName: "inside"}, b)
	assert.Equal(t, fuse.Errno(syscall.EINVAL), err)

	require.NoError(t, root.Rename(t.Context(), &fuse.RenameRequest{OldName: "a", NewName: "z"}, root))
	c := lookup(t, b, "c")
	assert.Equal(t, uint64(1), attr(t, c).Size)
	assert.Equal(t, "c", content(t, conn, "z/b/c"))

	err = root.Rename(t.Context(), &fuse.RenameRequest{OldName: "z", NewName: "y"}, lookup(t, b, "c"))
	assert.Equal(t, fuse.Errno(syscall.ENOTDIR), err)
}

func TestSymlink(t *testing.T) {
	conn := newTestConn(t)
	_, root := newTestFS(t, conn, Options{})

	n, err := root.Symlink(t.Context(), &fuse.SymlinkRequest{NewName: "l", Target: "../somewhere/else"})
	require.NoError(t, err)
	target, err := n.(*Symlink).Readlink(t.Context(), &fuse.ReadlinkRequest{})
	require.NoError(t, err)
	assert.Equal(t, "../somewhere/else", target)

	a := attr(t, n)
	assert.Equal(t, uint64(len("../somewhere/else")), a.Size)
	assert.Equal(t, os.ModeSymlink, a.Mode.Type())

	_, err = root.Symlink(t.Context(), &fuse.SymlinkRequest{NewName: "l", Target: "x"})
	assert.Equal(t, fuse.Errno(syscall.EEXIST), err)
}

func TestSetattr(t *testing.T) {
	conn := newTestConn(t)
	seedFile(t, conn, "f", "0123456789")
	_, root := newTestFS(t, conn, Options{})
	n := lookup(t, root, "f").(*File)
	mtime := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)

	var resp fuse.SetattrResponse
	err := n.Setattr(t.Context(), &fuse.SetattrRequest{
		Valid: fuse.SetattrSize | fuse.SetattrMode | fuse.SetattrMtime,
		Size:  4,
		Mode:  0o600,
		Mtime: mtime,
	}, &resp)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), resp.Attr.Size)
	assert.Equal(t, "0123", content(t, conn, "f"))
	md, err := stat(t, conn, "f")
	require.NoError(t, err)
	assert.Equal(t, sqlar.FileMode(0o600), md.Mode&0o777)
	assert.True(t, mtime.Equal(md.Mtime))

	// With a writable handle open the resize applies to the pending content.
	h := openFile(t, n, fuse.OpenReadWrite)
	err = n.Setattr(t.Context(), &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 6}, &resp)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), resp.Attr.Size)
	assert.Equal(t, "0123\x00\x00", read(t, h, 0, 16))
	release(t, h)
	assert.Equal(t, "0123\x00\x00", content(t, conn, "f"))

	err = root.Setattr(t.Context(), &fuse.SetattrRequest{Valid: fuse.SetattrMode, Mode: 0o700}, &resp)
	require.NoError(t, err, "the archive root has no row to update")
	assert.True(t, resp.Attr.Mode.IsDir())
}

func TestReadOnly(t *testing.T) {
	conn := newTestConn(t)
	seedFile(t, conn, "f", "data")
	_, root := newTestFS(t, conn, Options{ReadOnly: true})
	erofs := fuse.Errno(syscall.EROFS)

	_, _, err := root.Create(t.Context(), &fuse.CreateRequest{Name: "g", Flags: fuse.OpenWriteOnly}, &fuse.CreateResponse{})
	assert.Equal(t, erofs, err)
	_, err = root.Mkdir(t.Context(), &fuse.MkdirRequest{Name: "d"})
	assert.Equal(t, erofs, err)
	assert.Equal(t, erofs, root.Remove(t.Context(), &fuse.RemoveRequest{Name: "f"}))
	assert.Equal(t, erofs, root.Rename(t.Context(), &fuse.RenameRequest{OldName: "f", NewName: "g"}, root))

	n := lookup(t, root, "f").(*File)
	_, err = n.Open(t.Context(), &fuse.OpenRequest{Flags: fuse.OpenReadWrite}, &fuse.OpenResponse{})
	assert.Equal(t, erofs, err)
	var resp fuse.SetattrResponse
	assert.Equal(t, erofs, n.Setattr(t.Context(), &fuse.SetattrRequest{Valid: fuse.SetattrSize}, &resp))

	h := openFile(t, n, fuse.OpenReadOnly)
	assert.Equal(t, "data", read(t, h, 0, 10))
	release(t, h)
}

func TestOpenDirectoryAsFile(t *testing.T) {
	conn := newTestConn(t)
	seedDir(t, conn, "d")
	fsys, _ := newTestFS(t, conn, Options{})

	ino := fsys.inodes.ino("d")
	f := &File{node{fsys: fsys, ino: ino}}
	_, err := f.Open(t.Context(), &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
	assert.Equal(t, fuse.Errno(syscall.EISDIR), err)
}

func TestCloseCommitsOpenHandles(t *testing.T) {
	conn := newTestConn(t)
	fsys, root := newTestFS(t, conn, Options{})

	_, h, err := root.Create(t.Context(), &fuse.CreateRequest{Name: "f", Flags: fuse.OpenWriteOnly, Mode: 0o644}, &fuse.CreateResponse{})
	require.NoError(t, err)
	write(t, h, 0, "kept")

	require.NoError(t, fsys.Close(t.Context()))
	assert.Equal(t, "kept", content(t, conn, "f"))
	assert.Empty(t, fsys.handles)

	// The handle is gone; a late release is ignored.
	release(t, h)
	_, err = root.Lookup(t.Context(), "f")
	assert.Equal(t, fuse.Errno(syscall.EIO), err)
}

func TestForget(t *testing.T) {
	conn := newTestConn(t)
	seedFile(t, conn, "f", "x")
	fsys, root := newTestFS(t, conn, Options{})

	n := lookup(t, root, "f").(*File)
	ino := n.ino
	n.Forget()
	assert.NotContains(t, fsys.nodes, ino)
	assert.False(t, fsys.inodes.ids.Live(ino))

	root.Forget()
	assert.Equal(t, uint64(rootInode), attr(t, root).Inode)
}

func TestStatfs(t *testing.T) {
	conn := newTestConn(t)
	fsys, _ := newTestFS(t, conn, Options{})

	var resp fuse.StatfsResponse
	require.NoError(t, fsys.Statfs(t.Context(), &fuse.StatfsRequest{}, &resp))
	assert.Equal(t, uint32(blockSize), resp.Bsize)
	assert.Equal(t, uint32(sqlar.MaxNameLen), resp.Namelen)
}
