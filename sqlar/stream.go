package sqlar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dendrascience/sqlarfs/util"
)

// WriteMode selects what a FileWriter starts from.
type WriteMode int

const (
	// WriteTruncate starts from empty content.
	WriteTruncate WriteMode = iota
	// WriteAppend starts from the existing content and writes after it.
	WriteAppend
)

// blobReader streams the raw bytes of one blob with positioned reads.
type blobReader struct {
	ctx  context.Context
	st   *store
	name string
	off  int64
	size int64
	buf  []byte
}

func (b *blobReader) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		if b.off >= b.size {
			return 0, io.EOF
		}
		n := min(int64(blobChunkSize), b.size-b.off)
		chunk, err := b.st.readBlobAt(b.ctx, b.name, b.off, int(n))
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			return 0, io.ErrUnexpectedEOF
		}
		b.buf = chunk
		b.off += int64(len(chunk))
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *blobReader) seek(off int64) {
	b.off = off
	b.buf = nil
}

// FileReader reads the uncompressed content of one file. It is bound to the
// transaction it was opened in.
type FileReader struct {
	ctx    context.Context
	file   *File
	size   int64
	comp   Compression
	blob   *blobReader
	dec    io.ReadCloser
	pos    int64
	closed bool
}

// Reader opens the file for reading.
func (f *File) Reader(ctx context.Context) (*FileReader, error) {
	r, err := f.ar.store.get(ctx, f.path)
	if err != nil {
		return nil, wrapPath("open", f.path, err)
	}
	switch r.kind() {
	case TypeDir:
		return nil, wrapPath("open", f.path, ErrIsDirectory)
	case TypeSymlink:
		return nil, wrapPath("open", f.path, ErrNotAFile)
	}
	comp := r.compression()
	if !Available(comp) {
		return nil, wrapPath("open", f.path, fmt.Errorf("%w: %s", ErrUnsupportedCodec, comp))
	}

	fr := &FileReader{
		ctx:  ctx,
		file: f,
		size: r.size,
		comp: comp,
		blob: &blobReader{ctx: ctx, st: f.ar.store, name: f.path, size: r.dataLen},
	}
	if comp != CompressionNone {
		if fr.dec, err = NewDecompressor(fr.blob, comp); err != nil {
			return nil, wrapPath("open", f.path, err)
		}
	}
	return fr, nil
}

// Size returns the uncompressed length of the content.
func (r *FileReader) Size() int64 {
	return r.size
}

func (r *FileReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, wrapPath("read", r.file.path, ErrTxDone)
	}
	if r.pos >= r.size {
		return 0, io.EOF
	}
	if remain := r.size - r.pos; int64(len(p)) > remain {
		p = p[:remain]
	}

	var (
		n   int
		err error
	)
	if r.dec != nil {
		n, err = r.dec.Read(p)
	} else {
		n, err = r.blob.Read(p)
	}
	r.pos += int64(n)
	if errors.Is(err, io.EOF) && r.pos < r.size {
		err = io.ErrUnexpectedEOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, wrapPath("read", r.file.path, err)
	}
	return n, err
}

// Seek implements io.Seeker. Seeking uncompressed content is a positioned
// read; compressed content is decompressed up to the target, from the start
// when seeking backwards.
func (r *FileReader) Seek(offset int64, whence int) (int64, error) {
	if r.closed {
		return 0, wrapPath("seek", r.file.path, ErrTxDone)
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, wrapPath("seek", r.file.path, fmt.Errorf("%w: whence %d", ErrInvalidArgs, whence))
	}
	if abs < 0 {
		return 0, wrapPath("seek", r.file.path, fmt.Errorf("%w: negative position", ErrInvalidArgs))
	}

	if r.dec == nil {
		r.blob.seek(min(abs, r.size))
		r.pos = abs
		return abs, nil
	}

	if abs < r.pos {
		r.dec.Close()
		r.blob.seek(0)
		dec, err := NewDecompressor(r.blob, r.comp)
		if err != nil {
			return 0, wrapPath("seek", r.file.path, err)
		}
		r.dec = dec
		r.pos = 0
	}
	if skip := min(abs, r.size) - r.pos; skip > 0 {
		n, err := io.CopyN(io.Discard, r.dec, skip)
		r.pos += n
		if err != nil {
			return r.pos, wrapPath("seek", r.file.path, err)
		}
	}
	r.pos = abs
	return abs, nil
}

// Close releases the reader.
func (r *FileReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.dec != nil {
		return r.dec.Close()
	}
	return nil
}

// FileWriter buffers new content for one file. Nothing reaches the archive
// until Close, which stores the content, size, codec and mtime atomically. A
// writer that is aborted, or never closed before its transaction ends,
// leaves the file unchanged.
type FileWriter struct {
	ctx   context.Context
	file  *File
	spool *util.Spool
	off   int64
	done  bool
}

// Writer opens the file for writing.
func (f *File) Writer(ctx context.Context, mode WriteMode) (*FileWriter, error) {
	if err := f.ar.writable(); err != nil {
		return nil, wrapPath("open", f.path, err)
	}
	md, err := f.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	switch md.Type {
	case TypeDir:
		return nil, wrapPath("open", f.path, ErrIsDirectory)
	case TypeSymlink:
		return nil, wrapPath("open", f.path, ErrNotAFile)
	}
	if !Available(f.compression) {
		return nil, wrapPath("open", f.path, fmt.Errorf("%w: %s", ErrUnsupportedCodec, f.compression))
	}

	w := &FileWriter{ctx: ctx, file: f, spool: util.NewSpool(0)}
	if mode == WriteAppend && md.Size > 0 {
		r, err := f.Reader(ctx)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(w.spool, r)
		r.Close()
		if err != nil {
			w.spool.Close()
			return nil, wrapPath("open", f.path, err)
		}
		w.off = w.spool.Size()
	}
	f.ar.tx.handles[w] = struct{}{}
	return w, nil
}

// Write appends p at the current position.
func (w *FileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, wrapPath("write", w.file.path, ErrTxDone)
	}
	n, err := w.spool.WriteAt(p, w.off)
	w.off += int64(n)
	if err != nil {
		return n, wrapPath("write", w.file.path, err)
	}
	return n, nil
}

// WriteAt writes p at off without moving the current position.
func (w *FileWriter) WriteAt(p []byte, off int64) (int, error) {
	if w.done {
		return 0, wrapPath("write", w.file.path, ErrTxDone)
	}
	n, err := w.spool.WriteAt(p, off)
	if err != nil {
		return n, wrapPath("write", w.file.path, err)
	}
	return n, nil
}

// Truncate resizes the pending content.
func (w *FileWriter) Truncate(size int64) error {
	if w.done {
		return wrapPath("truncate", w.file.path, ErrTxDone)
	}
	return wrapPath("truncate", w.file.path, w.spool.Truncate(size))
}

// Size returns the length of the pending content.
func (w *FileWriter) Size() int64 {
	return w.spool.Size()
}

// Abort discards the pending content.
func (w *FileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	delete(w.file.ar.tx.handles, w)
	return w.spool.Close()
}

// Close stores the pending content.
func (w *FileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	delete(w.file.ar.tx.handles, w)
	defer w.spool.Close()
	return w.file.commit(w.ctx, w.spool, time.Now())
}

// commit compresses src with the file's codec and stores whichever of the
// compressed and raw forms is smaller.
func (f *File) commit(ctx context.Context, src *util.Spool, mtime time.Time) error {
	size := src.Size()
	data := src
	comp := CompressionNone

	if f.compression != CompressionNone && size > 0 {
		packed := util.NewSpool(0)
		defer packed.Close()

		cw, err := NewCompressor(packed, f.compression, f.level)
		if err != nil {
			return wrapPath("write", f.path, err)
		}
		if _, err := io.Copy(cw, src.Reader()); err != nil {
			cw.Close()
			return wrapPath("write", f.path, err)
		}
		if err := cw.Close(); err != nil {
			return wrapPath("write", f.path, err)
		}
		if packed.Size() < size {
			data, comp = packed, f.compression
		}
	}

	err := f.ar.store.savepoint(ctx, func() error {
		r, err := f.ar.store.get(ctx, f.path)
		if err != nil {
			return err
		}
		if r.kind() != TypeFile {
			return ErrNotAFile
		}
		mode := r.rawMode()&^codecMask | comp.tag()<<codecShift
		return f.ar.store.writeBlob(ctx, f.path, data.Reader(), data.Size(), size, mode, unixTime(mtime))
	})
	if err != nil {
		return wrapPath("write", f.path, err)
	}
	f.ar.logger.Debug("wrote file", "path", f.path, "size", size, "stored", data.Size(), "compression", comp)
	return nil
}
