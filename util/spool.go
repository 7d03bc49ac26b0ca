package util

import (
	"fmt"
	"io"
	"os"
)

// DefaultSpoolLimit is the number of bytes a Spool keeps in memory before it
// moves its contents to a temporary file.
const DefaultSpoolLimit = 1 << 20

// Spool is a random-access byte buffer that starts in memory and spills to a
// temporary file once it grows past Limit. The zero value is not usable; call
// NewSpool.
type Spool struct {
	limit int64
	dir   string
	buf   []byte
	file  *os.File
	size  int64
}

// NewSpool returns an empty spool that spills past limit bytes. A limit of
// zero or less selects DefaultSpoolLimit.
func NewSpool(limit int64) *Spool {
	if limit <= 0 {
		limit = DefaultSpoolLimit
	}
	return &Spool{limit: limit}
}

// SetTempDir sets the directory used for the spill file. It must be called
// before the spool spills.
func (s *Spool) SetTempDir(dir string) {
	s.dir = dir
}

// Size returns the logical length of the spool.
func (s *Spool) Size() int64 {
	return s.size
}

// Spilled reports whether the contents live in a temporary file.
func (s *Spool) Spilled() bool {
	return s.file != nil
}

// Write appends p to the end of the spool.
func (s *Spool) Write(p []byte) (int, error) {
	return s.WriteAt(p, s.size)
}

// WriteAt writes p at off, zero-filling any gap past the current end.
func (s *Spool) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("spool: negative offset %d", off)
	}
	end := off + int64(len(p))
	if s.file == nil && end > s.limit {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}
	if s.file != nil {
		n, err := s.file.WriteAt(p, off)
		if end := off + int64(n); end > s.size {
			s.size = end
		}
		return n, err
	}
	if end > int64(len(s.buf)) {
		s.buf = append(s.buf, make([]byte, end-int64(len(s.buf)))...)
	}
	copy(s.buf[off:], p)
	if end > s.size {
		s.size = end
	}
	return len(p), nil
}

// ReadAt implements io.ReaderAt over the logical contents.
func (s *Spool) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("spool: negative offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := p
	if remain := s.size - off; int64(len(want)) > remain {
		want = want[:remain]
	}
	var (
		n   int
		err error
	)
	if s.file != nil {
		n, err = s.file.ReadAt(want, off)
	} else {
		n = copy(want, s.buf[off:s.size])
	}
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// Truncate changes the logical length, zero-filling when it grows.
func (s *Spool) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("spool: negative size %d", size)
	}
	if s.file == nil && size > s.limit {
		if err := s.spill(); err != nil {
			return err
		}
	}
	if s.file != nil {
		if err := s.file.Truncate(size); err != nil {
			return err
		}
		s.size = size
		return nil
	}
	if size <= int64(len(s.buf)) {
		s.buf = s.buf[:size]
	} else {
		s.buf = append(s.buf, make([]byte, size-int64(len(s.buf)))...)
	}
	s.size = size
	return nil
}

// Reader returns a reader over the current contents. Writes made after the
// call are not reflected in its length.
func (s *Spool) Reader() *io.SectionReader {
	return io.NewSectionReader(s, 0, s.size)
}

// Close releases the spill file, if any. The spool is empty afterwards.
func (s *Spool) Close() error {
	s.buf = nil
	s.size = 0
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	s.file = nil
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}

func (s *Spool) spill() error {
	f, err := os.CreateTemp(s.dir, "sqlarfs-spool-*")
	if err != nil {
		return fmt.Errorf("spool: create temp file: %w", err)
	}
	if _, err := f.WriteAt(s.buf[:s.size], 0); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("spool: spill: %w", err)
	}
	s.file = f
	s.buf = nil
	return nil
}
