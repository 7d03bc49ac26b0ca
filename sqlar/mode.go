package sqlar

import (
	"database/sql"
	"fmt"
	"io/fs"
	"time"
)

// FileType is the kind of an archive entry.
type FileType uint8

const (
	// TypeAny matches every kind when used as a filter.
	TypeAny FileType = iota
	TypeFile
	TypeDir
	TypeSymlink
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return "any"
	}
}

// ParseFileType accepts the names printed by FileType.String.
func ParseFileType(s string) (FileType, error) {
	switch s {
	case "file", "f":
		return TypeFile, nil
	case "dir", "directory", "d":
		return TypeDir, nil
	case "symlink", "link", "l":
		return TypeSymlink, nil
	case "", "any":
		return TypeAny, nil
	}
	return TypeAny, fmt.Errorf("%w: unknown file type %q", ErrInvalidArgs, s)
}

// FileMode holds the permission bits of an entry (including setuid, setgid
// and sticky). Type bits are tracked separately by FileType.
type FileMode uint32

// DefaultUmask is applied to new files and directories.
const DefaultUmask FileMode = 0o002

const (
	modeTypeMask = 0o170000
	modeRegular  = 0o100000
	modeDir      = 0o040000
	modeSymlink  = 0o120000
	modePermMask = 0o7777

	// The compression tag lives above the POSIX bits.
	codecShift = 24
	codecMask  = 0xf << codecShift
)

// Metadata describes an entry.
type Metadata struct {
	Type FileType
	Mode FileMode
	// Mtime is the zero time when the archive does not record one.
	Mtime time.Time
	// Size is the uncompressed content length; for symlinks it is the
	// length of the target.
	Size int64
	// Target is set for symlinks only.
	Target string
	// Compression is the codec the content is stored with.
	Compression Compression
}

func (m *Metadata) IsDir() bool     { return m.Type == TypeDir }
func (m *Metadata) IsFile() bool    { return m.Type == TypeFile }
func (m *Metadata) IsSymlink() bool { return m.Type == TypeSymlink }

// FileMode converts the metadata into an io/fs mode.
func (m *Metadata) FileMode() fs.FileMode {
	mode := fs.FileMode(m.Mode & 0o777)
	if m.Mode&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if m.Mode&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if m.Mode&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	switch m.Type {
	case TypeDir:
		mode |= fs.ModeDir
	case TypeSymlink:
		mode |= fs.ModeSymlink
	}
	return mode
}

// ModeFromFS extracts the permission bits of an io/fs mode.
func ModeFromFS(mode fs.FileMode) FileMode {
	m := FileMode(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		m |= 0o4000
	}
	if mode&fs.ModeSetgid != 0 {
		m |= 0o2000
	}
	if mode&fs.ModeSticky != 0 {
		m |= 0o1000
	}
	return m
}

// row is one record of the sqlar table as read from the store.
type row struct {
	name     string
	mode     sql.NullInt64
	mtime    sql.NullInt64
	size     int64
	dataNull bool
	dataLen  int64
	target   string
}

func (r *row) kind() FileType {
	switch {
	case r.size < 0:
		return TypeSymlink
	case r.dataNull:
		return TypeDir
	case r.mode.Valid && r.mode.Int64&modeTypeMask == modeDir:
		return TypeDir
	default:
		return TypeFile
	}
}

func (r *row) compression() Compression {
	if r.kind() != TypeFile {
		return CompressionNone
	}
	var tag int64
	if r.mode.Valid {
		tag = (r.mode.Int64 & codecMask) >> codecShift
	}
	return compressionFromTag(tag, r.dataLen != r.size)
}

func (r *row) metadata() *Metadata {
	md := &Metadata{
		Type:        r.kind(),
		Size:        r.size,
		Compression: r.compression(),
	}
	if r.mode.Valid {
		md.Mode = FileMode(r.mode.Int64 & modePermMask)
	} else {
		md.Mode = defaultPerm(md.Type)
	}
	if r.mtime.Valid {
		md.Mtime = time.Unix(r.mtime.Int64, 0)
	}
	if md.Type == TypeSymlink {
		md.Target = r.target
		md.Size = int64(len(r.target))
	}
	return md
}

// rawMode returns the stored mode with the type bits filled in, for rows that
// were written without a mode.
func (r *row) rawMode() int64 {
	if r.mode.Valid && r.mode.Int64&modeTypeMask != 0 {
		return r.mode.Int64
	}
	perm := int64(defaultPerm(r.kind()))
	if r.mode.Valid {
		perm = r.mode.Int64 & (modePermMask | codecMask)
	}
	return typeBits(r.kind()) | perm
}

func typeBits(t FileType) int64 {
	switch t {
	case TypeDir:
		return modeDir
	case TypeSymlink:
		return modeSymlink
	default:
		return modeRegular
	}
}

// defaultPerm is reported for rows whose mode column is NULL.
func defaultPerm(t FileType) FileMode {
	switch t {
	case TypeDir:
		return 0o755
	case TypeSymlink:
		return 0o777
	default:
		return 0o644
	}
}

func unixTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
