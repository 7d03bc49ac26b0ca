package sqlar

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"
)

// Compression identifies the codec an entry's content is stored with.
type Compression uint8

const (
	CompressionNone Compression = iota
	// CompressionDeflate is the zlib stream used by the reference sqlar tool.
	CompressionDeflate
	CompressionZstd
	CompressionLZ4
	CompressionS2

	// CompressionUnknown is reported for tags this build does not know.
	CompressionUnknown Compression = 0xff
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionDeflate:
		return "deflate"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionS2:
		return "s2"
	default:
		return "unknown"
	}
}

// ParseCompression accepts the names printed by Compression.String.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return CompressionNone, nil
	case "deflate", "zlib":
		return CompressionDeflate, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "s2":
		return CompressionS2, nil
	}
	return CompressionUnknown, fmt.Errorf("%w: unknown compression %q", ErrInvalidArgs, s)
}

// tag is the value stored in the mode column's codec bits. Deflate shares
// tag zero with uncompressed content so the reference tool can read it; the
// two are told apart by comparing the blob length with the recorded size.
func (c Compression) tag() int64 {
	switch c {
	case CompressionZstd:
		return 1
	case CompressionLZ4:
		return 2
	case CompressionS2:
		return 3
	default:
		return 0
	}
}

func compressionFromTag(tag int64, sizeDiffers bool) Compression {
	switch tag {
	case 0:
		if sizeDiffers {
			return CompressionDeflate
		}
		return CompressionNone
	case 1:
		return CompressionZstd
	case 2:
		return CompressionLZ4
	case 3:
		return CompressionS2
	default:
		return CompressionUnknown
	}
}

// codec is a streaming compressor and decompressor pair.
type codec interface {
	// NewWriter compresses into w. Level 0 selects the codec's fast preset.
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

var codecs = map[Compression]codec{}

func registerCodec(c Compression, impl codec) {
	codecs[c] = impl
}

// Available reports whether c can be read and written by this build.
// CompressionNone is always available.
func Available(c Compression) bool {
	if c == CompressionNone {
		return true
	}
	_, ok := codecs[c]
	return ok
}

// Codecs lists the compression methods compiled into this build.
func Codecs() []Compression {
	out := []Compression{CompressionNone}
	for c := range codecs {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// DefaultCompression is deflate when compiled in, otherwise none.
func DefaultCompression() Compression {
	if Available(CompressionDeflate) {
		return CompressionDeflate
	}
	return CompressionNone
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewCompressor returns a writer that compresses into w with c. Closing it
// flushes the stream but does not close w.
func NewCompressor(w io.Writer, c Compression, level int) (io.WriteCloser, error) {
	if c == CompressionNone {
		return nopWriteCloser{w}, nil
	}
	impl, ok := codecs[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
	}
	return impl.NewWriter(w, level)
}

// NewDecompressor returns a reader that yields the uncompressed bytes of r.
func NewDecompressor(r io.Reader, c Compression) (io.ReadCloser, error) {
	if c == CompressionNone {
		return io.NopCloser(r), nil
	}
	impl, ok := codecs[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
	}
	return impl.NewReader(r)
}

// Compress compresses raw with c.
func Compress(raw []byte, c Compression, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewCompressor(&buf, c, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte, c Compression) ([]byte, error) {
	r, err := NewDecompressor(bytes.NewReader(data), c)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s stream: %w", ErrInvalidArchive, c, err)
	}
	return out, nil
}
