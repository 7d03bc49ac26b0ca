//go:build !sqlar_nocompress

package sqlar

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

func init() {
	registerCodec(CompressionZstd, zstdCodec{})
}

type zstdCodec struct{}

func (zstdCodec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	l := zstd.SpeedFastest
	if level > 0 {
		l = zstd.EncoderLevelFromZstd(level)
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(l), zstd.WithEncoderConcurrency(1))
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}
