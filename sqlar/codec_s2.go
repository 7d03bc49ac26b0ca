//go:build !sqlar_nocompress

package sqlar

import (
	"io"

	"github.com/klauspost/compress/s2"
)

func init() {
	registerCodec(CompressionS2, s2Codec{})
}

type s2Codec struct{}

func (s2Codec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	opts := []s2.WriterOption{s2.WriterConcurrency(1)}
	switch {
	case level >= 3:
		opts = append(opts, s2.WriterBestCompression())
	case level == 2:
		opts = append(opts, s2.WriterBetterCompression())
	}
	return s2.NewWriter(w, opts...), nil
}

func (s2Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(s2.NewReader(r)), nil
}
