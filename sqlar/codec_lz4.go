//go:build !sqlar_nocompress

package sqlar

import (
	"io"

	"github.com/pierrec/lz4/v4"
)

func init() {
	registerCodec(CompressionLZ4, lz4Codec{})
}

type lz4Codec struct{}

func (lz4Codec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	zw := lz4.NewWriter(w)
	opts := []lz4.Option{lz4.ConcurrencyOption(1)}
	if level > 0 {
		// lz4.Level1 through lz4.Level9 are 1<<9 through 1<<17.
		opts = append(opts, lz4.CompressionLevelOption(lz4.CompressionLevel(1<<(8+min(level, 9)))))
	}
	if err := zw.Apply(opts...); err != nil {
		return nil, err
	}
	return zw, nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
