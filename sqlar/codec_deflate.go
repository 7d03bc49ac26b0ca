//go:build !sqlar_nocompress

package sqlar

import (
	"io"

	"github.com/klauspost/compress/zlib"
)

func init() {
	registerCodec(CompressionDeflate, deflateCodec{})
}

type deflateCodec struct{}

func (deflateCodec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level == 0 {
		level = zlib.BestSpeed
	}
	return zlib.NewWriterLevel(w, level)
}

func (deflateCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return zlib.NewReader(r)
}
