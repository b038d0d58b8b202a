package pipeline

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressor provides the compression stage and its inverse.
type Compressor interface {
	// Compress returns a writer that compresses into dst. Closing it flushes
	// the stream but does not close dst.
	Compress(dst io.Writer) (io.WriteCloser, error)

	// Decompress returns a reader that decompresses src.
	Decompress(src io.Reader) (io.ReadCloser, error)
}

// Zstd is the zstd compression stage.
type Zstd struct {
	level zstd.EncoderLevel
}

// NewZstd returns a zstd stage at level, clamped to 1-4.
func NewZstd(level int) *Zstd {
	switch {
	case level < int(zstd.SpeedFastest):
		level = int(zstd.SpeedFastest)
	case level > int(zstd.SpeedBestCompression):
		level = int(zstd.SpeedBestCompression)
	}
	return &Zstd{level: zstd.EncoderLevel(level)}
}

// Level returns the encoder level.
func (z *Zstd) Level() zstd.EncoderLevel {
	return z.level
}

func (z *Zstd) Compress(dst io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(dst, zstd.WithEncoderLevel(z.level))
}

func (z *Zstd) Decompress(src io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(src)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}
