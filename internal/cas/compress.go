package cas

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressionOptions configures blob compression.
type CompressionOptions struct {
	// MinSize is the smallest blob worth compressing.
	MinSize int
	// Level is a zstd level, mapped onto the encoder presets by
	// zstd.EncoderLevelFromZstd: below 3 fastest, 3-5 default, 6-9
	// better, 10 and up best.
	Level int
}

func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 1024,
		Level:   2,
	}
}

// compressor wraps pooled zstd encoders and decoders.
type compressor struct {
	opts     CompressionOptions
	encoders sync.Pool
	decoders sync.Pool
}

func newCompressor(opts CompressionOptions) (*compressor, error) {
	// Build one encoder/decoder pair up front so option errors surface
	// at construction instead of inside the pools.
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	enc.Close()

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	dec.Close()

	return &compressor{
		opts: opts,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
					zstd.WithEncoderConcurrency(1),
				)
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
	}, nil
}

// compress returns the compressed content and true, or the original
// content and false when compression is not worthwhile.
func (c *compressor) compress(content []byte) ([]byte, bool) {
	if len(content) < c.opts.MinSize {
		return content, false
	}
	if len(content) >= 4 && bytes.Equal(content[:4], zstdMagic) {
		return content, false
	}

	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)

	out := enc.EncodeAll(content, make([]byte, 0, len(content)/2))
	if len(out) >= len(content) {
		return content, false
	}
	return out, true
}

func (c *compressor) decompress(content []byte) ([]byte, error) {
	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)
	return dec.DecodeAll(content, nil)
}
