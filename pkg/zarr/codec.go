package zarr

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Compression names one of the supported chunk codecs. The set is closed:
// options for each variant live in the Compressor record rather than in a
// free-form string.
type Compression string

// Supported chunk codecs.
const (
	Raw  Compression = "raw"
	Zlib Compression = "zlib"
	Zstd Compression = "zstd"
)

// Compressor selects a chunk codec and its options.
type Compressor struct {
	Kind Compression
	// Level is the compression level. Zero selects the codec default.
	Level int
}

// DefaultCompressor is used when the caller does not pick a codec.
var DefaultCompressor = Compressor{Kind: Zstd, Level: 3}

// ParseCompressor maps a codec name onto a Compressor.
func ParseCompressor(name string, level int) (Compressor, error) {
	switch Compression(name) {
	case Raw, Zlib, Zstd:
		return Compressor{Kind: Compression(name), Level: level}, nil
	}
	return Compressor{}, fmt.Errorf("unknown compressor %q (want raw, zlib or zstd)", name)
}

func (c Compressor) compress(data []byte) ([]byte, error) {
	switch c.Kind {
	case "", Raw:
		return data, nil
	case Zlib:
		var buf bytes.Buffer
		level := c.Level
		if level == 0 {
			level = zlib.DefaultCompression
		}
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("zlib writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib flush: %w", err)
		}
		return buf.Bytes(), nil
	case Zstd:
		opts := []zstd.EOption{}
		if c.Level != 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.Level)))
		}
		w, err := zstd.NewWriter(nil, opts...)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		defer w.Close()
		return w.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("unknown compressor %q", c.Kind)
}

func (c Compressor) decompress(data []byte, size int) ([]byte, error) {
	switch c.Kind {
	case "", Raw:
		return data, nil
	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		defer r.Close()
		out := make([]byte, 0, size)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		return buf.Bytes(), nil
	case Zstd:
		r, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer r.Close()
		return r.DecodeAll(data, make([]byte, 0, size))
	}
	return nil, fmt.Errorf("unknown compressor %q", c.Kind)
}

// compressorConfig is the numcodecs-style JSON form stored in .zarray.
type compressorConfig struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

func (c Compressor) config() *compressorConfig {
	switch c.Kind {
	case "", Raw:
		return nil
	default:
		return &compressorConfig{ID: string(c.Kind), Level: c.Level}
	}
}

func compressorFromConfig(cfg *compressorConfig) (Compressor, error) {
	if cfg == nil {
		return Compressor{Kind: Raw}, nil
	}
	return ParseCompressor(cfg.ID, cfg.Level)
}
