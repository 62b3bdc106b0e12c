package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compression names a compression algorithm applied after encoding.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Valid reports whether c is a known algorithm.
func (c Compression) Valid() bool {
	switch c {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return true
	}
	return false
}

// compressed wraps a codec with a compression stage.
type compressed struct {
	inner Codec
	algo  Compression
}

// Compressed returns a codec that compresses inner's output with algo. An
// empty or none algo returns inner unchanged.
func Compressed(inner Codec, algo Compression) Codec {
	if algo == "" || algo == CompressionNone {
		return inner
	}
	return &compressed{inner: inner, algo: algo}
}

func (c *compressed) Name() string { return c.inner.Name() + "+" + string(c.algo) }

func (c *compressed) Encode(v any) ([]byte, error) {
	data, err := c.inner.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("codec encoding failed: %w", err)
	}
	out, err := compress(c.algo, data)
	if err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return out, nil
}

func (c *compressed) Decode(data []byte, v any) error {
	raw, err := decompress(c.algo, data)
	if err != nil {
		return fmt.Errorf("decompression failed: %w", err)
	}
	if err := c.inner.Decode(raw, v); err != nil {
		return fmt.Errorf("codec decoding failed: %w", err)
	}
	return nil
}

func compress(algo Compression, data []byte) ([]byte, error) {
	switch algo {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("unsupported compression %q", algo)
}

func decompress(algo Compression, data []byte) ([]byte, error) {
	switch algo {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	}
	return nil, fmt.Errorf("unsupported compression %q", algo)
}
