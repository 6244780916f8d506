package store

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/kiranshivaraju/bugtrap/internal/config"
)

// Every stored blob starts with one tag byte naming its encoding, so rows
// written under one DB_COMPRESSION mode stay readable after switching modes.
const (
	tagNone byte = 0
	tagGzip byte = 1
	tagZstd byte = 2
)

// Codec compresses event blobs. Encode uses the configured mode; Decode
// accepts any tag. Safe for concurrent use.
type Codec struct {
	tag     byte
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// NewCodec creates a Codec for one of config.CompressionNone, Gzip or Zstd.
func NewCodec(mode string) (*Codec, error) {
	c := &Codec{}
	switch mode {
	case config.CompressionNone, "":
		c.tag = tagNone
	case config.CompressionGzip:
		c.tag = tagGzip
	case config.CompressionZstd:
		c.tag = tagZstd
	default:
		return nil, fmt.Errorf("unknown compression mode %q", mode)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.zstdEnc, c.zstdDec = enc, dec
	return c, nil
}

// Encode prefixes data with the codec tag and compresses the rest.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	switch c.tag {
	case tagGzip:
		var buf bytes.Buffer
		buf.WriteByte(tagGzip)
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip encode: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip encode: %w", err)
		}
		return buf.Bytes(), nil
	case tagZstd:
		return c.zstdEnc.EncodeAll(data, []byte{tagZstd}), nil
	default:
		out := make([]byte, 0, len(data)+1)
		out = append(out, tagNone)
		return append(out, data...), nil
	}
}

// Decode reverses Encode for any supported tag.
func (c *Codec) Decode(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("decode blob: empty")
	}
	body := blob[1:]
	switch blob[0] {
	case tagNone:
		return append([]byte(nil), body...), nil
	case tagGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		return out, nil
	case tagZstd:
		out, err := c.zstdDec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decode blob: unknown codec tag %d", blob[0])
	}
}

// Close releases the zstd decoder's goroutines.
func (c *Codec) Close() {
	c.zstdEnc.Close()
	c.zstdDec.Close()
}
