package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTripAllModes(t *testing.T) {
	inputs := map[string][]byte{
		"empty":      {},
		"short":      []byte(`{"message":"boom"}`),
		"repetitive": bytes.Repeat([]byte("at foo (app.min.js:1:2345)\n"), 500),
		"binary":     {0x00, 0xff, 0x10, 0x02, 0x00},
	}

	for _, mode := range []string{"none", "gzip", "zstd"} {
		c, err := NewCodec(mode)
		require.NoError(t, err)
		t.Cleanup(c.Close)

		for name, in := range inputs {
			t.Run(mode+"/"+name, func(t *testing.T) {
				blob, err := c.Encode(in)
				require.NoError(t, err)

				out, err := c.Decode(blob)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(in, out), "round trip mismatch")
			})
		}
	}
}

func TestCodec_DecodesAcrossModes(t *testing.T) {
	data := bytes.Repeat([]byte("TypeError: x is undefined "), 50)

	gz, err := NewCodec("gzip")
	require.NoError(t, err)
	defer gz.Close()
	zs, err := NewCodec("zstd")
	require.NoError(t, err)
	defer zs.Close()
	plain, err := NewCodec("none")
	require.NoError(t, err)
	defer plain.Close()

	for _, enc := range []*Codec{gz, zs, plain} {
		blob, err := enc.Encode(data)
		require.NoError(t, err)

		out, err := plain.Decode(blob)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	}
}

func TestCodec_CompressesRepetitiveData(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 1000)
	for _, mode := range []string{"gzip", "zstd"} {
		c, err := NewCodec(mode)
		require.NoError(t, err)
		blob, err := c.Encode(data)
		require.NoError(t, err)
		assert.Less(t, len(blob), len(data)/4, mode)
		c.Close()
	}
}

func TestCodec_Errors(t *testing.T) {
	_, err := NewCodec("lz4")
	assert.Error(t, err)

	c, err := NewCodec("none")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decode(nil)
	assert.Error(t, err)

	_, err = c.Decode([]byte{9, 1, 2})
	assert.Error(t, err)
}
