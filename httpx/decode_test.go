package httpx

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodable(t *testing.T) {
	assert.Equal(t, "gzip", decodable("x-gzip"))
	assert.Equal(t, "gzip", decodable(" GZIP "))
	assert.Equal(t, "deflate", decodable("deflate"))
	assert.Equal(t, "br", decodable("br"))
	assert.Equal(t, "", decodable("compress"))
	assert.Equal(t, "", decodable("gzip, br"))
}

func TestNewDecoder(t *testing.T) {
	plain := strings.Repeat("the quick brown fox ", 64)
	encode := map[string]func(io.Writer) io.WriteCloser{
		"gzip":         func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) },
		"deflate":      func(w io.Writer) io.WriteCloser { return zlib.NewWriter(w) },
		"deflate(raw)": func(w io.Writer) io.WriteCloser { fw, _ := flate.NewWriter(w, flate.BestSpeed); return fw },
		"br":           func(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) },
	}
	for name, enc := range encode {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w := enc(&buf)
			_, err := io.WriteString(w, plain)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			d, err := newDecoder(strings.TrimSuffix(name, "(raw)"), &buf)
			require.NoError(t, err)
			got, err := io.ReadAll(d)
			require.NoError(t, err)
			assert.Equal(t, plain, string(got))
		})
	}
}

func TestNewDecoder_EmptyBody(t *testing.T) {
	_, err := newDecoder("gzip", bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewDecoder_ShortDeflate(t *testing.T) {
	d, err := newDecoder("deflate", bytes.NewReader([]byte{0x78}))
	require.NoError(t, err)
	_, err = io.ReadAll(d)
	assert.Error(t, err)

	_, err = newDecoder("deflate", bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}
