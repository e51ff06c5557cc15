package httpx

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// acceptEncoding is advertised when the caller leaves Accept-Encoding unset.
const acceptEncoding = "gzip, deflate, br"

// decodable normalizes a Content-Encoding the reply can undo, or "".
func decodable(enc string) string {
	switch e := strings.ToLower(strings.TrimSpace(enc)); e {
	case "gzip", "x-gzip":
		return "gzip"
	case "deflate", "br":
		return e
	}
	return ""
}

// newDecoder wraps src per encoding. Deflate bodies are accepted both
// zlib-wrapped and raw since servers disagree on the format.
func newDecoder(enc string, src io.Reader) (io.Reader, error) {
	switch enc {
	case "gzip":
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case "deflate":
		br := bufio.NewReader(src)
		hdr, err := br.Peek(2)
		if len(hdr) == 0 {
			return nil, err
		}
		if len(hdr) == 2 && isZlibHeader(hdr) {
			return zlib.NewReader(br)
		}
		return flate.NewReader(br), nil
	case "br":
		return brotli.NewReader(src), nil
	}
	return src, nil
}

func isZlibHeader(h []byte) bool {
	cmf, flg := h[0], h[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
