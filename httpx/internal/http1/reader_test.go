package http1

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readReq(t *testing.T, raw string, maxLine, maxTotal int) (*ParsedRequest, error) {
	t.Helper()
	r := &Reader{BR: bufio.NewReader(strings.NewReader(raw)), MaxHeaderBytes: maxLine, MaxTotalHeaderBytes: maxTotal}
	return r.ReadRequest()
}

func TestReader_ContentLengthBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"
	pr, err := readReq(t, raw, 8<<10, 64<<10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pr.ContentLength)
	assert.Equal(t, "x", pr.Get("host"))
	b, err := io.ReadAll(pr.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestReader_ChunkedBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nhey\r\n2;ext=1\r\n!!\r\n0\r\n\r\n"
	pr, err := readReq(t, raw, 8<<10, 64<<10)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), pr.ContentLength)
	b, err := io.ReadAll(pr.Body)
	require.NoError(t, err)
	assert.Equal(t, "hey!!", string(b))
}

func TestReader_PipelinedRequests(t *testing.T) {
	raw := "POST /a HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n1\r\nx\r\n0\r\n\r\n" +
		"GET /b HTTP/1.1\r\nHost: x\r\n\r\n"
	r := &Reader{BR: bufio.NewReader(strings.NewReader(raw))}
	first, err := r.ReadRequest()
	require.NoError(t, err)
	require.NoError(t, first.Body.Close())
	second, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "/b", second.RequestURI)
}

func TestReader_CLTEConflict(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\nContent-Length: 5\r\n\r\n"
	_, err := readReq(t, raw, 8<<10, 64<<10)
	assert.ErrorIs(t, err, ErrFramingConflict)
}

func TestReader_MultipleContentLengthMismatch(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5, 6\r\n\r\n"
	_, err := readReq(t, raw, 8<<10, 64<<10)
	assert.ErrorIs(t, err, ErrContentLength)
}

func TestReader_InvalidHeaderName(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nBad( : v\r\n\r\n"
	_, err := readReq(t, raw, 8<<10, 64<<10)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestReader_MaxTotalHeaderBytes(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nA: b\r\nC: d\r\nE: f\r\n\r\n"
	_, err := readReq(t, raw, 8<<10, 6)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}
