package http1

import (
	"bytes"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	heads []Head
	body  bytes.Buffer
}

func (s *recordingSink) OnHead(h *Head) error {
	s.heads = append(s.heads, *h)
	return nil
}

func (s *recordingSink) OnBody(p []byte) error {
	s.body.Write(p)
	return nil
}

func feedAll(t *testing.T, p *ResponseParser, s Sink, raw string, step int) int {
	t.Helper()
	b := []byte(raw)
	total := 0
	for len(b) > 0 && p.State() != StateDone {
		k := step
		if k <= 0 || k > len(b) {
			k = len(b)
		}
		n, err := p.Feed(b[:k], s)
		require.NoError(t, err)
		total += n
		b = b[n:]
		if n < k {
			break
		}
	}
	return total
}

func TestParser_ContentLengthLeavesNextResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nServer: t\r\n\r\nhelloHTTP/1.1 204 No Content\r\n\r\n"
	var p ResponseParser
	s := &recordingSink{}
	n := feedAll(t, &p, s, raw, 0)

	require.Equal(t, StateDone, p.State())
	assert.Equal(t, "hello", s.body.String())
	assert.Equal(t, "HTTP/1.1 204 No Content\r\n\r\n", raw[n:])
	require.Len(t, s.heads, 1)
	h := s.heads[0]
	assert.Equal(t, 200, h.StatusCode)
	assert.Equal(t, "OK", h.Reason)
	assert.Equal(t, FramingLength, h.Framing)
	assert.True(t, h.KeepAlive)
	assert.Equal(t, "t", h.Get("server"))
}

func TestParser_ByteAtATimeChunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4;name=value\r\nWiki\r\n5\r\npedia\r\nE\r\n in\r\n\r\nchunks.\r\n0\r\nX-Sum: abc\r\n\r\n"
	var p ResponseParser
	s := &recordingSink{}
	n := feedAll(t, &p, s, raw, 1)

	assert.Equal(t, len(raw), n)
	assert.Equal(t, StateDone, p.State())
	assert.Equal(t, "Wikipedia in\r\n\r\nchunks.", s.body.String())
	assert.Equal(t, []Field{{Name: "X-Sum", Value: "abc"}}, p.Trailers())
}

func TestParser_SkipsInformational(t *testing.T) {
	raw := "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 103 Early Hints\r\nLink: </a>\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	var p ResponseParser
	s := &recordingSink{}
	feedAll(t, &p, s, raw, 3)

	require.Len(t, s.heads, 1)
	assert.Equal(t, 200, s.heads[0].StatusCode)
	assert.Equal(t, 2, p.Informational())
	assert.Equal(t, "ok", s.body.String())
}

func TestParser_NoBodyCases(t *testing.T) {
	cases := []struct {
		name string
		head bool
		raw  string
	}{
		{"head request", true, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n"},
		{"204", false, "HTTP/1.1 204 No Content\r\n\r\n"},
		{"304", false, "HTTP/1.1 304 Not Modified\r\nContent-Length: 10\r\n\r\n"},
		{"zero length", false, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p ResponseParser
			p.Reset(tc.head)
			s := &recordingSink{}
			n := feedAll(t, &p, s, tc.raw, 0)
			assert.Equal(t, len(tc.raw), n)
			assert.Equal(t, StateDone, p.State())
			assert.Equal(t, FramingNone, s.heads[0].Framing)
			assert.Zero(t, s.body.Len())
		})
	}
}

func TestParser_CloseDelimited(t *testing.T) {
	var p ResponseParser
	s := &recordingSink{}
	feedAll(t, &p, s, "HTTP/1.0 200 OK\r\n\r\nsome body", 0)
	assert.Equal(t, StateBody, p.State())
	assert.False(t, p.Head().KeepAlive)
	assert.Equal(t, FramingUntilClose, p.Head().Framing)

	require.NoError(t, p.CloseNotify())
	assert.Equal(t, StateDone, p.State())
	assert.Equal(t, "some body", s.body.String())
}

func TestParser_TruncatedBody(t *testing.T) {
	var p ResponseParser
	s := &recordingSink{}
	feedAll(t, &p, s, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc", 0)
	assert.ErrorIs(t, p.CloseNotify(), io.ErrUnexpectedEOF)
}

func TestParser_KeepAlive(t *testing.T) {
	cases := map[string]bool{
		"HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n":                         true,
		"HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n":    false,
		"HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n":                         false,
		"HTTP/1.0 200 OK\r\nConnection: Keep-Alive\r\nContent-Length: 0\r\n\r\n": true,
	}
	for raw, want := range cases {
		var p ResponseParser
		feedAll(t, &p, &recordingSink{}, raw, 0)
		assert.Equal(t, want, p.Head().KeepAlive, raw)
	}
}

func TestParser_FoldedHeader(t *testing.T) {
	var p ResponseParser
	s := &recordingSink{}
	feedAll(t, &p, s, "HTTP/1.1 200 OK\r\nX-Long: a\r\n  b\r\nContent-Length: 0\r\n\r\n", 0)
	assert.Equal(t, "a b", s.heads[0].Get("X-Long"))
}

func TestParser_Errors(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{"HTTX/1.1 200 OK\r\n\r\n", ErrMalformedStatus},
		{"HTTP/1.1 2000 OK\r\n\r\n", ErrMalformedStatus},
		{"HTTP/1.1 200 OK\r\nno colon\r\n\r\n", ErrMalformedHeader},
		{"HTTP/1.1 200 OK\r\nContent-Length: 3, 4\r\n\r\n", ErrContentLength},
		{"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", ErrChunkFormat},
		{"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n1\r\naXY", ErrChunkFormat},
	}
	for _, tc := range cases {
		var p ResponseParser
		_, err := p.Feed([]byte(tc.raw), &recordingSink{})
		assert.ErrorIs(t, err, tc.want, tc.raw)
	}
}

func TestParser_LengthWinsOverTransferEncoding(t *testing.T) {
	var p ResponseParser
	s := &recordingSink{}
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\nabc"
	n := feedAll(t, &p, s, raw, 0)

	assert.Equal(t, len(raw), n)
	assert.Equal(t, StateDone, p.State())
	assert.Equal(t, "abc", s.body.String())
	require.Len(t, s.heads, 1)
	assert.Equal(t, FramingLength, s.heads[0].Framing)
	assert.Equal(t, int64(3), s.heads[0].ContentLength)
	assert.False(t, s.heads[0].KeepAlive)
}

func TestParser_HeaderTooLarge(t *testing.T) {
	p := ResponseParser{MaxHeaderBytes: 64}
	raw := "HTTP/1.1 200 OK\r\nX-Big: " + strings.Repeat("a", 100) + "\r\n\r\n"
	_, err := p.Feed([]byte(raw), &recordingSink{})
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestParser_ResetBetweenResponses(t *testing.T) {
	var p ResponseParser
	s := &recordingSink{}
	feedAll(t, &p, s, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\na", 0)
	p.Reset(false)
	assert.Equal(t, StateIdle, p.State())
	feedAll(t, &p, s, "HTTP/1.1 201 Created\r\nContent-Length: 1\r\n\r\nb", 0)
	require.Len(t, s.heads, 2)
	assert.Equal(t, 201, s.heads[1].StatusCode)
	assert.Equal(t, "ab", s.body.String())
}

// Any payload survives chunk encoding and incremental decoding no
// matter how it is split on either side, with extensions and a trailer.
func TestChunkRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		payload := make([]byte, rng.Intn(4096))
		rng.Read(payload)

		var wire []byte
		for rest := payload; len(rest) > 0; {
			k := 1 + rng.Intn(len(rest))
			if rng.Intn(2) == 0 {
				wire = AppendChunk(wire, rest[:k])
			} else {
				wire = strconv.AppendInt(wire, int64(k), 16)
				wire = append(wire, ";ext="...)
				wire = strconv.AppendInt(wire, int64(rng.Intn(1000)), 10)
				wire = append(wire, "\r\n"...)
				wire = append(wire, rest[:k]...)
				wire = append(wire, "\r\n"...)
			}
			rest = rest[k:]
		}
		wire = append(wire, "0;last\r\nX-Checksum: "...)
		wire = strconv.AppendInt(wire, int64(len(payload)), 10)
		wire = append(wire, "\r\n\r\n"...)

		dec := chunkDecoder{maxLine: 1024}
		var got []byte
		for rest := wire; len(rest) > 0; {
			k := 1 + rng.Intn(len(rest))
			n, err := dec.feed(rest[:k], func(b []byte) error {
				got = append(got, b...)
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, k, n)
			rest = rest[k:]
		}
		require.True(t, dec.done())
		require.Equal(t, payload, append([]byte{}, got...))
		require.Equal(t, []Field{{Name: "X-Checksum", Value: strconv.Itoa(len(payload))}}, dec.trailers)
	}
}

func TestAppendRequestHead(t *testing.T) {
	h := &RequestHead{Method: "GET", Target: "/x?y=1", Fields: []Field{{"Host", "example.com"}, {"Accept", "*/*"}}}
	assert.Equal(t, "GET /x?y=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n", string(AppendRequestHead(nil, h)))
}
