package wiretest

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dqx0.com/go/httpengine/httpx/internal/http1"
)

// Request is a request as the peer saw it, body included.
type Request struct {
	Method string
	Target string
	Proto  string
	Fields []http1.Field
	Body   []byte
}

func (r *Request) Get(name string) string {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Peer scripts the server side of one connection.
type Peer struct {
	Conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

func NewPeer(c net.Conn) *Peer {
	return &Peer{Conn: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

// ReadRequest reads one request and its whole body.
func (p *Peer) ReadRequest() (*Request, error) {
	rr := &http1.Reader{BR: p.br, MaxHeaderBytes: 8 << 10, MaxTotalHeaderBytes: 64 << 10}
	pr, err := rr.ReadRequest()
	if err != nil {
		return nil, err
	}
	req := &Request{Method: pr.Method, Target: pr.RequestURI, Proto: pr.Proto, Fields: pr.Fields}
	if pr.Body != nil {
		req.Body, err = io.ReadAll(pr.Body)
		_ = pr.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Expect reads a request, failing the test on error or timeout.
func (p *Peer) Expect(t testing.TB) *Request {
	t.Helper()
	_ = p.Conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer func() { _ = p.Conn.SetReadDeadline(time.Time{}) }()
	req, err := p.ReadRequest()
	require.NoError(t, err)
	return req
}

// Respond writes a complete keep-alive response with a Content-Length.
func (p *Peer) Respond(status int, fields []http1.Field, body string) error {
	if err := http1.WriteResponse(p.bw, status, "", fields, []byte(body), true); err != nil {
		return err
	}
	return p.bw.Flush()
}

// RespondChunked writes a chunked response, one chunk per argument.
func (p *Peer) RespondChunked(status int, fields []http1.Field, chunks ...string) error {
	if err := http1.StartResponse(p.bw, status, "", fields, true, true); err != nil {
		return err
	}
	for _, c := range chunks {
		if _, err := http1.WriteChunked(p.bw, []byte(c)); err != nil {
			return err
		}
	}
	if err := http1.EndChunked(p.bw); err != nil {
		return err
	}
	return p.bw.Flush()
}

// Continue sends an interim 100 Continue.
func (p *Peer) Continue() error {
	if err := http1.WriteContinue(p.bw); err != nil {
		return err
	}
	return p.bw.Flush()
}

// WriteRaw writes s verbatim.
func (p *Peer) WriteRaw(s string) error {
	_, err := io.WriteString(p.Conn, s)
	return err
}

func (p *Peer) Close() error { return p.Conn.Close() }
