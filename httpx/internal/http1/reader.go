package http1

import (
	"bufio"
	"io"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ParsedRequest is a minimal request representation parsed from the wire.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Fields        []Field
	ContentLength int64
	Body          io.ReadCloser
}

// Get returns the first value of name.
func (r *ParsedRequest) Get(name string) string {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value of name in wire order.
func (r *ParsedRequest) Values(name string) []string {
	var out []string
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Reader parses requests off a connection. It backs the in-process
// peers used to exercise the client engine.
type Reader struct {
	BR                  *bufio.Reader
	MaxHeaderBytes      int // per line
	MaxTotalHeaderBytes int
}

func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, ErrMalformedRequest
	}
	method, uri, proto := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, ErrMalformedRequest
	}
	fields, err := r.readFields()
	if err != nil {
		return nil, err
	}
	pr := &ParsedRequest{Method: method, RequestURI: uri, Proto: proto, Fields: fields}
	te := pr.Values("Transfer-Encoding")
	cl := pr.Values("Content-Length")
	switch {
	case len(te) > 0 && len(cl) > 0:
		return nil, ErrFramingConflict
	case hasChunked(te):
		pr.ContentLength = -1
		pr.Body = newChunkedBody(r.BR, r.MaxHeaderBytes)
	case len(cl) > 0:
		n, err := ParseContentLength(cl)
		if err != nil {
			return nil, err
		}
		pr.ContentLength = n
		pr.Body = &limitedBody{lr: &io.LimitedReader{R: r.BR, N: n}}
	default:
		pr.Body = io.NopCloser(strings.NewReader(""))
	}
	return pr, nil
}

func (r *Reader) readFields() ([]Field, error) {
	var fields []Field
	total := 0
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return fields, nil
		}
		total += len(line)
		if r.MaxTotalHeaderBytes > 0 && total > r.MaxTotalHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return nil, ErrMalformedHeader
		}
		fields = append(fields, Field{Name: name, Value: strings.Trim(value, " \t")})
	}
}

func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := r.BR.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if r.MaxHeaderBytes > 0 && sb.Len() > r.MaxHeaderBytes {
			return "", ErrHeaderTooLarge
		}
	}
	return sb.String(), nil
}

type limitedBody struct {
	lr *io.LimitedReader
}

func (b *limitedBody) Read(p []byte) (int, error) { return b.lr.Read(p) }

// Close drains what is left so the next request on the connection can be read.
func (b *limitedBody) Close() error {
	_, err := io.Copy(io.Discard, b.lr)
	return err
}
