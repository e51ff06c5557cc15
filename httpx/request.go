package httpx

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
)

// Priority picks the dispatch queue of a request.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	}
	return "normal"
}

// Request represents an outgoing HTTP request.
//
// ContentLength is -1 when unknown; a Body of unknown length is sent
// chunked over HTTP/1.1. A Body with ContentLength 0 is also treated as
// unknown. The request must not be modified after it has been sent.
type Request struct {
	Method string
	URL    *url.URL
	Header Header
	Body   io.Reader
	// GetBody, if non-nil, returns a new copy of Body for retransmission
	// (authentication retries, 307/308 redirects). The engine closes the
	// returned body once written.
	GetBody       func() (io.ReadCloser, error)
	ContentLength int64
	Priority      Priority
	ctx           context.Context
}

// NewRequest builds a request bound to ctx. Length and GetBody are
// filled in for in-memory bodies.
func NewRequest(ctx context.Context, method, rawURL string, body io.Reader) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = "GET"
	}
	r := &Request{Method: method, URL: u, Body: body, ctx: ctx}
	switch v := body.(type) {
	case *bytes.Buffer:
		buf := v.Bytes()
		r.ContentLength = int64(len(buf))
		r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }
	case *bytes.Reader:
		snapshot := *v
		r.ContentLength = int64(v.Len())
		r.GetBody = func() (io.ReadCloser, error) { s := snapshot; return io.NopCloser(&s), nil }
	case *strings.Reader:
		snapshot := *v
		r.ContentLength = int64(v.Len())
		r.GetBody = func() (io.ReadCloser, error) { s := snapshot; return io.NopCloser(&s), nil }
	case nil:
	default:
		r.ContentLength = -1
	}
	if body != nil && r.ContentLength == 0 {
		r.Body = nil
		r.GetBody = nil
	}
	return r, nil
}

// Context returns the request's context. If nil, returns Background.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

func (r *Request) HeaderList() Header { return r.Header.Clone() }

func (r *Request) SetHeader(name, value string) { r.Header.Set(name, value) }

func (r *Request) BodyReader() io.Reader { return r.Body }

func (r *Request) hasBody() bool { return r.Body != nil }

// outgoingLength is the declared body length, -1 when unknown.
func (r *Request) outgoingLength() int64 {
	if r.Body == nil {
		return 0
	}
	if r.ContentLength > 0 {
		return r.ContentLength
	}
	return -1
}

// idempotent reports whether the request may be pipelined and resent
// after a failure: GET or HEAD with no body.
func (r *Request) idempotent() bool {
	return (r.Method == "GET" || r.Method == "HEAD") && !r.hasBody()
}

// replayBody returns a fresh body for a retransmission.
func (r *Request) replayBody() (io.Reader, error) {
	if r.GetBody != nil {
		return r.GetBody()
	}
	if s, ok := r.Body.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return r.Body, nil
	}
	return nil, ErrBodyNotReplay
}
