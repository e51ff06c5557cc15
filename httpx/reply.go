package httpx

import (
	"bytes"
	"io"
	"net/url"
	"sync"

	"dqx0.com/go/httpengine/httpx/internal/http1"
)

// Reply is the handle for one sent request. Its state is written by the
// manager's engine goroutine and read by the caller; every exported
// method is safe for concurrent use.
type Reply struct {
	req *Request
	m   *Manager
	p   *pair

	mu            sync.Mutex
	status        int
	reason        string
	proto         string
	header        Header
	contentLength int64
	encoding      string
	redirect      *url.URL
	pipelined     bool
	buf           bytes.Buffer
	err           error
	finished      bool

	readMu  sync.Mutex
	decoder io.Reader

	metaCh  chan struct{}
	doneCh  chan struct{}
	dataCh  chan struct{}
	readyCh chan struct{}
	authCh  chan Challenge
}

func newReply(req *Request, m *Manager) *Reply {
	return &Reply{
		req:           req,
		m:             m,
		contentLength: -1,
		metaCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		dataCh:        make(chan struct{}, 1),
		readyCh:       make(chan struct{}, 1),
		authCh:        make(chan Challenge, 1),
	}
}

func (r *Reply) Request() *Request { return r.req }

// MetaDataChanged is closed once the status line and headers are known.
func (r *Reply) MetaDataChanged() <-chan struct{} { return r.metaCh }

// ReadyRead receives a pulse whenever new body bytes were buffered.
func (r *Reply) ReadyRead() <-chan struct{} { return r.readyCh }

// Done is closed when the reply finished, successfully or not.
func (r *Reply) Done() <-chan struct{} { return r.doneCh }

// AuthenticationRequired delivers a challenge the engine could not
// answer from its cache. Answer with ProvideCredentials or Abort.
func (r *Reply) AuthenticationRequired() <-chan Challenge { return r.authCh }

// Wait blocks until the reply is finished and returns its error.
func (r *Reply) Wait() error {
	<-r.doneCh
	return r.Err()
}

// Err is the terminal failure, nil while running or after success.
func (r *Reply) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reply) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Reply) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func (r *Reply) Proto() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proto
}

// ContentLength is the declared body length, -1 when unknown.
func (r *Reply) ContentLength() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentLength
}

// RedirectURL is the resolved Location of a redirect response.
func (r *Reply) RedirectURL() *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirect
}

// PipeliningUsed reports whether the request shared its connection
// with other in-flight requests.
func (r *Reply) PipeliningUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelined
}

func (r *Reply) Header() Header { return r.HeaderList() }

func (r *Reply) HeaderList() Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Clone()
}

func (r *Reply) SetHeader(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.header.Set(name, value)
}

func (r *Reply) BodyReader() io.Reader { return r }

// Read returns body bytes in order, decoded when the engine negotiated
// compression. It blocks until data arrives or the reply finishes.
func (r *Reply) Read(p []byte) (int, error) {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	if r.decoder == nil {
		select {
		case <-r.metaCh:
		case <-r.doneCh:
		}
		r.mu.Lock()
		enc := r.encoding
		r.mu.Unlock()
		var raw io.Reader = rawBody{r}
		if enc != "" {
			d, err := newDecoder(enc, raw)
			if err != nil {
				if err == io.EOF {
					d = eofReader{}
				} else {
					return 0, err
				}
			}
			raw = d
		}
		r.decoder = raw
	}
	return r.decoder.Read(p)
}

// Close aborts the reply if still running.
func (r *Reply) Close() error {
	r.Abort()
	return nil
}

// Abort cancels the request. Queued requests are dropped; in-flight
// requests lose their connection or stream.
func (r *Reply) Abort() {
	if r.m == nil {
		return
	}
	r.m.post(func() { r.m.abortPair(r.p, nil) })
}

// ProvideCredentials answers a pending authentication challenge.
func (r *Reply) ProvideCredentials(c Credentials) {
	if r.m == nil {
		return
	}
	r.m.post(func() { r.m.provideCredentials(r.p, c) })
}

type rawBody struct{ r *Reply }

func (b rawBody) Read(p []byte) (int, error) { return b.r.readRaw(p) }

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func (r *Reply) readRaw(p []byte) (int, error) {
	for {
		r.mu.Lock()
		if r.buf.Len() > 0 {
			n, _ := r.buf.Read(p)
			r.mu.Unlock()
			return n, nil
		}
		if r.finished {
			err := r.err
			r.mu.Unlock()
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.mu.Unlock()
		select {
		case <-r.dataCh:
		case <-r.doneCh:
		}
	}
}

// The methods below run on the engine goroutine only.

func (r *Reply) setHead(h *http1.Head, encoding string, pipelined bool) {
	r.mu.Lock()
	r.status = h.StatusCode
	r.reason = h.Reason
	r.proto = h.Proto
	r.header = make(Header, 0, len(h.Fields))
	for _, f := range h.Fields {
		r.header = append(r.header, HeaderField{Name: f.Name, Value: f.Value})
	}
	r.contentLength = h.ContentLength
	r.encoding = encoding
	r.pipelined = pipelined
	r.mu.Unlock()
	close(r.metaCh)
}

func (r *Reply) setRedirect(u *url.URL) {
	r.mu.Lock()
	r.redirect = u
	r.mu.Unlock()
}

func (r *Reply) appendBody(b []byte) {
	if len(b) == 0 {
		return
	}
	r.mu.Lock()
	r.buf.Write(b)
	r.mu.Unlock()
	pulse(r.dataCh)
	pulse(r.readyCh)
}

func (r *Reply) requireAuth(ch Challenge) {
	select {
	case r.authCh <- ch:
	default:
	}
}

// terminate records the terminal outcome exactly once.
func (r *Reply) terminate(err error) bool {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false
	}
	r.finished = true
	r.err = err
	r.mu.Unlock()
	close(r.doneCh)
	return true
}

func (r *Reply) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
