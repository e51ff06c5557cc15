package wiretest

import (
	"bufio"
	"net"
	"strings"

	"dqx0.com/go/httpengine/httpx/internal/http1"
)

type Handler interface {
	Serve(*ResponseWriter, *Request)
}

type HandlerFunc func(*ResponseWriter, *Request)

func (f HandlerFunc) Serve(w *ResponseWriter, r *Request) { f(w, r) }

// Server answers requests on every connection a PipeDialer accepts,
// keeping connections alive as long as both sides allow it.
type Server struct {
	Handler Handler
}

// Serve runs until conns is closed.
func (s *Server) Serve(conns <-chan net.Conn) {
	for c := range conns {
		go s.serveConn(c)
	}
}

// ResponseWriter streams a response. Without a Content-Length it
// switches to chunked encoding.
type ResponseWriter struct {
	bw        *bufio.Writer
	keepAlive bool
	status    int
	wroteHead bool
	chunked   bool
	Fields    []http1.Field
}

func (w *ResponseWriter) Add(name, value string) {
	w.Fields = append(w.Fields, http1.Field{Name: name, Value: value})
}

func (w *ResponseWriter) has(name string) bool {
	for _, f := range w.Fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

func (w *ResponseWriter) WriteHeader(status int) {
	if w.wroteHead {
		return
	}
	w.status = status
	_ = w.start()
}

func (w *ResponseWriter) start() error {
	if w.wroteHead {
		return nil
	}
	if w.status == 0 {
		w.status = 200
	}
	for _, f := range w.Fields {
		if strings.EqualFold(f.Name, "Connection") && strings.EqualFold(f.Value, "close") {
			w.keepAlive = false
		}
	}
	w.chunked = !w.has("Content-Length") && !http1.BodylessStatus(w.status)
	w.wroteHead = true
	return http1.StartResponse(w.bw, w.status, "", w.Fields, w.chunked, w.keepAlive)
}

func (w *ResponseWriter) Write(p []byte) (int, error) {
	if err := w.start(); err != nil {
		return 0, err
	}
	if w.chunked {
		n, err := http1.WriteChunked(w.bw, p)
		if err != nil {
			return n, err
		}
		return n, w.bw.Flush()
	}
	return w.bw.Write(p)
}

func (w *ResponseWriter) finish() error {
	if err := w.start(); err != nil {
		return err
	}
	if w.chunked {
		if err := http1.EndChunked(w.bw); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

func (s *Server) serveConn(c net.Conn) {
	defer c.Close()
	p := NewPeer(c)
	for {
		req, err := p.ReadRequest()
		if err != nil {
			return
		}
		ka := req.Proto == "HTTP/1.1"
		if conn := strings.ToLower(req.Get("Connection")); conn == "close" {
			ka = false
		} else if conn == "keep-alive" {
			ka = true
		}
		w := &ResponseWriter{bw: p.bw, keepAlive: ka}
		h := s.Handler
		if h == nil {
			h = HandlerFunc(func(w *ResponseWriter, _ *Request) { w.WriteHeader(404) })
		}
		h.Serve(w, req)
		if err := w.finish(); err != nil || !w.keepAlive {
			return
		}
	}
}
