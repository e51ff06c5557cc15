package httpx

import (
	"bufio"
	"errors"
	"io"

	"dqx0.com/go/httpengine/httpx/internal/http1"
)

var (
	errBodyTooLong  = errors.New("httpx: request body longer than ContentLength")
	errBodyTooShort = errors.New("httpx: request body shorter than ContentLength")
)

// h1Handler speaks HTTP/1.1 with optional pipelining. Responses are
// matched to requests strictly in send order.
type h1Handler struct {
	ch     *channel
	parser http1.ResponseParser
	cur    *pair
}

func newH1Handler(ch *channel) *h1Handler {
	h := &h1Handler{ch: ch}
	h.parser.MaxHeaderBytes = ch.m.cfg.MaxHeaderBytes
	return h
}

func (h *h1Handler) multiplexed() bool { return false }

func (h *h1Handler) start() {}

func (h *h1Handler) shutdown() {}

// canAccept reports whether p may be written now. Only idempotent
// requests share a connection.
func (h *h1Handler) canAccept(p *pair) bool {
	ch := h.ch
	if len(ch.pipeline) == 0 {
		return true
	}
	if !ch.pipelining || ch.closeAfter || len(ch.pipeline) >= ch.m.cfg.PipelineLength || !p.req.idempotent() {
		return false
	}
	for _, q := range ch.pipeline {
		if !q.req.idempotent() {
			return false
		}
	}
	return true
}

func (h *h1Handler) send(p *pair) {
	head := http1.AppendRequestHead(nil, h.ch.m.requestHead(p, false))
	att, body, length := p.att, p.body, p.req.outgoingLength()
	h.ch.w.enqueue(func(bw *bufio.Writer) error {
		att.bytesWritten.Add(int64(len(head)))
		if _, err := bw.Write(head); err != nil {
			return err
		}
		if body == nil {
			return nil
		}
		return writeBody(bw, body, length, att)
	})
}

// writeBody streams body, chunked when length is -1.
func writeBody(bw *bufio.Writer, body io.Reader, length int64, att *attempt) error {
	// Marks the body as touched before the first read can consume it.
	att.bodyRead.Add(1)
	buf := make([]byte, 32<<10)
	var sent int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			att.bodyRead.Add(int64(n))
			if length >= 0 && sent+int64(n) > length {
				return errBodyTooLong
			}
			att.bytesWritten.Add(int64(n))
			var err error
			if length < 0 {
				_, err = http1.WriteChunked(bw, buf[:n])
			} else {
				_, err = bw.Write(buf[:n])
			}
			if err != nil {
				return err
			}
			sent += int64(n)
			if err := bw.Flush(); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if length < 0 {
		return http1.EndChunked(bw)
	}
	if sent != length {
		return errBodyTooShort
	}
	return nil
}

func (h *h1Handler) feed(b []byte) error {
	ch := h.ch
	for len(b) > 0 {
		if ch.h != h {
			return nil
		}
		if h.cur == nil {
			if len(ch.pipeline) == 0 {
				return ErrUnsolicited
			}
			h.cur = ch.pipeline[0]
			h.parser.Reset(h.cur.req.Method == "HEAD")
			h.cur.responseStarted = true
		}
		p := h.cur
		n, err := h.parser.Feed(b, pairSink{m: ch.m, p: p})
		b = b[n:]
		if err != nil {
			return err
		}
		if h.parser.State() == http1.StateDone {
			h.cur = nil
			ch.complete(p, h.parser.Head().KeepAlive)
		}
	}
	return nil
}

func (h *h1Handler) eof() error {
	p := h.cur
	if p == nil {
		return nil
	}
	if err := h.parser.CloseNotify(); err != nil {
		return err
	}
	h.cur = nil
	h.ch.complete(p, false)
	return nil
}

// cancel always desynchronizes: the request may be partly written and
// its response cannot be skipped reliably.
func (h *h1Handler) cancel(p *pair) bool {
	if h.cur == p {
		h.cur = nil
	}
	return true
}
