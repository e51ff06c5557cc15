package http1

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultMaxHeaderBytes bounds the status line plus header section.
const DefaultMaxHeaderBytes = 64 << 10

// State is the position of a ResponseParser inside one response.
type State int

const (
	StateIdle State = iota
	StateStatusLine
	StateHeaders
	StateBody
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStatusLine:
		return "status-line"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateDone:
		return "done"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Sink receives parse events. OnBody slices alias the fed buffer and
// must be copied if retained.
type Sink interface {
	OnHead(h *Head) error
	OnBody(p []byte) error
}

// ResponseParser is an incremental HTTP/1.x response decoder. Bytes are
// pushed with Feed as they arrive; the parser never reads on its own.
type ResponseParser struct {
	MaxHeaderBytes int

	headRequest   bool
	state         State
	line          []byte
	headerBytes   int
	head          Head
	remaining     int64
	chunks        chunkDecoder
	informational int
}

// Reset prepares the parser for the response to the next request.
func (p *ResponseParser) Reset(headRequest bool) {
	*p = ResponseParser{
		MaxHeaderBytes: p.MaxHeaderBytes,
		headRequest:    headRequest,
		line:           p.line[:0],
	}
}

func (p *ResponseParser) State() State { return p.state }

// Head returns the final response head once StateBody or StateDone is reached.
func (p *ResponseParser) Head() *Head { return &p.head }

// Trailers returns trailer fields of a chunked body.
func (p *ResponseParser) Trailers() []Field { return p.chunks.trailers }

// Informational counts skipped 1xx responses.
func (p *ResponseParser) Informational() int { return p.informational }

func (p *ResponseParser) maxHeader() int {
	if p.MaxHeaderBytes > 0 {
		return p.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

// Feed consumes bytes of the response and reports how many were used.
// Once StateDone is reached the remainder of b belongs to the next
// response and is left unconsumed.
func (p *ResponseParser) Feed(b []byte, s Sink) (int, error) {
	consumed := 0
	for len(b) > 0 && p.state != StateDone {
		switch p.state {
		case StateIdle, StateStatusLine, StateHeaders:
			if p.state == StateIdle {
				p.state = StateStatusLine
			}
			line, n, ok, err := p.takeLine(b)
			consumed += n
			b = b[n:]
			if err != nil {
				return consumed, err
			}
			if !ok {
				continue
			}
			if err := p.headLine(line, s); err != nil {
				return consumed, err
			}
		case StateBody:
			n, err := p.body(b, s)
			consumed += n
			b = b[n:]
			if err != nil {
				return consumed, err
			}
		}
	}
	return consumed, nil
}

// CloseNotify tells the parser the transport reached end of stream.
// It completes a close-delimited body and reports a truncated response
// otherwise.
func (p *ResponseParser) CloseNotify() error {
	switch {
	case p.state == StateDone:
		return nil
	case p.state == StateBody && p.head.Framing == FramingUntilClose:
		p.state = StateDone
		return nil
	}
	return io.ErrUnexpectedEOF
}

func (p *ResponseParser) takeLine(b []byte) ([]byte, int, bool, error) {
	i := bytes.IndexByte(b, '\n')
	n := len(b)
	if i >= 0 {
		n = i + 1
	}
	p.headerBytes += n
	if p.headerBytes > p.maxHeader() {
		return nil, n, false, ErrHeaderTooLarge
	}
	if i < 0 {
		p.line = append(p.line, b...)
		return nil, n, false, nil
	}
	p.line = append(p.line, b[:i]...)
	line := bytes.TrimSuffix(p.line, []byte{'\r'})
	p.line = p.line[:0]
	return line, n, true, nil
}

func (p *ResponseParser) headLine(line []byte, s Sink) error {
	if p.state == StateStatusLine {
		if len(line) == 0 {
			return nil
		}
		if err := p.statusLine(string(line)); err != nil {
			return err
		}
		p.state = StateHeaders
		return nil
	}
	if len(line) == 0 {
		return p.endOfHead(s)
	}
	if line[0] == ' ' || line[0] == '\t' {
		if len(p.head.Fields) == 0 {
			return ErrMalformedHeader
		}
		last := &p.head.Fields[len(p.head.Fields)-1]
		last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(string(line)))
		return nil
	}
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return ErrMalformedHeader
	}
	name := string(line[:i])
	if !httpguts.ValidHeaderFieldName(name) {
		return ErrMalformedHeader
	}
	p.head.Fields = append(p.head.Fields, Field{Name: name, Value: strings.Trim(string(line[i+1:]), " \t")})
	return nil
}

func (p *ResponseParser) statusLine(line string) error {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return ErrMalformedStatus
	}
	major, minor, ok := parseVersion(proto)
	if !ok {
		return ErrMalformedStatus
	}
	rest = strings.TrimLeft(rest, " ")
	code, reason, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return ErrMalformedStatus
	}
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 {
		return ErrMalformedStatus
	}
	p.head = Head{
		Proto:      proto,
		Major:      major,
		Minor:      minor,
		StatusCode: status,
		Reason:     strings.TrimSpace(reason),
	}
	return nil
}

func parseVersion(proto string) (int, int, bool) {
	v, ok := strings.CutPrefix(proto, "HTTP/")
	if !ok {
		return 0, 0, false
	}
	maj, min, ok := strings.Cut(v, ".")
	if !ok {
		return 0, 0, false
	}
	major, err := strconv.Atoi(maj)
	if err != nil || major < 0 {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(min)
	if err != nil || minor < 0 {
		return 0, 0, false
	}
	return major, minor, true
}

func (p *ResponseParser) endOfHead(s Sink) error {
	if p.head.StatusCode >= 100 && p.head.StatusCode < 200 && p.head.StatusCode != 101 {
		p.informational++
		p.head = Head{}
		p.headerBytes = 0
		p.state = StateStatusLine
		return nil
	}
	p.head.decideKeepAlive()
	if err := p.head.decideFraming(p.headRequest); err != nil {
		return err
	}
	if err := s.OnHead(&p.head); err != nil {
		return err
	}
	switch p.head.Framing {
	case FramingNone:
		p.state = StateDone
	case FramingLength:
		p.remaining = p.head.ContentLength
		p.state = StateBody
	case FramingChunked:
		p.chunks = chunkDecoder{maxLine: p.maxHeader()}
		p.state = StateBody
	default:
		p.state = StateBody
	}
	return nil
}

func (p *ResponseParser) body(b []byte, s Sink) (int, error) {
	switch p.head.Framing {
	case FramingLength:
		n := int64(len(b))
		if n > p.remaining {
			n = p.remaining
		}
		p.remaining -= n
		if p.remaining == 0 {
			p.state = StateDone
		}
		return int(n), s.OnBody(b[:n])
	case FramingChunked:
		n, err := p.chunks.feed(b, s.OnBody)
		if p.chunks.done() {
			p.state = StateDone
		}
		return n, err
	default:
		return len(b), s.OnBody(b)
	}
}
