package http1

import (
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Field is one header line in wire order.
type Field struct {
	Name  string
	Value string
}

// Framing says how the body of a message is delimited.
type Framing int

const (
	FramingNone Framing = iota
	FramingLength
	FramingChunked
	FramingUntilClose
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingLength:
		return "length"
	case FramingChunked:
		return "chunked"
	case FramingUntilClose:
		return "until-close"
	}
	return "framing(" + strconv.Itoa(int(f)) + ")"
}

// Head is a parsed response status line plus header section.
type Head struct {
	Proto      string
	Major      int
	Minor      int
	StatusCode int
	Reason     string
	Fields     []Field

	Framing       Framing
	ContentLength int64 // -1 when not declared
	KeepAlive     bool
}

// Get returns the first value of name, compared case-insensitively.
func (h *Head) Get(name string) string {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value of name in wire order.
func (h *Head) Values(name string) []string {
	var out []string
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// BodylessStatus reports whether a response with this status never carries a body.
func BodylessStatus(code int) bool {
	return (code >= 100 && code < 200) || code == 204 || code == 304
}

// ParseContentLength folds every Content-Length value into one length.
// Repeated identical values are accepted, differing ones are not.
func ParseContentLength(values []string) (int64, error) {
	n := int64(-1)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			x, err := strconv.ParseInt(part, 10, 64)
			if err != nil || x < 0 {
				return -1, ErrContentLength
			}
			if n >= 0 && n != x {
				return -1, ErrContentLength
			}
			n = x
		}
	}
	return n, nil
}

func hasChunked(values []string) bool {
	for _, v := range values {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "chunked") {
				return true
			}
		}
	}
	return false
}

// decideFraming resolves body framing for a response head.
func (h *Head) decideFraming(headRequest bool) error {
	h.ContentLength = -1
	te := h.Values("Transfer-Encoding")
	cl := h.Values("Content-Length")
	if headRequest || BodylessStatus(h.StatusCode) {
		h.Framing = FramingNone
		if n, err := ParseContentLength(cl); err == nil {
			h.ContentLength = n
		}
		return nil
	}
	if len(cl) > 0 {
		n, err := ParseContentLength(cl)
		if err != nil {
			return err
		}
		h.ContentLength = n
		if n == 0 {
			h.Framing = FramingNone
		} else {
			h.Framing = FramingLength
		}
		// A length next to Transfer-Encoding wins, but the connection
		// is not reused after such a message.
		if len(te) > 0 {
			h.KeepAlive = false
		}
		return nil
	}
	if hasChunked(te) {
		h.Framing = FramingChunked
		return nil
	}
	h.Framing = FramingUntilClose
	h.KeepAlive = false
	return nil
}

func (h *Head) decideKeepAlive() {
	conn := h.Values("Connection")
	switch {
	case httpguts.HeaderValuesContainsToken(conn, "close"):
		h.KeepAlive = false
	case h.Major == 1 && h.Minor == 0:
		h.KeepAlive = httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	default:
		h.KeepAlive = h.Major >= 1
	}
}
