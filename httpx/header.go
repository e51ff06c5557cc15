package httpx

import (
	"io"
	"strings"
)

// HeaderField is one name/value pair. Name keeps the caller's spelling.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered list of fields. Duplicate names are allowed and
// lookups are case-insensitive.
type Header []HeaderField

func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Set replaces the first field named name in place and drops the rest,
// or appends when there is none.
func (h *Header) Set(name, value string) {
	out := (*h)[:0]
	set := false
	for _, f := range *h {
		if strings.EqualFold(f.Name, name) {
			if set {
				continue
			}
			f.Value = value
			set = true
		}
		out = append(out, f)
	}
	if !set {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

func (h *Header) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return append(Header(nil), h...)
}

// HeaderedMessage is the surface shared by requests and replies.
type HeaderedMessage interface {
	HeaderList() Header
	SetHeader(name, value string)
	BodyReader() io.Reader
}

var (
	_ HeaderedMessage = (*Request)(nil)
	_ HeaderedMessage = (*Reply)(nil)
)
