package httpx

import (
	"errors"
	"fmt"
)

// Kind classifies why a reply failed.
type Kind int

const (
	KindUnknown Kind = iota
	// KindQueuing: the request never reached a server and may be resent.
	KindQueuing
	KindTransport
	KindProtocol
	KindAuthentication
	KindRedirect
	KindAborted
)

var (
	ErrQueuing        = errors.New("httpx: queuing failure")
	ErrTransport      = errors.New("httpx: transport failure")
	ErrProtocol       = errors.New("httpx: protocol failure")
	ErrAuthentication = errors.New("httpx: authentication failure")
	ErrRedirect       = errors.New("httpx: redirect failure")
	ErrAborted        = errors.New("httpx: aborted")

	ErrManagerClosed = errors.New("httpx: manager closed")
	ErrBodyNotReplay = errors.New("httpx: request body cannot be replayed")
	ErrUnsolicited   = errors.New("httpx: unsolicited response bytes")
	ErrWrongOrigin   = errors.New("httpx: request does not target this manager's origin")
)

func (k Kind) String() string {
	switch k {
	case KindQueuing:
		return "queuing"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindRedirect:
		return "redirect"
	case KindAborted:
		return "aborted"
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case KindQueuing:
		return ErrQueuing
	case KindTransport:
		return ErrTransport
	case KindProtocol:
		return ErrProtocol
	case KindAuthentication:
		return ErrAuthentication
	case KindRedirect:
		return ErrRedirect
	case KindAborted:
		return ErrAborted
	}
	return nil
}

// Error is the terminal failure of a reply.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("httpx: %s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("httpx: %s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind, so callers can write
// errors.Is(err, httpx.ErrTransport).
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
