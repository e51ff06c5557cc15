package http1

import "errors"

var (
	ErrMalformedStatus  = errors.New("http1: malformed status line")
	ErrMalformedHeader  = errors.New("http1: malformed header field")
	ErrHeaderTooLarge   = errors.New("http1: header section too large")
	ErrChunkFormat      = errors.New("http1: invalid chunk format")
	ErrContentLength    = errors.New("http1: invalid content-length")
	ErrFramingConflict  = errors.New("http1: both content-length and transfer-encoding present")
	ErrMalformedRequest = errors.New("http1: malformed request line")
)
