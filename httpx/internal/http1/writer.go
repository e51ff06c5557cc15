package http1

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RequestHead is a request line and header section ready for the wire.
type RequestHead struct {
	Method string
	Target string
	Fields []Field
}

// AppendRequestHead serializes h as an HTTP/1.1 request head.
func AppendRequestHead(dst []byte, h *RequestHead) []byte {
	dst = append(dst, h.Method...)
	dst = append(dst, ' ')
	dst = append(dst, h.Target...)
	dst = append(dst, " HTTP/1.1\r\n"...)
	for _, f := range h.Fields {
		dst = append(dst, f.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, f.Value...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

// AppendChunk frames p as one chunk. An empty p is skipped since it
// would read as the terminator.
func AppendChunk(dst, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}
	dst = strconv.AppendUint(dst, uint64(len(p)), 16)
	dst = append(dst, "\r\n"...)
	dst = append(dst, p...)
	return append(dst, "\r\n"...)
}

// WriteChunked writes one chunk for chunked transfer encoding.
func WriteChunked(w io.Writer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := w.Write(AppendChunk(nil, p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EndChunked writes the terminating zero-length chunk.
func EndChunked(w io.Writer) error {
	_, err := io.WriteString(w, "0\r\n\r\n")
	return err
}

// WriteContinue writes an interim 100 Continue response.
func WriteContinue(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 100 Continue\r\n\r\n")
	return err
}

// StartResponse writes the status line and headers, including
// Connection and optional Transfer-Encoding: chunked. It does not
// write any body bytes.
func StartResponse(bw *bufio.Writer, status int, reason string, fields []Field, chunked, keepAlive bool) error {
	if reason == "" {
		reason = StatusText(status)
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, reason); err != nil {
		return err
	}
	if chunked {
		if _, err := fmt.Fprint(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	for _, f := range fields {
		if strings.EqualFold(f.Name, "Connection") || (chunked && strings.EqualFold(f.Name, "Content-Length")) {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", f.Name, sanitizeHeaderValue(f.Value)); err != nil {
			return err
		}
	}
	conn := "keep-alive"
	if !keepAlive {
		conn = "close"
	}
	_, err := fmt.Fprintf(bw, "Connection: %s\r\n\r\n", conn)
	return err
}

// WriteResponse writes a complete response with a Content-Length body.
func WriteResponse(bw *bufio.Writer, status int, reason string, fields []Field, body []byte, keepAlive bool) error {
	if !BodylessStatus(status) {
		fields = append(fields[:len(fields):len(fields)], Field{Name: "Content-Length", Value: strconv.Itoa(len(body))})
	}
	if err := StartResponse(bw, status, reason, fields, false, keepAlive); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := bw.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// StatusText returns the standard reason phrase for code.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 303:
		return "See Other"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 407:
		return "Proxy Authentication Required"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return ""
	}
}

func sanitizeHeaderValue(v string) string {
	if v == "" {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f {
			continue
		}
		if c < 0x20 && c != '\t' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
