package http1

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailer
	chunkEnd
)

// chunkDecoder is a push-driven Transfer-Encoding: chunked decoder.
// Chunk extensions are dropped and trailer fields are collected.
type chunkDecoder struct {
	state    chunkState
	remain   int64
	line     []byte
	maxLine  int
	trailers []Field
}

func (c *chunkDecoder) done() bool { return c.state == chunkEnd }

func (c *chunkDecoder) feed(b []byte, emit func([]byte) error) (int, error) {
	n := 0
	for n < len(b) && c.state != chunkEnd {
		switch c.state {
		case chunkSize, chunkTrailer:
			i := bytes.IndexByte(b[n:], '\n')
			if i < 0 {
				c.line = append(c.line, b[n:]...)
				n = len(b)
				if c.maxLine > 0 && len(c.line) > c.maxLine {
					return n, ErrChunkFormat
				}
				continue
			}
			c.line = append(c.line, b[n:n+i]...)
			n += i + 1
			line := bytes.TrimSuffix(c.line, []byte{'\r'})
			c.line = c.line[:0]
			if err := c.control(line); err != nil {
				return n, err
			}
		case chunkData:
			k := int64(len(b) - n)
			if k > c.remain {
				k = c.remain
			}
			c.remain -= k
			if c.remain == 0 {
				c.state = chunkDataCR
			}
			if err := emit(b[n : n+int(k)]); err != nil {
				return n + int(k), err
			}
			n += int(k)
		case chunkDataCR:
			if b[n] != '\r' {
				return n, ErrChunkFormat
			}
			c.state = chunkDataLF
			n++
		case chunkDataLF:
			if b[n] != '\n' {
				return n, ErrChunkFormat
			}
			c.state = chunkSize
			n++
		}
	}
	return n, nil
}

func (c *chunkDecoder) control(line []byte) error {
	if c.state == chunkSize {
		size, err := parseChunkSize(string(line))
		if err != nil {
			return err
		}
		if size == 0 {
			c.state = chunkTrailer
			return nil
		}
		c.remain = size
		c.state = chunkData
		return nil
	}
	if len(line) == 0 {
		c.state = chunkEnd
		return nil
	}
	name, value, ok := strings.Cut(string(line), ":")
	if !ok || !httpguts.ValidHeaderFieldName(name) {
		return ErrChunkFormat
	}
	c.trailers = append(c.trailers, Field{Name: name, Value: strings.Trim(value, " \t")})
	return nil
}

func parseChunkSize(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.Trim(line, " \t")
	if line == "" {
		return 0, ErrChunkFormat
	}
	n, err := strconv.ParseUint(line, 16, 63)
	if err != nil {
		return 0, ErrChunkFormat
	}
	return int64(n), nil
}

// chunkedBody adapts chunkDecoder to a pull-style reader over a
// buffered connection. It never consumes bytes past the final chunk.
type chunkedBody struct {
	br  *bufio.Reader
	dec chunkDecoder
	out []byte
}

func newChunkedBody(br *bufio.Reader, maxLine int) io.ReadCloser {
	return &chunkedBody{br: br, dec: chunkDecoder{maxLine: maxLine}}
}

func (c *chunkedBody) Read(p []byte) (int, error) {
	for len(c.out) == 0 {
		if c.dec.done() {
			return 0, io.EOF
		}
		if _, err := c.br.Peek(1); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		buf, _ := c.br.Peek(c.br.Buffered())
		n, err := c.dec.feed(buf, func(b []byte) error {
			c.out = append(c.out, b...)
			return nil
		})
		if _, derr := c.br.Discard(n); derr != nil {
			return 0, derr
		}
		if err != nil {
			return 0, err
		}
	}
	n := copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}

func (c *chunkedBody) Close() error {
	_, err := io.Copy(io.Discard, c)
	return err
}
