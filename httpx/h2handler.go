package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"dqx0.com/go/httpengine/httpx/internal/http1"
)

const (
	h2StreamWindow = 1 << 20
	h2ConnWindow   = 4 << 20
	h2DefaultFrame = 16 << 10
	h2DefaultWin   = 65535
)

var (
	errStreamRefused = errors.New("httpx: stream refused by peer")
	errGoAway        = errors.New("httpx: connection going away")
)

// h2Handler speaks HTTP/2 over one connection. Frames are decoded on
// the engine goroutine from bytes the reader posted; frames are written
// by the connection writer. Request bodies are sent by one goroutine per
// stream that waits on flow control.
type h2Handler struct {
	ch  *channel
	in  bytes.Buffer
	rfr *http2.Framer
	// wfr is used from the writer goroutine only.
	wfr *http2.Framer

	enc    *hpack.Encoder
	encBuf bytes.Buffer

	streams        map[uint32]*pair
	nextID         uint32
	peerMaxStreams uint32
	goaway         bool
	flow           *h2Flow
}

func newH2Handler(ch *channel) *h2Handler {
	h := &h2Handler{
		ch:             ch,
		streams:        make(map[uint32]*pair),
		nextID:         1,
		peerMaxStreams: 100,
		flow:           newH2Flow(),
	}
	h.rfr = http2.NewFramer(nil, &h.in)
	h.rfr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	h.rfr.MaxHeaderListSize = uint32(ch.m.cfg.MaxHeaderBytes)
	h.wfr = http2.NewFramer(ch.w.bw, nil)
	h.enc = hpack.NewEncoder(&h.encBuf)
	return h
}

func (h *h2Handler) multiplexed() bool { return true }

func (h *h2Handler) start() {
	wfr := h.wfr
	maxHeader := uint32(h.ch.m.cfg.MaxHeaderBytes)
	h.ch.w.enqueue(func(bw *bufio.Writer) error {
		if _, err := bw.WriteString(http2.ClientPreface); err != nil {
			return err
		}
		err := wfr.WriteSettings(
			http2.Setting{ID: http2.SettingEnablePush, Val: 0},
			http2.Setting{ID: http2.SettingInitialWindowSize, Val: h2StreamWindow},
			http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: maxHeader},
		)
		if err != nil {
			return err
		}
		return wfr.WriteWindowUpdate(0, h2ConnWindow-h2DefaultWin)
	})
}

func (h *h2Handler) write(j writeJob) {
	if h.ch.w != nil {
		h.ch.w.enqueue(j)
	}
}

func (h *h2Handler) canAccept(p *pair) bool {
	limit := h.peerMaxStreams
	if n := uint32(h.ch.m.cfg.MaxConcurrentStreams); n < limit {
		limit = n
	}
	return !h.goaway && !h.ch.closeAfter && uint32(len(h.streams)) < limit && h.nextID < 1<<31-1
}

func (h *h2Handler) send(p *pair) {
	id := h.nextID
	h.nextID += 2
	p.streamID = id
	h.streams[id] = p
	h.flow.open(id)

	block := h.encodeHeaders(p)
	endStream := p.body == nil
	maxFrame := h.flow.frameSize()
	att, wfr := p.att, h.wfr
	h.write(func(*bufio.Writer) error {
		att.bytesWritten.Add(int64(len(block)))
		rest := block
		for first := true; first || len(rest) > 0; first = false {
			frag := rest
			if len(frag) > maxFrame {
				frag = frag[:maxFrame]
			}
			rest = rest[len(frag):]
			var err error
			if first {
				err = wfr.WriteHeaders(http2.HeadersFrameParam{
					StreamID:      id,
					BlockFragment: frag,
					EndStream:     endStream,
					EndHeaders:    len(rest) == 0,
				})
			} else {
				err = wfr.WriteContinuation(id, len(rest) == 0, frag)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if !endStream {
		go h.sendBody(p, id, h.ch, h.ch.w, h.ch.gen)
	}
}

// sendBody streams the request body as DATA frames within the peer's
// flow-control windows.
// ch, w and gen are captured on the engine goroutine.
func (h *h2Handler) sendBody(p *pair, id uint32, ch *channel, w *connWriter, gen uint64) {
	m, wfr, flow, att, body := ch.m, h.wfr, h.flow, p.att, p.body
	att.bodyRead.Add(1)
	for {
		buf := make([]byte, h2DefaultFrame)
		n, rerr := body.Read(buf)
		att.bodyRead.Add(int64(n))
		data := buf[:n]
		for len(data) > 0 {
			k := flow.take(id, len(data))
			if k == 0 {
				return
			}
			chunk := data[:k]
			data = data[k:]
			end := rerr == io.EOF && len(data) == 0
			w.enqueue(func(*bufio.Writer) error {
				att.bytesWritten.Add(int64(len(chunk)))
				return wfr.WriteData(id, end, chunk)
			})
		}
		switch {
		case rerr == io.EOF:
			if n == 0 {
				w.enqueue(func(*bufio.Writer) error { return wfr.WriteData(id, true, nil) })
			}
			return
		case rerr != nil:
			m.post(func() {
				if gen == ch.gen && p.ch == ch && !p.done {
					ch.abort(p, newError(KindTransport, "body", rerr))
				}
			})
			return
		}
	}
}

// encodeHeaders renders the request as an HPACK block.
func (h *h2Handler) encodeHeaders(p *pair) []byte {
	m := h.ch.m
	rh := m.requestHead(p, true)
	authority := m.id.Authority()
	for _, f := range rh.Fields {
		if strings.EqualFold(f.Name, "Host") {
			authority = f.Value
		}
	}
	h.encBuf.Reset()
	h.writeField(":method", rh.Method)
	h.writeField(":scheme", m.id.Scheme)
	h.writeField(":authority", authority)
	h.writeField(":path", rh.Target)
	for _, f := range rh.Fields {
		name := strings.ToLower(f.Name)
		switch name {
		case "host", "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		case "te":
			if !strings.EqualFold(f.Value, "trailers") {
				continue
			}
		}
		h.writeField(name, f.Value)
	}
	return append([]byte(nil), h.encBuf.Bytes()...)
}

func (h *h2Handler) writeField(name, value string) {
	_ = h.enc.WriteField(hpack.HeaderField{Name: name, Value: value})
}

func (h *h2Handler) feed(b []byte) error {
	h.in.Write(b)
	for h2FrameReady(h.in.Bytes()) {
		if h.ch.h != h {
			return nil
		}
		f, err := h.rfr.ReadFrame()
		if err != nil {
			return err
		}
		if err := h.process(f); err != nil {
			return err
		}
	}
	return nil
}

// h2FrameReady reports whether b holds a complete frame, including the
// CONTINUATION frames of a header block.
func h2FrameReady(b []byte) bool {
	for {
		if len(b) < 9 {
			return false
		}
		n := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
		if len(b) < 9+n {
			return false
		}
		typ, flags := http2.FrameType(b[3]), http2.Flags(b[4])
		b = b[9+n:]
		switch typ {
		case http2.FrameHeaders, http2.FramePushPromise, http2.FrameContinuation:
			if flags&http2.FlagHeadersEndHeaders == 0 {
				continue
			}
		}
		return true
	}
}

func (h *h2Handler) process(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		err := f.ForeachSetting(func(s http2.Setting) error {
			switch s.ID {
			case http2.SettingMaxConcurrentStreams:
				h.peerMaxStreams = s.Val
			case http2.SettingInitialWindowSize:
				h.flow.setInitial(int64(s.Val))
			case http2.SettingMaxFrameSize:
				h.flow.setFrameSize(int(s.Val))
			case http2.SettingHeaderTableSize:
				h.enc.SetMaxDynamicTableSizeLimit(s.Val)
			}
			return nil
		})
		if err != nil {
			return err
		}
		wfr := h.wfr
		h.write(func(*bufio.Writer) error { return wfr.WriteSettingsAck() })
		h.ch.m.dispatch()
	case *http2.PingFrame:
		if !f.IsAck() {
			wfr, data := h.wfr, f.Data
			h.write(func(*bufio.Writer) error { return wfr.WritePing(true, data) })
		}
	case *http2.GoAwayFrame:
		h.goAway(f.LastStreamID, f.ErrCode)
	case *http2.WindowUpdateFrame:
		h.flow.add(f.StreamID, int64(f.Increment))
	case *http2.MetaHeadersFrame:
		return h.onHeaders(f)
	case *http2.DataFrame:
		h.onData(f)
	case *http2.RSTStreamFrame:
		h.onReset(f.StreamID, f.ErrCode)
	case *http2.PushPromiseFrame:
		return fmt.Errorf("httpx: unexpected PUSH_PROMISE on stream %d", f.StreamID)
	}
	return nil
}

func (h *h2Handler) onHeaders(f *http2.MetaHeadersFrame) error {
	p := h.streams[f.StreamID]
	if p == nil {
		return nil
	}
	if p.head != nil {
		// trailers
		if f.StreamEnded() {
			h.finishStream(p)
		}
		return nil
	}
	status, err := strconv.Atoi(f.PseudoValue("status"))
	if err != nil {
		return fmt.Errorf("httpx: bad :status on stream %d", f.StreamID)
	}
	if status >= 100 && status < 200 {
		return nil
	}
	p.responseStarted = true
	head := &http1.Head{
		Proto:         "HTTP/2.0",
		Major:         2,
		StatusCode:    status,
		Reason:        http1.StatusText(status),
		ContentLength: -1,
		KeepAlive:     true,
		Framing:       http1.FramingUntilClose,
	}
	var lengths []string
	for _, hf := range f.RegularFields() {
		head.Fields = append(head.Fields, http1.Field{Name: hf.Name, Value: hf.Value})
		if hf.Name == "content-length" {
			lengths = append(lengths, hf.Value)
		}
	}
	switch {
	case p.req.Method == "HEAD" || http1.BodylessStatus(status):
		head.Framing = http1.FramingNone
		head.ContentLength = 0
	case len(lengths) > 0:
		n, err := http1.ParseContentLength(lengths)
		if err != nil {
			return err
		}
		head.ContentLength = n
		head.Framing = http1.FramingLength
		if n == 0 {
			head.Framing = http1.FramingNone
		}
	}
	h.ch.m.onHead(p, head)
	if f.StreamEnded() {
		h.finishStream(p)
	}
	return nil
}

func (h *h2Handler) onData(f *http2.DataFrame) {
	id := f.StreamID
	p := h.streams[id]
	if n := f.Length; n > 0 {
		wfr := h.wfr
		streamOpen := p != nil && !f.StreamEnded()
		h.write(func(*bufio.Writer) error {
			if err := wfr.WriteWindowUpdate(0, n); err != nil {
				return err
			}
			if streamOpen {
				return wfr.WriteWindowUpdate(id, n)
			}
			return nil
		})
	}
	if p == nil {
		return
	}
	if data := f.Data(); len(data) > 0 {
		h.ch.m.onBody(p, data)
	}
	if f.StreamEnded() {
		h.finishStream(p)
	}
}

func (h *h2Handler) finishStream(p *pair) {
	delete(h.streams, p.streamID)
	h.flow.close(p.streamID)
	h.ch.complete(p, true)
}

func (h *h2Handler) onReset(id uint32, code http2.ErrCode) {
	p := h.streams[id]
	if p == nil {
		return
	}
	delete(h.streams, id)
	h.flow.close(id)
	ch, m := h.ch, h.ch.m
	ch.remove(p)
	p.ch = nil
	if code == http2.ErrCodeRefusedStream {
		m.retryUnprocessed(p, errStreamRefused)
	} else {
		m.failOrRetry(p, KindTransport, http2.StreamError{StreamID: id, Code: code})
	}
	ch.settle()
	m.dispatch()
}

// goAway requeues the streams the peer never processed and retires the
// connection once the rest finish.
func (h *h2Handler) goAway(last uint32, code http2.ErrCode) {
	h.goaway = true
	ch, m := h.ch, h.ch.m
	ch.closeAfter = true
	ch.log.Info("peer sent GOAWAY")
	var unprocessed []*pair
	for id, p := range h.streams {
		if id > last {
			unprocessed = append(unprocessed, p)
		}
	}
	slices.SortFunc(unprocessed, func(a, b *pair) int { return int(a.streamID) - int(b.streamID) })
	for i := len(unprocessed) - 1; i >= 0; i-- {
		p := unprocessed[i]
		delete(h.streams, p.streamID)
		h.flow.close(p.streamID)
		ch.remove(p)
		p.ch = nil
		m.retryUnprocessed(p, fmt.Errorf("%w: %v", errGoAway, code))
	}
	if len(ch.pipeline) == 0 {
		ch.teardown(ChannelUnconnected)
	}
	m.dispatch()
}

func (h *h2Handler) eof() error { return nil }

func (h *h2Handler) cancel(p *pair) bool {
	id := p.streamID
	if _, ok := h.streams[id]; !ok {
		return false
	}
	delete(h.streams, id)
	h.flow.close(id)
	wfr := h.wfr
	h.write(func(*bufio.Writer) error { return wfr.WriteRSTStream(id, http2.ErrCodeCancel) })
	return false
}

func (h *h2Handler) shutdown() { h.flow.shutdown() }

// h2Flow tracks the peer's send windows. Body goroutines block in take
// until window is available.
type h2Flow struct {
	mu       sync.Mutex
	cond     *sync.Cond
	conn     int64
	initial  int64
	streams  map[uint32]int64
	maxFrame int
	closed   bool
}

func newH2Flow() *h2Flow {
	f := &h2Flow{
		conn:     h2DefaultWin,
		initial:  h2DefaultWin,
		streams:  make(map[uint32]int64),
		maxFrame: h2DefaultFrame,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *h2Flow) open(id uint32) {
	f.mu.Lock()
	f.streams[id] = f.initial
	f.mu.Unlock()
}

func (f *h2Flow) close(id uint32) {
	f.mu.Lock()
	delete(f.streams, id)
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *h2Flow) shutdown() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *h2Flow) add(id uint32, n int64) {
	f.mu.Lock()
	if id == 0 {
		f.conn += n
	} else if w, ok := f.streams[id]; ok {
		f.streams[id] = w + n
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *h2Flow) setInitial(v int64) {
	f.mu.Lock()
	delta := v - f.initial
	f.initial = v
	for id, w := range f.streams {
		f.streams[id] = w + delta
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *h2Flow) setFrameSize(n int) {
	f.mu.Lock()
	f.maxFrame = n
	f.mu.Unlock()
}

func (f *h2Flow) frameSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFrame
}

// take blocks until it may send up to want bytes on stream id. It
// returns 0 once the stream or connection is gone.
func (f *h2Flow) take(id uint32, want int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.closed {
			return 0
		}
		w, ok := f.streams[id]
		if !ok {
			return 0
		}
		n := int64(min(want, f.maxFrame))
		n = min(n, w, f.conn)
		if n > 0 {
			f.streams[id] -= n
			f.conn -= n
			return int(n)
		}
		f.cond.Wait()
	}
}
