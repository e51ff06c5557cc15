package httpx

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"dqx0.com/go/httpengine/httpx/internal/http1"
	"dqx0.com/go/httpengine/internal/obs"
)

// ChannelState is the lifecycle of one connection slot.
type ChannelState int

const (
	ChannelUnconnected ChannelState = iota
	ChannelConnecting
	ChannelHandshaking
	ChannelIdle
	ChannelBusy
	ChannelClosing
	ChannelBroken
)

func (s ChannelState) String() string {
	switch s {
	case ChannelUnconnected:
		return "unconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelHandshaking:
		return "handshaking"
	case ChannelIdle:
		return "idle"
	case ChannelBusy:
		return "busy"
	case ChannelClosing:
		return "closing"
	case ChannelBroken:
		return "broken"
	}
	return "unknown"
}

var errConnClosing = errors.New("httpx: connection closed by peer")

// protocolHandler speaks one wire protocol on a connected channel. All
// methods run on the engine goroutine.
type protocolHandler interface {
	multiplexed() bool
	start()
	send(p *pair)
	canAccept(p *pair) bool
	feed(b []byte) error
	// eof reports whether the pending response could be completed by
	// the connection closing.
	eof() error
	// cancel drops p from the wire. It reports true when the
	// connection can no longer be trusted.
	cancel(p *pair) bool
	shutdown()
}

// channel is one connection slot of a Manager. Only the engine
// goroutine touches it; the reader, writer and dialer goroutines post
// events tagged with gen so events from a torn-down connection are
// dropped.
type channel struct {
	m     *Manager
	index int
	log   *zap.Logger

	state      ChannelState
	gen        uint64
	cancelDial context.CancelFunc
	conn       net.Conn
	w          *connWriter
	h          protocolHandler
	proto      string

	// pipeline holds in-flight pairs in wire order.
	pipeline   []*pair
	pipelining bool
	closeAfter bool

	idle    *time.Timer
	idleSeq uint64
	served  int
}

func newChannel(m *Manager, index int) *channel {
	return &channel{m: m, index: index, log: m.log.With(zap.Int("channel", index))}
}

func (ch *channel) connected() bool {
	return ch.h != nil && (ch.state == ChannelIdle || ch.state == ChannelBusy)
}

func (ch *channel) assign(p *pair) {
	p.ch = ch
	ch.pipeline = append(ch.pipeline, p)
	if !ch.connected() {
		if ch.state == ChannelUnconnected || ch.state == ChannelBroken {
			ch.connect()
		}
		return
	}
	if !ch.h.multiplexed() && len(ch.pipeline) > 1 {
		for _, q := range ch.pipeline {
			q.pipelined = true
		}
	}
	ch.stopIdle()
	ch.state = ChannelBusy
	ch.h.send(p)
}

func (ch *channel) remove(p *pair) {
	for i, q := range ch.pipeline {
		if q == p {
			ch.pipeline = append(ch.pipeline[:i], ch.pipeline[i+1:]...)
			return
		}
	}
}

func (ch *channel) connect() {
	m := ch.m
	ch.gen++
	gen := ch.gen
	ch.state = ChannelConnecting
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	ch.cancelDial = cancel
	plan := m.dialPlan(ch.pipeline)
	ch.log.Debug("connecting", zap.String("addr", plan.addr()))
	go func() {
		defer cancel()
		res := plan.run(ctx, func() { m.post(func() { ch.onHandshaking(gen) }) })
		if !m.post(func() { ch.onDialed(gen, res) }) && res.conn != nil {
			_ = res.conn.Close()
		}
	}()
}

func (ch *channel) onHandshaking(gen uint64) {
	if gen == ch.gen && ch.state == ChannelConnecting {
		ch.state = ChannelHandshaking
	}
}

func (ch *channel) onDialed(gen uint64, res dialResult) {
	if gen != ch.gen {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	ch.cancelDial = nil
	m := ch.m
	if res.err != nil {
		m.connectFailed(ch, res.err)
		return
	}
	m.connected(res.family)

	ch.conn = res.conn
	ch.proto = res.proto
	ch.closeAfter = false
	ch.served = 0
	ch.w = newConnWriter(res.conn, func(err error) {
		m.post(func() { ch.onWriteError(gen, err) })
	})
	if res.proto == "h2" {
		ch.h = newH2Handler(ch)
		m.multiplexed = true
	} else {
		ch.h = newH1Handler(ch)
		ch.pipelining = m.cfg.Pipelining
	}
	go ch.readLoop(gen, res.conn)
	go ch.w.run()
	ch.h.start()

	m.meter.Counter("connections_total", 1, obs.Label{Key: "protocol", Value: res.proto})
	ch.log.Info("connected", zap.String("protocol", res.proto), zap.String("remote", res.conn.RemoteAddr().String()))

	if len(ch.pipeline) == 0 {
		ch.state = ChannelIdle
		ch.startIdle()
	} else {
		ch.state = ChannelBusy
		for _, p := range ch.pipeline {
			ch.h.send(p)
		}
	}
	m.dispatch()
}

func (ch *channel) readLoop(gen uint64, conn net.Conn) {
	m := ch.m
	buf := make([]byte, 32<<10)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b := append([]byte(nil), buf[:n]...)
			if !m.post(func() { ch.onReadable(gen, b) }) {
				return
			}
		}
		if err != nil {
			m.post(func() { ch.onReadError(gen, err) })
			return
		}
	}
}

func (ch *channel) onReadable(gen uint64, b []byte) {
	if gen != ch.gen || ch.h == nil {
		return
	}
	if err := ch.h.feed(b); err != nil && gen == ch.gen {
		ch.fail(KindProtocol, err)
	}
}

func (ch *channel) onReadError(gen uint64, err error) {
	if gen != ch.gen || ch.h == nil {
		return
	}
	if !errors.Is(err, io.EOF) {
		ch.fail(KindTransport, err)
		return
	}
	if eerr := ch.h.eof(); eerr != nil {
		ch.fail(KindTransport, eerr)
		return
	}
	if gen != ch.gen {
		return
	}
	if len(ch.pipeline) == 0 {
		ch.log.Debug("connection closed by peer")
		ch.teardown(ChannelUnconnected)
		return
	}
	ch.fail(KindTransport, errConnClosing)
}

func (ch *channel) onWriteError(gen uint64, err error) {
	if gen != ch.gen {
		return
	}
	ch.fail(KindTransport, err)
}

// fail drops the connection. Pairs that may safely be sent again are
// requeued in their original order; the rest fail with kind.
func (ch *channel) fail(kind Kind, err error) {
	pairs := ch.pipeline
	ch.pipeline = nil
	ch.teardown(ChannelBroken)
	ch.log.Warn("connection failed", zap.Stringer("kind", kind), zap.Int("in_flight", len(pairs)), zap.Error(err))
	for i := len(pairs) - 1; i >= 0; i-- {
		pairs[i].ch = nil
		ch.m.failOrRetry(pairs[i], kind, err)
	}
	ch.m.dispatch()
}

func (ch *channel) teardown(state ChannelState) {
	ch.gen++
	if ch.cancelDial != nil {
		ch.cancelDial()
		ch.cancelDial = nil
	}
	ch.stopIdle()
	if ch.h != nil {
		ch.h.shutdown()
		ch.h = nil
	}
	if ch.w != nil {
		ch.w.stop()
		ch.w = nil
	}
	if ch.conn != nil {
		_ = ch.conn.Close()
		ch.conn = nil
	}
	ch.state = state
	ch.proto = ""
	ch.pipelining = false
	ch.closeAfter = false
}

// complete releases p after its response was fully received.
func (ch *channel) complete(p *pair, keepAlive bool) {
	m := ch.m
	ch.remove(p)
	p.ch = nil
	ch.served++
	if !ch.h.multiplexed() {
		if !keepAlive {
			ch.closeAfter = true
		}
		ch.detectPipelining(p, keepAlive)
	}
	switch {
	case ch.closeAfter && (len(ch.pipeline) == 0 || !ch.h.multiplexed()):
		rest := ch.pipeline
		ch.pipeline = nil
		ch.teardown(ChannelUnconnected)
		for i := len(rest) - 1; i >= 0; i-- {
			rest[i].ch = nil
			m.failOrRetry(rest[i], KindTransport, errConnClosing)
		}
	case len(ch.pipeline) == 0:
		ch.state = ChannelIdle
		ch.startIdle()
	}
	m.onComplete(p)
	m.dispatch()
}

// detectPipelining turns pipelining off for servers that cannot be
// trusted with it.
func (ch *channel) detectPipelining(p *pair, keepAlive bool) {
	if !ch.pipelining || p.head == nil {
		return
	}
	h := p.head
	if keepAlive && h.Major == 1 && h.Minor >= 1 && !pipelineBlacklisted(h.Get("Server")) {
		return
	}
	ch.pipelining = false
	ch.log.Debug("pipelining disabled", zap.String("server", h.Get("Server")), zap.String("proto", h.Proto))
}

func pipelineBlacklisted(server string) bool {
	switch {
	case strings.HasPrefix(server, "Microsoft-IIS/4."),
		strings.HasPrefix(server, "Microsoft-IIS/5."),
		strings.HasPrefix(server, "Netscape-Enterprise/3."),
		strings.HasPrefix(server, "Rocket"),
		strings.Contains(server, "WebLogic"):
		return true
	}
	return false
}

// abort removes p from this channel and finishes it with err.
func (ch *channel) abort(p *pair, err error) {
	desync := ch.h != nil && ch.h.cancel(p)
	ch.remove(p)
	p.ch = nil
	ch.m.finish(p, err)
	switch {
	case ch.h == nil:
		if len(ch.pipeline) == 0 {
			ch.teardown(ChannelUnconnected)
		}
	case desync:
		ch.fail(KindTransport, errors.New("httpx: request aborted mid-transfer"))
	default:
		ch.settle()
	}
}

// settle marks a connected channel idle once nothing is in flight.
func (ch *channel) settle() {
	if ch.state == ChannelBusy && len(ch.pipeline) == 0 {
		if ch.closeAfter {
			ch.teardown(ChannelUnconnected)
			return
		}
		ch.state = ChannelIdle
		ch.startIdle()
	}
}

func (ch *channel) startIdle() {
	ch.stopIdle()
	gen, seq := ch.gen, ch.idleSeq
	m := ch.m
	ch.idle = time.AfterFunc(m.cfg.IdleTimeout, func() {
		m.post(func() { ch.onIdleTimeout(gen, seq) })
	})
}

func (ch *channel) stopIdle() {
	if ch.idle != nil {
		ch.idle.Stop()
		ch.idle = nil
	}
	ch.idleSeq++
}

func (ch *channel) onIdleTimeout(gen, seq uint64) {
	if gen != ch.gen || seq != ch.idleSeq || ch.state != ChannelIdle {
		return
	}
	ch.log.Debug("closing idle connection", zap.Int("served", ch.served))
	ch.teardown(ChannelUnconnected)
}

// pairSink routes parser callbacks for one pair to the manager.
type pairSink struct {
	m *Manager
	p *pair
}

func (s pairSink) OnHead(h *http1.Head) error {
	s.m.onHead(s.p, h)
	return nil
}

func (s pairSink) OnBody(b []byte) error {
	s.m.onBody(s.p, b)
	return nil
}
