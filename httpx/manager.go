package httpx

import (
	"context"
	"crypto/tls"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"dqx0.com/go/httpengine/httpx/internal/http1"
	"dqx0.com/go/httpengine/internal/obs"
)

// Manager multiplexes requests for one Identity over a fixed set of
// channels. All scheduling state is owned by a single engine goroutine;
// callers and connection goroutines talk to it through an unbounded
// inbox, so Send never blocks.
type Manager struct {
	id        Identity
	cfg       Config
	log       *zap.Logger
	meter     obs.Meter
	tlsConfig *tls.Config

	mu      sync.Mutex
	inbox   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	// engine goroutine state
	channels    []*channel
	high, low   pairQueue
	waitingAuth map[*pair]struct{}
	auth        *authCache
	layer       netLayer
	reprobed    bool
	multiplexed bool
	seq         uint64
	closing     bool
}

// NewManager starts the engine for id.
func NewManager(id Identity, cfg Config) *Manager {
	cfg = cfg.normalized()
	m := &Manager{
		id:          id,
		cfg:         cfg,
		log:         cfg.Logger.Named("httpx").With(zap.String("origin", id.Key())),
		meter:       cfg.Meter,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		waitingAuth: make(map[*pair]struct{}),
		auth:        newAuthCache(),
	}
	m.tlsConfig = sharedTLSConfig(cfg, id)
	m.multiplexed = cfg.ForceMultiplexed && !cfg.DisableMultiplexing && !id.Secure()
	for i := 0; i < cfg.ChannelCount; i++ {
		m.channels = append(m.channels, newChannel(m, i))
	}
	go m.run()
	return m
}

// sharedTLSConfig is used by every channel of the manager so that TLS
// sessions resume across connections.
func sharedTLSConfig(cfg Config, id Identity) *tls.Config {
	tc := &tls.Config{}
	if cfg.TLSConfig != nil {
		tc = cfg.TLSConfig.Clone()
	}
	if tc.ServerName == "" {
		tc.ServerName = id.Host
	}
	if len(tc.NextProtos) == 0 {
		tc.NextProtos = []string{"h2", "http/1.1"}
		if cfg.DisableMultiplexing {
			tc.NextProtos = []string{"http/1.1"}
		}
	}
	if tc.ClientSessionCache == nil {
		tc.ClientSessionCache = tls.NewLRUClientSessionCache(cfg.ChannelCount * 2)
	}
	return tc
}

func (m *Manager) Identity() Identity { return m.id }

// Send queues req and returns its reply immediately. Invalid requests
// yield a reply that already failed with KindProtocol.
func (m *Manager) Send(req *Request) *Reply {
	reply := newReply(req, m)
	if err := m.validate(req); err != nil {
		reply.m = nil
		reply.terminate(newError(KindProtocol, "send", err))
		return reply
	}
	p := newPair(req, reply)
	reply.p = p
	if !m.post(func() { m.accept(p) }) {
		reply.terminate(newError(KindAborted, "send", ErrManagerClosed))
	}
	return reply
}

func (m *Manager) validate(req *Request) error {
	if req == nil || req.URL == nil {
		return errors.New("httpx: nil request or URL")
	}
	if !m.id.matches(req.URL) {
		return ErrWrongOrigin
	}
	if !httpguts.ValidHeaderFieldName(req.Method) {
		return errors.New("httpx: invalid method " + strconv.Quote(req.Method))
	}
	for _, f := range req.Header {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return errors.New("httpx: invalid header name " + strconv.Quote(f.Name))
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return errors.New("httpx: invalid value for header " + f.Name)
		}
	}
	return nil
}

// Close aborts every request and closes all connections. It must not
// be called from OnAuthenticationRequired.
func (m *Manager) Close() error {
	m.post(m.shutdown)
	<-m.done
	return nil
}

// post hands fn to the engine goroutine. It reports false once the
// manager is closed.
func (m *Manager) post(fn func()) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.inbox = append(m.inbox, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *Manager) run() {
	defer close(m.done)
	for range m.wake {
		for {
			m.mu.Lock()
			batch := m.inbox
			m.inbox = nil
			stopped := m.stopped
			m.mu.Unlock()
			if stopped {
				return
			}
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

// sync runs fn on the engine goroutine and waits for it.
func (m *Manager) sync(fn func()) bool {
	done := make(chan struct{})
	if !m.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) shutdown() {
	if m.closing {
		return
	}
	m.closing = true
	err := newError(KindAborted, "close", ErrManagerClosed)
	for _, p := range append(m.high.drain(), m.low.drain()...) {
		m.finish(p, err)
	}
	for p := range m.waitingAuth {
		m.finish(p, err)
	}
	for _, ch := range m.channels {
		pairs := ch.pipeline
		ch.pipeline = nil
		ch.teardown(ChannelUnconnected)
		for _, p := range pairs {
			p.ch = nil
			m.finish(p, err)
		}
	}
	m.log.Debug("manager closed")
	m.mu.Lock()
	m.stopped = true
	m.inbox = nil
	m.mu.Unlock()
}

func (m *Manager) accept(p *pair) {
	if m.closing {
		m.finish(p, newError(KindAborted, "send", ErrManagerClosed))
		return
	}
	ctx := p.req.Context()
	if err := ctx.Err(); err != nil {
		m.finish(p, newError(KindAborted, "send", err))
		return
	}
	m.seq++
	p.seq = m.seq
	p.started = time.Now()
	if ctx.Done() != nil {
		p.stopCtx = context.AfterFunc(ctx, func() {
			m.post(func() { m.abortPair(p, context.Cause(ctx)) })
		})
	}
	m.meter.Counter("requests_total", 1, obs.Label{Key: "method", Value: p.req.Method})
	m.enqueue(p, false)
	m.dispatch()
}

func (m *Manager) queueFor(p *pair) *pairQueue {
	if p.high {
		return &m.high
	}
	return &m.low
}

func (m *Manager) enqueue(p *pair, front bool) {
	q := m.queueFor(p)
	if front {
		q.pushFront(p)
	} else {
		q.pushBack(p)
	}
}

func (m *Manager) queued() int { return m.high.len() + m.low.len() }

func (m *Manager) peek() *pair {
	if p := m.high.peek(); p != nil {
		return p
	}
	return m.low.peek()
}

// dispatch moves queued pairs onto channels until nothing more fits.
// Free capacity is taken in order: spare multiplexed streams, idle
// connections, new connections, and last pipelining onto busy ones.
func (m *Manager) dispatch() {
	for !m.closing && m.queued() > 0 {
		p := m.peek()
		if ch := m.freeChannel(p); ch != nil {
			m.queueFor(p).remove(p)
			ch.assign(p)
			continue
		}
		ch, q := m.pipelineCandidate()
		if ch == nil {
			return
		}
		m.queueFor(q).remove(q)
		ch.assign(q)
	}
}

func (m *Manager) freeChannel(p *pair) *channel {
	for _, ch := range m.channels {
		if ch.connected() && ch.h.multiplexed() && ch.h.canAccept(p) {
			return ch
		}
	}
	for _, ch := range m.channels {
		if ch.state == ChannelIdle && !ch.h.multiplexed() {
			return ch
		}
	}
	if m.multiplexed {
		for _, ch := range m.channels {
			if ch.state == ChannelConnecting || ch.state == ChannelHandshaking || (ch.connected() && ch.h.multiplexed() && !ch.closeAfter) {
				return nil
			}
		}
	}
	for _, ch := range m.channels {
		if ch.state == ChannelUnconnected || ch.state == ChannelBroken {
			return ch
		}
	}
	return nil
}

func (m *Manager) pipelineCandidate() (*channel, *pair) {
	for _, ch := range m.channels {
		if ch.state != ChannelBusy || ch.h.multiplexed() {
			continue
		}
		for _, q := range []*pairQueue{&m.high, &m.low} {
			for _, p := range q.items {
				if ch.h.canAccept(p) {
					return ch, p
				}
			}
		}
	}
	return nil, nil
}

// finish delivers the terminal outcome of p. err nil means success.
func (m *Manager) finish(p *pair, err error) {
	if p.done {
		return
	}
	p.done = true
	if p.stopCtx != nil {
		p.stopCtx()
	}
	delete(m.waitingAuth, p)
	p.closeBody()
	p.reply.terminate(err)

	if err != nil {
		kind := KindOf(err)
		m.meter.Counter("reply_errors_total", 1, obs.Label{Key: "kind", Value: kind.String()})
		m.log.Debug("reply failed", zap.Uint64("seq", p.seq), zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	status := 0
	if p.head != nil {
		status = p.head.StatusCode
	}
	m.meter.Counter("replies_total", 1, obs.Label{Key: "status", Value: strconv.Itoa(status)})
	m.meter.Histogram("roundtrip_seconds", time.Since(p.started).Seconds())
	m.log.Debug("reply finished", zap.Uint64("seq", p.seq), zap.Int("status", status))
}

// retry puts p back at the front of its queue as a queuing failure.
// The retry budget turns repeated failures into transport failures.
func (m *Manager) retry(p *pair, cause error) {
	if p.done {
		return
	}
	p.retries++
	if p.retries > m.cfg.MaxRetries {
		m.finish(p, newError(KindTransport, "retry", cause))
		return
	}
	p.resetAttempt()
	m.enqueue(p, true)
	m.meter.Counter("requeues_total", 1)
	m.log.Warn("request requeued", zap.Uint64("seq", p.seq), zap.Int("retries", p.retries), zap.Error(cause))
}

// failOrRetry classifies a pair that lost its connection.
func (m *Manager) failOrRetry(p *pair, kind Kind, cause error) {
	if p.done {
		return
	}
	if p.retriable() {
		m.retry(p, cause)
		return
	}
	m.finish(p, newError(kind, "transfer", cause))
}

func (m *Manager) abortPair(p *pair, cause error) {
	if p == nil || p.done {
		return
	}
	err := newError(KindAborted, "abort", cause)
	if ch := p.ch; ch != nil {
		ch.abort(p, err)
	} else {
		m.queueFor(p).remove(p)
		m.finish(p, err)
	}
	m.dispatch()
}

// onHead receives the final response head for p.
func (m *Manager) onHead(p *pair, h *http1.Head) {
	hc := *h
	hc.Fields = append([]http1.Field(nil), h.Fields...)
	p.head = &hc
	if c := m.challengeFor(p, &hc); c != nil {
		p.intercept = c
		return
	}
	if isRedirect(hc.StatusCode) {
		if loc := hc.Get("Location"); loc != "" {
			if u, err := p.req.URL.Parse(loc); err == nil {
				p.reply.setRedirect(u)
			}
		}
	}
	m.publishHead(p)
}

func (m *Manager) publishHead(p *pair) {
	enc := ""
	if p.decompress && p.head.Framing != http1.FramingNone {
		enc = decodable(p.head.Get("Content-Encoding"))
	}
	p.reply.setHead(p.head, enc, p.pipelined)
}

func (m *Manager) onBody(p *pair, b []byte) {
	if p.intercept != nil {
		return
	}
	p.reply.appendBody(b)
}

// onComplete runs after the channel released p with a full response.
func (m *Manager) onComplete(p *pair) {
	if p.intercept != nil {
		c := *p.intercept
		p.intercept = nil
		m.challenge(p, c)
		return
	}
	m.finish(p, nil)
}

func isRedirect(code int) bool {
	switch code {
	case 301, 302, 303, 305, 307, 308:
		return true
	}
	return false
}

func (m *Manager) challengeFor(p *pair, h *http1.Head) *Challenge {
	var values []string
	proxy := false
	switch {
	case h.StatusCode == 401:
		values = h.Values("WWW-Authenticate")
	case h.StatusCode == 407 && m.id.proxyMode() == proxyForward:
		values = h.Values("Proxy-Authenticate")
		proxy = true
	default:
		return nil
	}
	c := pickChallenge(parseChallenges(values, proxy))
	if c == nil {
		return nil
	}
	out := *c
	out.URL = p.req.URL
	if proxy {
		out.URL = m.id.Proxy
	}
	return &out
}

// challenge decides what happens after a 401/407: a cached credential
// is tried once, then the caller is asked once, then the reply fails.
func (m *Manager) challenge(p *pair, c Challenge) {
	idx := authOrigin
	if c.Proxy {
		idx = authProxy
	}
	st := &p.auth[idx]
	key := authKey(c)
	entry := m.auth.get(key)
	stale := c.Scheme == "Digest" && strings.EqualFold(c.Params["stale"], "true")

	switch {
	case entry != nil && stale:
		entry.refresh(c)
		st.entry = entry
		m.resend(p)
	case entry != nil && !st.triedCached && !st.supplied:
		if entry.challenge.Scheme != c.Scheme || entry.challenge.Params["nonce"] != c.Params["nonce"] {
			entry.refresh(c)
		}
		st.entry = entry
		st.triedCached = true
		m.resend(p)
	case st.supplied:
		m.auth.drop(key)
		m.failAuth(p, errors.New("credentials rejected"))
	default:
		p.awaiting = &c
		m.waitingAuth[p] = struct{}{}
		m.log.Debug("authentication required", zap.Uint64("seq", p.seq), zap.String("scheme", c.Scheme), zap.String("realm", c.Realm))
		p.reply.requireAuth(c)
		if cb := m.cfg.OnAuthenticationRequired; cb != nil {
			cb(p.reply, c)
		}
	}
}

func (m *Manager) failAuth(p *pair, cause error) {
	if p.head != nil {
		m.publishHead(p)
	}
	m.finish(p, newError(KindAuthentication, "authenticate", cause))
}

func (m *Manager) provideCredentials(p *pair, creds Credentials) {
	if p == nil || p.done || p.awaiting == nil {
		return
	}
	c := *p.awaiting
	p.awaiting = nil
	delete(m.waitingAuth, p)
	idx := authOrigin
	if c.Proxy {
		idx = authProxy
	}
	p.auth[idx].entry = m.auth.put(c, creds, p.req.URL)
	p.auth[idx].supplied = true
	m.resend(p)
	m.dispatch()
}

// resend queues p again after an authentication round trip. A body
// already streamed must be replayable.
func (m *Manager) resend(p *pair) {
	if err := p.rewind(); err != nil {
		m.failAuth(p, err)
		return
	}
	p.resetAttempt()
	m.enqueue(p, true)
}

// retryUnprocessed requeues a pair the peer promised it never acted on.
func (m *Manager) retryUnprocessed(p *pair, cause error) {
	if p.done {
		return
	}
	if err := p.rewind(); err != nil {
		m.finish(p, newError(KindTransport, "retry", err))
		return
	}
	m.retry(p, cause)
}

// connectFailed handles a channel whose dial, tunnel or handshake
// failed. Only the pairs it held are affected.
func (m *Manager) connectFailed(ch *channel, err error) {
	pairs := ch.pipeline
	ch.pipeline = nil
	ch.teardown(ChannelBroken)
	m.log.Warn("connect failed", zap.Int("channel", ch.index), zap.Error(err))

	var pae *proxyAuthError
	switch {
	case errors.As(err, &pae):
		c := pickChallenge(pae.challenges)
		for _, p := range pairs {
			p.ch = nil
			head := pae.head
			p.head = &head
			if c == nil {
				m.failAuth(p, err)
				continue
			}
			pc := *c
			pc.URL = m.id.Proxy
			m.challenge(p, pc)
		}
	case errors.As(err, new(*dialError)) && m.layer != layerUnknown && !m.reprobed:
		m.layer = layerUnknown
		m.reprobed = true
		for i := len(pairs) - 1; i >= 0; i-- {
			m.retry(pairs[i], err)
		}
	default:
		for _, p := range pairs {
			p.ch = nil
			m.finish(p, newError(KindTransport, "connect", err))
		}
	}
	m.dispatch()
}

func (m *Manager) connected(fam netLayer) {
	if fam != layerUnknown {
		m.layer = fam
	}
	m.reprobed = false
}

// requestHead renders the header section for p on this attempt.
func (m *Manager) requestHead(p *pair, multiplexed bool) *http1.RequestHead {
	req := p.req
	target := req.URL.RequestURI()
	if m.id.proxyMode() == proxyForward {
		target = absoluteURL(req.URL)
	}

	h := make(Header, 0, len(req.Header)+8)
	host := req.Header.Get("Host")
	if host == "" {
		host = m.id.Authority()
	}
	h.Add("Host", host)
	for _, f := range req.Header {
		switch strings.ToLower(f.Name) {
		case "host", "content-length", "transfer-encoding":
			continue
		}
		h = append(h, f)
	}
	if m.cfg.UserAgent != "" && !h.Has("User-Agent") {
		h.Add("User-Agent", m.cfg.UserAgent)
	}
	p.decompress = false
	if !m.cfg.DisableCompression && !h.Has("Accept-Encoding") && !h.Has("Range") {
		h.Add("Accept-Encoding", acceptEncoding)
		p.decompress = true
	}
	if !h.Has("Authorization") {
		if e := m.originEntry(p); e != nil {
			h.Add("Authorization", e.authorization(req.Method, req.URL.RequestURI(), m.auth.cnonce))
		}
	}
	if m.id.proxyMode() == proxyForward && !h.Has("Proxy-Authorization") {
		if e := m.proxyEntry(p); e != nil {
			h.Add("Proxy-Authorization", e.authorization(req.Method, target, m.auth.cnonce))
		} else if v := proxyURLAuth(m.id.Proxy); v != "" {
			h.Add("Proxy-Authorization", v)
		}
	}
	propagate(req.Context(), &h, m.cfg.RequestIDs)

	switch n := req.outgoingLength(); {
	case n > 0:
		h.Add("Content-Length", strconv.FormatInt(n, 10))
	case n < 0 && !multiplexed:
		h.Add("Transfer-Encoding", "chunked")
	case n == 0 && (req.Method == "POST" || req.Method == "PUT" || req.Method == "PATCH"):
		h.Add("Content-Length", "0")
	}
	if !multiplexed && !h.Has("Connection") {
		h.Add("Connection", "keep-alive")
	}

	fields := make([]http1.Field, len(h))
	for i, f := range h {
		fields[i] = http1.Field{Name: f.Name, Value: f.Value}
	}
	return &http1.RequestHead{Method: req.Method, Target: target, Fields: fields}
}

func (m *Manager) originEntry(p *pair) *authEntry {
	st := &p.auth[authOrigin]
	if st.entry != nil {
		return st.entry
	}
	if e := m.auth.forRequest(p.req.URL); e != nil {
		st.entry = e
		st.triedCached = true
		return e
	}
	return nil
}

func (m *Manager) proxyEntry(p *pair) *authEntry {
	st := &p.auth[authProxy]
	if st.entry != nil {
		return st.entry
	}
	if e := m.auth.get("proxy"); e != nil {
		st.entry = e
		st.triedCached = true
		return e
	}
	return nil
}

// tunnelFields are the extra CONNECT headers for a new tunnel.
func (m *Manager) tunnelFields(pairs []*pair) []http1.Field {
	var fields []http1.Field
	if m.cfg.UserAgent != "" {
		fields = append(fields, http1.Field{Name: "User-Agent", Value: m.cfg.UserAgent})
	}
	if e := m.auth.get("proxy"); e != nil {
		fields = append(fields, http1.Field{Name: "Proxy-Authorization", Value: e.authorization("CONNECT", m.id.Addr(), m.auth.cnonce)})
		for _, p := range pairs {
			if p.auth[authProxy].entry == nil {
				p.auth[authProxy].triedCached = true
			}
			p.auth[authProxy].entry = e
		}
	} else if v := proxyURLAuth(m.id.Proxy); v != "" {
		fields = append(fields, http1.Field{Name: "Proxy-Authorization", Value: v})
	}
	return fields
}

// ChannelStats is a snapshot of one channel.
type ChannelStats struct {
	Index      int
	State      ChannelState
	Protocol   string
	InFlight   int
	Pipelining bool
}

// Stats is a snapshot of a manager's scheduling state.
type Stats struct {
	QueuedHigh  int
	QueuedLow   int
	WaitingAuth int
	Channels    []ChannelStats
}

// Stats snapshots the engine. It must not be called from
// OnAuthenticationRequired.
func (m *Manager) Stats() Stats {
	var s Stats
	m.sync(func() {
		s.QueuedHigh = m.high.len()
		s.QueuedLow = m.low.len()
		s.WaitingAuth = len(m.waitingAuth)
		for _, ch := range m.channels {
			s.Channels = append(s.Channels, ChannelStats{
				Index:      ch.index,
				State:      ch.state,
				Protocol:   ch.proto,
				InFlight:   len(ch.pipeline),
				Pipelining: ch.pipelining,
			})
		}
	})
	return s
}
