package httpx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"dqx0.com/go/httpengine/httpx/internal/http1"
)

// netLayer is the address family that last connected for an origin.
type netLayer int

const (
	layerUnknown netLayer = iota
	layerIPv4
	layerIPv6
)

func (l netLayer) String() string {
	switch l {
	case layerIPv4:
		return "ipv4"
	case layerIPv6:
		return "ipv6"
	}
	return "unknown"
}

type dialResult struct {
	conn   net.Conn
	family netLayer
	proto  string
	err    error
}

// dialError marks failures to reach the host at all, as opposed to
// tunnel or TLS failures on an established socket.
type dialError struct{ err error }

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// dialPlan is everything a dial goroutine needs, captured on the engine
// goroutine.
type dialPlan struct {
	dialer   Dialer
	resolver Resolver
	delay    time.Duration
	layer    netLayer

	host string
	port int

	tunnel       string
	tunnelFields []http1.Field
	maxHeader    int

	tls     *tls.Config
	forceH2 bool
}

func (m *Manager) dialPlan(pairs []*pair) *dialPlan {
	d := &dialPlan{
		dialer:    m.cfg.Dialer,
		resolver:  m.cfg.Resolver,
		delay:     m.cfg.HappyEyeballsDelay,
		layer:     m.layer,
		host:      m.id.Host,
		port:      m.id.Port,
		maxHeader: m.cfg.MaxHeaderBytes,
	}
	if mode := m.id.proxyMode(); mode != proxyNone {
		host, port, _ := net.SplitHostPort(m.id.proxyAddr())
		d.host = host
		d.port, _ = strconv.Atoi(port)
		if mode == proxyTunnel {
			d.tunnel = m.id.Addr()
			d.tunnelFields = m.tunnelFields(pairs)
		}
	}
	if m.id.Secure() {
		d.tls = m.tlsConfig
	} else {
		d.forceH2 = m.cfg.ForceMultiplexed && !m.cfg.DisableMultiplexing
	}
	return d
}

func (d *dialPlan) addr() string { return net.JoinHostPort(d.host, strconv.Itoa(d.port)) }

// run connects, opens the proxy tunnel if any and negotiates TLS.
// onHandshake is called when the TCP connection is up.
func (d *dialPlan) run(ctx context.Context, onHandshake func()) dialResult {
	conn, fam, err := d.connect(ctx)
	if err != nil {
		return dialResult{err: &dialError{err: err}}
	}
	if d.tunnel != "" {
		onHandshake()
		tunneled, err := connectTunnel(ctx, conn, d.tunnel, d.tunnelFields, d.maxHeader)
		if err != nil {
			_ = conn.Close()
			return dialResult{family: fam, err: err}
		}
		conn = tunneled
	}
	proto := "http/1.1"
	switch {
	case d.tls != nil:
		onHandshake()
		tc := tls.Client(conn, d.tls)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return dialResult{family: fam, err: fmt.Errorf("httpx: tls handshake: %w", err)}
		}
		if tc.ConnectionState().NegotiatedProtocol == "h2" {
			proto = "h2"
		}
		conn = tc
	case d.forceH2:
		proto = "h2"
	}
	return dialResult{conn: conn, family: fam, proto: proto}
}

func (d *dialPlan) connect(ctx context.Context) (net.Conn, netLayer, error) {
	if ip := net.ParseIP(d.host); ip != nil {
		conn, err := d.dialer.DialContext(ctx, "tcp", d.addr())
		return conn, familyOf(ip), err
	}
	addrs, err := d.resolver.LookupIPAddr(ctx, d.host)
	if err != nil {
		return nil, layerUnknown, err
	}
	var v4, v6 []net.IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			v4 = append(v4, a.IP)
		} else {
			v6 = append(v6, a.IP)
		}
	}
	switch d.layer {
	case layerIPv4:
		v6 = nil
	case layerIPv6:
		v4 = nil
	}
	switch {
	case len(v4) == 0 && len(v6) == 0:
		return nil, layerUnknown, fmt.Errorf("httpx: no %s addresses for %s", d.layer, d.host)
	case len(v4) == 0:
		conn, err := d.dialSeq(ctx, v6)
		return conn, layerIPv6, err
	case len(v6) == 0:
		conn, err := d.dialSeq(ctx, v4)
		return conn, layerIPv4, err
	}
	return d.race(ctx, v6, v4)
}

// race dials IPv6 first and IPv4 after the happy-eyeballs delay or as
// soon as IPv6 fails. The first connection wins.
func (d *dialPlan) race(ctx context.Context, v6, v4 []net.IP) (net.Conn, netLayer, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn net.Conn
		fam  netLayer
		err  error
	}
	results := make(chan result, 2)
	start := func(ips []net.IP, fam netLayer) {
		go func() {
			conn, err := d.dialSeq(ctx, ips)
			results <- result{conn, fam, err}
		}()
	}
	start(v6, layerIPv6)
	pending, started4 := 1, false
	timer := time.NewTimer(d.delay)
	defer timer.Stop()

	var firstErr error
	for pending > 0 {
		select {
		case <-timer.C:
			if !started4 {
				started4 = true
				pending++
				start(v4, layerIPv4)
			}
		case r := <-results:
			pending--
			if r.err == nil {
				go func(n int) {
					for ; n > 0; n-- {
						if l := <-results; l.conn != nil {
							_ = l.conn.Close()
						}
					}
				}(pending)
				return r.conn, r.fam, nil
			}
			if firstErr == nil {
				firstErr = r.err
			}
			if !started4 {
				started4 = true
				pending++
				start(v4, layerIPv4)
			}
		}
	}
	return nil, layerUnknown, firstErr
}

func (d *dialPlan) dialSeq(ctx context.Context, ips []net.IP) (net.Conn, error) {
	err := errors.New("httpx: no addresses")
	for _, ip := range ips {
		var conn net.Conn
		conn, err = d.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(d.port)))
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, err
}

func familyOf(ip net.IP) netLayer {
	if ip.To4() != nil {
		return layerIPv4
	}
	return layerIPv6
}
