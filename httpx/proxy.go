package httpx

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"dqx0.com/go/httpengine/httpx/internal/http1"
)

// ProxyFromEnvironment resolves a proxy URL from environment variables
// HTTP_PROXY/HTTPS_PROXY/ALL_PROXY and honors NO_PROXY. Behaves similarly
// to net/http.ProxyFromEnvironment for common cases.
func ProxyFromEnvironment(r *Request) (*url.URL, error) {
	if r == nil || r.URL == nil {
		return nil, nil
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	port := r.URL.Port()
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	if noProxyMatch(r.URL.Hostname(), port) {
		return nil, nil
	}
	var proxyStr string
	if scheme == "https" {
		proxyStr = firstEnv("HTTPS_PROXY", "https_proxy")
	} else {
		proxyStr = firstEnv("HTTP_PROXY", "http_proxy")
	}
	if proxyStr == "" {
		proxyStr = firstEnv("ALL_PROXY", "all_proxy")
	}
	if proxyStr == "" {
		return nil, nil
	}
	if !strings.Contains(proxyStr, "://") {
		proxyStr = "http://" + proxyStr
	}
	return url.Parse(proxyStr)
}

// ProxyURL returns a proxy selector that always picks u.
func ProxyURL(u *url.URL) func(*Request) (*url.URL, error) {
	return func(*Request) (*url.URL, error) { return u, nil }
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func noProxyMatch(host, port string) bool {
	v := firstEnv("NO_PROXY", "no_proxy")
	if v == "" {
		return false
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	ip := net.ParseIP(host)
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if p == "*" {
			return true
		}
		if i := strings.Index(p, "://"); i >= 0 {
			p = p[i+3:]
		}
		if strings.Contains(p, "/") {
			if ip != nil {
				if _, cidr, err := net.ParseCIDR(p); err == nil && cidr.Contains(ip) {
					return true
				}
			}
			continue
		}
		patHost, patPort := p, ""
		if h, pp, err := net.SplitHostPort(p); err == nil {
			patHost, patPort = h, pp
		}
		patHost = strings.Trim(patHost, "[]")
		if patPort != "" && port != patPort {
			continue
		}
		if host == patHost {
			return true
		}
		if ip != nil {
			continue
		}
		suffix := patHost
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// absoluteURL renders u in absolute form for forwarding proxies.
// Userinfo and fragment never go on the wire.
func absoluteURL(u *url.URL) string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	b.WriteString(u.RequestURI())
	return b.String()
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// proxyURLAuth is the Proxy-Authorization carried in a proxy URL's userinfo.
func proxyURLAuth(u *url.URL) string {
	if u == nil || u.User == nil {
		return ""
	}
	pass, _ := u.User.Password()
	return basicAuth(u.User.Username(), pass)
}

// proxyAuthError is a 407 answer to CONNECT.
type proxyAuthError struct {
	head       http1.Head
	challenges []Challenge
}

func (e *proxyAuthError) Error() string { return "httpx: proxy authentication required" }

// connectTunnel runs the CONNECT handshake on conn and returns the
// tunneled connection.
func connectTunnel(ctx context.Context, conn net.Conn, target string, fields []http1.Field, maxHeader int) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer func() {
		if stop() {
			_ = conn.SetDeadline(time.Time{})
		}
	}()

	head := &http1.RequestHead{
		Method: "CONNECT",
		Target: target,
		Fields: append([]http1.Field{{Name: "Host", Value: target}}, fields...),
	}
	if _, err := conn.Write(http1.AppendRequestHead(nil, head)); err != nil {
		return nil, err
	}

	parser := http1.ResponseParser{MaxHeaderBytes: maxHeader}
	parser.Reset(true)
	sink := &tunnelSink{}
	buf := make([]byte, 4096)
	var leftover []byte
	for parser.State() != http1.StateDone {
		n, err := conn.Read(buf)
		if n > 0 {
			used, perr := parser.Feed(buf[:n], sink)
			if perr != nil {
				return nil, perr
			}
			if parser.State() == http1.StateDone && used < n {
				leftover = append(leftover, buf[used:n]...)
			}
		}
		if err != nil && parser.State() != http1.StateDone {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}

	h := parser.Head()
	switch {
	case h.StatusCode >= 200 && h.StatusCode < 300:
	case h.StatusCode == 407:
		return nil, &proxyAuthError{head: *h, challenges: parseChallenges(h.Values("Proxy-Authenticate"), true)}
	default:
		return nil, fmt.Errorf("httpx: proxy CONNECT failed: %d %s", h.StatusCode, h.Reason)
	}
	if len(leftover) > 0 {
		return &prefixConn{Conn: conn, prefix: leftover}, nil
	}
	return conn, nil
}

type tunnelSink struct{}

func (*tunnelSink) OnHead(*http1.Head) error { return nil }
func (*tunnelSink) OnBody([]byte) error      { return nil }

// prefixConn replays bytes read past a handshake before the socket.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
