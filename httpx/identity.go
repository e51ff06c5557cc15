package httpx

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

type proxyMode int

const (
	proxyNone proxyMode = iota
	// proxyTunnel reaches the origin through a CONNECT tunnel.
	proxyTunnel
	// proxyForward sends absolute-form requests to the proxy itself.
	proxyForward
)

// Identity is the key a Manager serves: one origin through one proxy.
type Identity struct {
	Scheme string
	Host   string // lower-case ASCII, IPv6 without brackets
	Port   int
	Proxy  *url.URL
}

// IdentityOf derives the identity of a request URL. proxy may be nil.
func IdentityOf(u *url.URL, proxy *url.URL) (Identity, error) {
	if u == nil {
		return Identity{}, fmt.Errorf("httpx: nil URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Identity{}, fmt.Errorf("httpx: unsupported scheme %q", u.Scheme)
	}
	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return Identity{}, err
	}
	port, err := portOf(u.Port(), scheme)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{Scheme: scheme, Host: host, Port: port}
	if proxy != nil && proxy.Host != "" {
		p := *proxy
		id.Proxy = &p
	}
	return id, nil
}

func normalizeHost(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("httpx: missing host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("httpx: invalid host %q: %w", host, err)
	}
	return strings.ToLower(ascii), nil
}

func portOf(p, scheme string) (int, error) {
	if p == "" {
		if scheme == "https" {
			return 443, nil
		}
		return 80, nil
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("httpx: invalid port %q", p)
	}
	return n, nil
}

func (id Identity) Secure() bool { return id.Scheme == "https" }

// Addr is the origin as host:port.
func (id Identity) Addr() string { return net.JoinHostPort(id.Host, strconv.Itoa(id.Port)) }

// Authority is the Host header value; default ports are omitted.
func (id Identity) Authority() string {
	host := id.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if (id.Secure() && id.Port == 443) || (!id.Secure() && id.Port == 80) {
		return host
	}
	return host + ":" + strconv.Itoa(id.Port)
}

func (id Identity) proxyMode() proxyMode {
	switch {
	case id.Proxy == nil:
		return proxyNone
	case id.Secure():
		return proxyTunnel
	default:
		return proxyForward
	}
}

func (id Identity) proxyAddr() string {
	if id.Proxy == nil {
		return ""
	}
	return hostPort(id.Proxy)
}

// Key identifies the connection pool this identity maps to.
func (id Identity) Key() string {
	key := id.Scheme + "://" + id.Addr()
	if id.Proxy != nil {
		key += " via " + id.proxyAddr()
	}
	return key
}

func (id Identity) String() string { return id.Key() }

// matches reports whether u targets this identity's origin.
func (id Identity) matches(u *url.URL) bool {
	other, err := IdentityOf(u, nil)
	if err != nil {
		return false
	}
	return other.Scheme == id.Scheme && other.Host == id.Host && other.Port == id.Port
}
