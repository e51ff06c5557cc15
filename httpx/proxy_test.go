package httpx

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dqx0.com/go/httpengine/httpx/internal/wiretest"
)

func TestProxyFromEnvironment_NO_PROXY_CIDR(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://127.0.0.1:8080")
	t.Setenv("NO_PROXY", "10.0.0.0/8,localhost")

	u1, _ := url.Parse("http://10.10.10.10/")
	r1 := &Request{Method: "GET", URL: u1}
	if got, _ := ProxyFromEnvironment(r1); got != nil {
		t.Fatalf("expected no proxy for CIDR match, got %v", got)
	}

	u2, _ := url.Parse("http://example.com/")
	r2 := &Request{Method: "GET", URL: u2}
	if got, _ := ProxyFromEnvironment(r2); got == nil {
		t.Fatalf("expected proxy for example.com")
	}
}

func TestProxyFromEnvironment_Patterns(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "proxy.internal:3128")
	t.Setenv("HTTP_PROXY", "")
	t.Setenv("ALL_PROXY", "socks.internal:1080")
	t.Setenv("NO_PROXY", ".corp.example, api.example.com:8443")
	for _, k := range []string{"http_proxy", "https_proxy", "all_proxy", "no_proxy"} {
		t.Setenv(k, "")
	}

	cases := []struct {
		url  string
		want string
	}{
		{"https://svc.corp.example/", ""},
		{"https://corp.example/", "http://proxy.internal:3128"},
		{"https://api.example.com:8443/", ""},
		{"https://api.example.com/", "http://proxy.internal:3128"},
		{"http://plain.example/", "http://socks.internal:1080"},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.url)
		require.NoError(t, err)
		got, err := ProxyFromEnvironment(&Request{Method: "GET", URL: u})
		require.NoError(t, err)
		if tc.want == "" {
			assert.Nil(t, got, tc.url)
			continue
		}
		require.NotNil(t, got, tc.url)
		assert.Equal(t, tc.want, got.String(), tc.url)
	}
}

func TestIdentity(t *testing.T) {
	u, _ := url.Parse("HTTP://Bücher.Example:80/x")
	id, err := IdentityOf(u, nil)
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.example", id.Host)
	assert.Equal(t, "xn--bcher-kva.example", id.Authority())
	assert.Equal(t, "http://xn--bcher-kva.example:80", id.Key())

	u6, _ := url.Parse("https://[::1]:8443/")
	proxy, _ := url.Parse("http://proxy:3128")
	id6, err := IdentityOf(u6, proxy)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:8443", id6.Authority())
	assert.Equal(t, proxyTunnel, id6.proxyMode())
	assert.Equal(t, "https://[::1]:8443 via proxy:3128", id6.Key())

	_, err = IdentityOf(&url.URL{Scheme: "ftp", Host: "x"}, nil)
	assert.Error(t, err)
}

func TestConnectTunnel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		p := wiretest.NewPeer(server)
		req, err := p.ReadRequest()
		if err != nil || req.Method != "CONNECT" || req.Target != "origin:443" || req.Get("User-Agent") != "ua" {
			_ = p.WriteRaw("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
			return
		}
		_ = p.WriteRaw("HTTP/1.1 200 Connection established\r\n\r\nearly")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := connectTunnel(ctx, client, "origin:443", fields("User-Agent", "ua"), 8<<10)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "early", string(buf))
}

func TestConnectTunnel_ProxyAuthRequired(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		p := wiretest.NewPeer(server)
		if _, err := p.ReadRequest(); err != nil {
			return
		}
		_ = p.Respond(407, fields("Proxy-Authenticate", `Basic realm="gate"`), "")
	}()

	_, err := connectTunnel(context.Background(), client, "origin:443", nil, 8<<10)
	var pae *proxyAuthError
	require.True(t, errors.As(err, &pae))
	assert.Equal(t, 407, pae.head.StatusCode)
	require.Len(t, pae.challenges, 1)
	assert.True(t, pae.challenges[0].Proxy)
	assert.Equal(t, "gate", pae.challenges[0].Realm)
}

func TestManager_ForwardProxy(t *testing.T) {
	d := wiretest.NewPipeDialer()
	cfg := testConfig(t, d)
	cfg.ChannelCount = 1
	origin, _ := url.Parse("http://example.com/")
	proxy, _ := url.Parse("http://bob:pw@10.0.0.1:3128")
	id, err := IdentityOf(origin, proxy)
	require.NoError(t, err)
	m := startManager(t, id, cfg)

	req, err := NewRequest(context.Background(), "GET", "http://example.com/path?q=1", nil)
	require.NoError(t, err)
	r := m.Send(req)

	peer := wiretest.NewPeer(d.Accept(t))
	got := peer.Expect(t)
	assert.Equal(t, "http://example.com/path?q=1", got.Target)
	assert.Equal(t, "example.com", got.Get("Host"))
	assert.Equal(t, basicAuth("bob", "pw"), got.Get("Proxy-Authorization"))
	require.NoError(t, peer.Respond(200, nil, "via proxy"))
	assert.Equal(t, "via proxy", readBody(t, r))
	assert.Equal(t, []string{"10.0.0.1:3128"}, d.Dials())
}

func TestManager_ForwardProxyChallenge(t *testing.T) {
	d := wiretest.NewPipeDialer()
	cfg := testConfig(t, d)
	cfg.ChannelCount = 1
	cfg.OnAuthenticationRequired = func(r *Reply, c Challenge) {
		if c.Proxy {
			r.ProvideCredentials(Credentials{User: "bob", Password: "pw"})
		}
	}
	origin, _ := url.Parse("http://example.com/")
	proxy, _ := url.Parse("http://10.0.0.1:3128")
	id, err := IdentityOf(origin, proxy)
	require.NoError(t, err)
	m := startManager(t, id, cfg)

	req, err := NewRequest(context.Background(), "GET", "http://example.com/", nil)
	require.NoError(t, err)
	r := m.Send(req)
	peer := wiretest.NewPeer(d.Accept(t))
	assert.Empty(t, peer.Expect(t).Get("Proxy-Authorization"))
	require.NoError(t, peer.Respond(407, fields("Proxy-Authenticate", `Basic realm="gate"`), ""))
	assert.Equal(t, basicAuth("bob", "pw"), peer.Expect(t).Get("Proxy-Authorization"))
	require.NoError(t, peer.Respond(200, nil, "in"))
	assert.Equal(t, "in", readBody(t, r))
}

func TestManager_TunnelProxyAuthFails(t *testing.T) {
	d := wiretest.NewPipeDialer()
	cfg := testConfig(t, d)
	cfg.ChannelCount = 1
	origin, _ := url.Parse("https://example.com/")
	proxy, _ := url.Parse("http://10.0.0.1:3128")
	id, err := IdentityOf(origin, proxy)
	require.NoError(t, err)
	m := startManager(t, id, cfg)

	req, err := NewRequest(context.Background(), "GET", "https://example.com/", nil)
	require.NoError(t, err)
	r := m.Send(req)

	peer := wiretest.NewPeer(d.Accept(t))
	got := peer.Expect(t)
	assert.Equal(t, "CONNECT", got.Method)
	assert.Equal(t, "example.com:443", got.Target)
	require.NoError(t, peer.Respond(407, fields("Proxy-Authenticate", `Basic realm="gate"`), ""))

	c := waitChallenge(t, r)
	assert.True(t, c.Proxy)
	assert.Equal(t, "gate", c.Realm)
	r.ProvideCredentials(Credentials{User: "bob", Password: "pw"})

	retry := wiretest.NewPeer(d.Accept(t))
	got = retry.Expect(t)
	assert.Equal(t, "CONNECT", got.Method)
	assert.Equal(t, basicAuth("bob", "pw"), got.Get("Proxy-Authorization"))
	require.NoError(t, retry.Respond(407, fields("Proxy-Authenticate", `Basic realm="gate"`), ""))

	err = waitDone(t, r)
	assert.True(t, errors.Is(err, ErrAuthentication), "got %v", err)
	assert.Equal(t, 407, r.StatusCode())
}
