package httpx

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dqx0.com/go/httpengine/httpx/internal/wiretest"
)

func dualStack() wiretest.StaticResolver {
	return wiretest.StaticResolver{
		"origin.test": {{IP: net.ParseIP("2001:db8::1")}, {IP: net.ParseIP("192.0.2.1")}},
	}
}

func TestDialPlan_RaceFallsBackToIPv4(t *testing.T) {
	d := wiretest.NewPipeDialer()
	d.Refuse = func(_, addr string) error {
		if strings.HasPrefix(addr, "[") {
			return errors.New("network unreachable")
		}
		return nil
	}
	plan := &dialPlan{dialer: d, resolver: dualStack(), delay: time.Hour, host: "origin.test", port: 80}
	res := plan.run(context.Background(), func() {})
	require.NoError(t, res.err)
	defer res.conn.Close()
	assert.Equal(t, layerIPv4, res.family)
	assert.Equal(t, "http/1.1", res.proto)
	assert.Equal(t, []string{"[2001:db8::1]:80", "192.0.2.1:80"}, d.Dials())
}

func TestDialPlan_PrefersIPv6(t *testing.T) {
	d := wiretest.NewPipeDialer()
	plan := &dialPlan{dialer: d, resolver: dualStack(), delay: time.Hour, host: "origin.test", port: 80}
	conn, fam, err := plan.connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, layerIPv6, fam)
	assert.Equal(t, []string{"[2001:db8::1]:80"}, d.Dials())
}

func TestDialPlan_KnownLayer(t *testing.T) {
	d := wiretest.NewPipeDialer()
	plan := &dialPlan{dialer: d, resolver: dualStack(), layer: layerIPv4, host: "origin.test", port: 8080}
	conn, fam, err := plan.connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, layerIPv4, fam)
	assert.Equal(t, []string{"192.0.2.1:8080"}, d.Dials())
}

func TestDialPlan_ResolveFailure(t *testing.T) {
	plan := &dialPlan{dialer: wiretest.NewPipeDialer(), resolver: wiretest.StaticResolver{}, host: "missing.test", port: 80}
	res := plan.run(context.Background(), func() {})
	require.Error(t, res.err)
	var de *dialError
	assert.True(t, errors.As(res.err, &de))
}

func TestDialPlan_ForceH2(t *testing.T) {
	d := wiretest.NewPipeDialer()
	plan := &dialPlan{dialer: d, host: "127.0.0.1", port: 80, forceH2: true}
	res := plan.run(context.Background(), func() {})
	require.NoError(t, res.err)
	defer res.conn.Close()
	assert.Equal(t, "h2", res.proto)
	assert.Equal(t, layerIPv4, res.family)
}

func TestManager_ReprobesAfterFamilyFailure(t *testing.T) {
	d := wiretest.NewPipeDialer()
	var v6Down atomic.Bool
	d.Refuse = func(_, addr string) error {
		if v6Down.Load() && strings.HasPrefix(addr, "[") {
			return errors.New("network unreachable")
		}
		return nil
	}
	cfg := testConfig(t, d)
	cfg.Resolver = dualStack()
	cfg.ChannelCount = 1
	cfg.HappyEyeballsDelay = time.Hour
	id := Identity{Scheme: "http", Host: "origin.test", Port: 80}
	m := startManager(t, id, cfg)

	req, err := NewRequest(context.Background(), "GET", "http://origin.test/", nil)
	require.NoError(t, err)
	r := m.Send(req)
	p := wiretest.NewPeer(d.Accept(t))
	p.Expect(t)
	require.NoError(t, p.WriteRaw("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nv6"))
	assert.Equal(t, "v6", readBody(t, r))

	v6Down.Store(true)
	req2, err := NewRequest(context.Background(), "GET", "http://origin.test/again", nil)
	require.NoError(t, err)
	r2 := m.Send(req2)
	p2 := wiretest.NewPeer(d.Accept(t))
	p2.Expect(t)
	require.NoError(t, p2.Respond(200, nil, "v4"))
	assert.Equal(t, "v4", readBody(t, r2))
	assert.Equal(t, []string{"[2001:db8::1]:80", "[2001:db8::1]:80", "[2001:db8::1]:80", "192.0.2.1:80"}, d.Dials())
}
