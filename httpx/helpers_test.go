package httpx

import (
	"context"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dqx0.com/go/httpengine/httpx/internal/http1"
	"dqx0.com/go/httpengine/httpx/internal/wiretest"
)

const testOrigin = "http://127.0.0.1"

func testConfig(t *testing.T, d *wiretest.PipeDialer) Config {
	cfg := DefaultConfig()
	cfg.Dialer = d
	cfg.Logger = zaptest.NewLogger(t)
	cfg.IdleTimeout = time.Minute
	return cfg
}

func newTestManager(t *testing.T, d *wiretest.PipeDialer, opts ...func(*Config)) *Manager {
	t.Helper()
	cfg := testConfig(t, d)
	for _, o := range opts {
		o(&cfg)
	}
	u, err := url.Parse(testOrigin)
	require.NoError(t, err)
	id, err := IdentityOf(u, nil)
	require.NoError(t, err)
	return startManager(t, id, cfg)
}

func startManager(t *testing.T, id Identity, cfg Config) *Manager {
	t.Helper()
	m := NewManager(id, cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func get(t *testing.T, path string, prio Priority) *Request {
	t.Helper()
	req, err := NewRequest(context.Background(), "GET", testOrigin+path, nil)
	require.NoError(t, err)
	req.Priority = prio
	return req
}

func waitDone(t *testing.T, r *Reply) error {
	t.Helper()
	select {
	case <-r.Done():
		return r.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("reply did not finish")
		return nil
	}
}

func readBody(t *testing.T, r *Reply) string {
	t.Helper()
	require.NoError(t, waitDone(t, r))
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func waitChallenge(t *testing.T, r *Reply) Challenge {
	t.Helper()
	select {
	case c := <-r.AuthenticationRequired():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no authentication challenge")
		return Challenge{}
	}
}

func fields(kv ...string) []http1.Field {
	out := make([]http1.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, http1.Field{Name: kv[i], Value: kv[i+1]})
	}
	return out
}
