package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dqx0.com/go/httpengine/httpx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HTTPENGINE_LOGGER_LEVEL", "error")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestFetch_PrintsHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Agent", r.Header.Get("X-Client"))
		_, _ = io.WriteString(w, "hello")
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "fetch", "-i", "-H", "X-Client: cli", srv.URL+"/greet")
	require.NoError(t, err)
	assert.Contains(t, out, "HTTP/1.1 200 OK\n")
	assert.Contains(t, out, "X-Seen-Agent: cli\n")
	assert.Contains(t, out, "\n\nhello")
}

func TestFetch_PostData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, r.Method+":"+string(b))
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "fetch", "-d", "payload", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "POST:payload", out)
}

func TestFetch_SeveralURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "["+r.URL.Path+"]")
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "fetch", "--pipeline", "--priority", "high", srv.URL+"/a", srv.URL+"/b", srv.URL+"/c")
	require.NoError(t, err)
	assert.Contains(t, out, "[/a]")
	assert.Contains(t, out, "[/b]")
	assert.Contains(t, out, "[/c]")
}

func TestFetch_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ann" || pass != "secret" {
			w.Header().Set("WWW-Authenticate", `Basic realm="cli"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "welcome")
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "fetch", "-u", "ann", "--password", "secret", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "welcome", out)

	_, err = execute(t, "fetch", srv.URL)
	require.Error(t, err)
	assert.Equal(t, httpx.KindAborted, httpx.KindOf(err))
}

func TestFetch_Flags(t *testing.T) {
	_, err := execute(t, "fetch", "--priority", "urgent", "http://127.0.0.1:1/")
	assert.ErrorContains(t, err, "unknown priority")

	_, err = execute(t, "fetch")
	assert.Error(t, err)

	_, err = execute(t, "fetch", "-H", "no-colon", "http://127.0.0.1:1/")
	assert.ErrorContains(t, err, "malformed header")
}

func TestParsePriority(t *testing.T) {
	p, err := parsePriority("")
	require.NoError(t, err)
	assert.Equal(t, httpx.PriorityNormal, p)
	p, err = parsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, httpx.PriorityHigh, p)
	p, err = parsePriority("low")
	require.NoError(t, err)
	assert.Equal(t, httpx.PriorityLow, p)
}
