package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"dqx0.com/go/httpengine/httpx/internal/wiretest"
)

func serveH2(t *testing.T, d *wiretest.PipeDialer, h http.Handler) {
	t.Helper()
	srv := &http2.Server{}
	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		for {
			select {
			case c := <-d.Conns():
				wg.Add(1)
				go func() {
					defer wg.Done()
					srv.ServeConn(c, &http2.ServeConnOpts{Handler: h})
				}()
			case <-done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(done) })
}

func TestH2_MultiplexesOnOneConnection(t *testing.T) {
	d := wiretest.NewPipeDialer()
	serveH2(t, d, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Proto", r.Proto)
		fmt.Fprintf(w, "h2:%s", r.URL.Path)
	}))
	m := newTestManager(t, d, func(c *Config) { c.ForceMultiplexed = true })

	var replies []*Reply
	for i := 0; i < 5; i++ {
		replies = append(replies, m.Send(get(t, fmt.Sprintf("/%d", i), PriorityNormal)))
	}
	for i, r := range replies {
		assert.Equal(t, fmt.Sprintf("h2:/%d", i), readBody(t, r))
		assert.Equal(t, "HTTP/2.0", r.Header().Get("X-Proto"))
		assert.Equal(t, "HTTP/2.0", r.Proto())
	}
	assert.Len(t, d.Dials(), 1)
	s := m.Stats()
	assert.Equal(t, "h2", s.Channels[0].Protocol)
}

func TestH2_PostBody(t *testing.T) {
	d := wiretest.NewPipeDialer()
	serveH2(t, d, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(strings.ToUpper(string(b))))
	}))
	m := newTestManager(t, d, func(c *Config) { c.ForceMultiplexed = true })

	payload := strings.Repeat("data ", 20000)
	req, err := NewRequest(context.Background(), "POST", testOrigin+"/echo", strings.NewReader(payload))
	require.NoError(t, err)
	r := m.Send(req)
	assert.Equal(t, strings.ToUpper(payload), readBody(t, r))
	assert.Equal(t, 201, r.StatusCode())
	assert.Equal(t, int64(-1), r.ContentLength())
}

func TestH2_HeadersAndRedirect(t *testing.T) {
	d := wiretest.NewPipeDialer()
	serveH2(t, d, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != acceptEncoding {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	m := newTestManager(t, d, func(c *Config) { c.ForceMultiplexed = true })

	r := m.Send(get(t, "/here", PriorityHigh))
	require.NoError(t, waitDone(t, r))
	assert.Equal(t, 302, r.StatusCode())
	require.NotNil(t, r.RedirectURL())
	assert.Equal(t, "/elsewhere", r.RedirectURL().Path)
}

func TestH2FrameReady(t *testing.T) {
	frame := func(typ http2.FrameType, flags http2.Flags, n int) []byte {
		b := []byte{byte(n >> 16), byte(n >> 8), byte(n), byte(typ), byte(flags), 0, 0, 0, 1}
		return append(b, make([]byte, n)...)
	}
	assert.False(t, h2FrameReady(nil))
	assert.False(t, h2FrameReady(frame(http2.FrameData, 0, 10)[:12]))
	assert.True(t, h2FrameReady(frame(http2.FrameData, 0, 10)))

	headers := frame(http2.FrameHeaders, 0, 4)
	assert.False(t, h2FrameReady(headers))
	cont := append(append([]byte(nil), headers...), frame(http2.FrameContinuation, http2.FlagContinuationEndHeaders, 3)...)
	assert.True(t, h2FrameReady(cont))
	assert.False(t, h2FrameReady(cont[:len(cont)-1]))
}

func TestH2Flow(t *testing.T) {
	f := newH2Flow()
	f.open(1)
	assert.Equal(t, h2DefaultFrame, f.take(1, 1<<20))

	f.setInitial(10)
	// The stream already spent 16 KiB of a 64 KiB window; shrinking the
	// initial window leaves it negative until updates arrive.
	f.add(1, int64(h2DefaultFrame))
	assert.Equal(t, 10, f.take(1, 100))

	f.close(1)
	assert.Zero(t, f.take(1, 1))

	f.open(3)
	assert.Equal(t, 10, f.take(3, 50))
	done := make(chan int)
	go func() { done <- f.take(3, 5) }()
	f.shutdown()
	assert.Zero(t, <-done)
}

type gatedBody struct {
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (b *gatedBody) Read(p []byte) (int, error) {
	b.once.Do(func() { close(b.started) })
	<-b.gate
	return copy(p, "late"), io.EOF
}

func TestH2_BodyOutlivesConnection(t *testing.T) {
	d := wiretest.NewPipeDialer()
	serveH2(t, d, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
	}))
	m := newTestManager(t, d, func(c *Config) { c.ForceMultiplexed = true })

	body := &gatedBody{started: make(chan struct{}), gate: make(chan struct{})}
	req, err := NewRequest(context.Background(), "POST", testOrigin+"/slow", body)
	require.NoError(t, err)
	r := m.Send(req)
	select {
	case <-body.started:
	case <-time.After(5 * time.Second):
		t.Fatal("request body never read")
	}

	require.NoError(t, m.Close())
	close(body.gate)
	assert.Equal(t, KindAborted, KindOf(waitDone(t, r)))
}
