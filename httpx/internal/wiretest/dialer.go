// Package wiretest provides in-memory peers for exercising the engine:
// a Dialer over net.Pipe, a scripted HTTP/1.1 peer and a small
// keep-alive server.
package wiretest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// PipeDialer hands out the client ends of net.Pipe pairs and queues the
// server ends for the test to Accept.
type PipeDialer struct {
	// Refuse, when set, can fail a dial before a pipe is created.
	Refuse func(network, addr string) error

	conns chan net.Conn
	mu    sync.Mutex
	dials []string
}

func NewPipeDialer() *PipeDialer {
	return &PipeDialer{conns: make(chan net.Conn, 64)}
}

func (d *PipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, addr)
	d.mu.Unlock()
	if d.Refuse != nil {
		if err := d.Refuse(network, addr); err != nil {
			return nil, &net.OpError{Op: "dial", Net: network, Err: err}
		}
	}
	client, server := net.Pipe()
	select {
	case d.conns <- server:
		return client, nil
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	}
}

// Accept returns the next server end, failing the test after a timeout.
func (d *PipeDialer) Accept(t testing.TB) net.Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("wiretest: no connection dialed")
		return nil
	}
}

// Conns exposes the server ends for a Server loop.
func (d *PipeDialer) Conns() <-chan net.Conn { return d.conns }

// Dials lists every address dialed so far.
func (d *PipeDialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

// StaticResolver answers lookups from a fixed table.
type StaticResolver map[string][]net.IPAddr

func (r StaticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}
