// Package httpx is a client-side HTTP request engine for a single origin.
//
// A Manager owns a fixed set of channels (connections) to one origin,
// identified by scheme, host, port and optional proxy. Requests are
// queued by priority and dispatched onto idle HTTP/1.1 connections, onto
// HTTP/1.1 pipelines when the server is known to handle them, or onto
// HTTP/2 streams when ALPN (or configuration) selects HTTP/2.
//
// Highlights
//   - Priority queues: high before normal before low, FIFO within each.
//   - HTTP/1.1 keep-alive and pipelining of idempotent requests, with
//     per-server support detection.
//   - HTTP/2 multiplexing with flow control and GOAWAY handling.
//   - Transparent resend of requests that never reached the server.
//   - Basic and Digest authentication with a per-Manager cache.
//   - Forwarding and CONNECT tunnelling proxies.
//   - IPv6/IPv4 connection racing and gzip, deflate and br decoding.
//   - zap logging and a Meter seam bridged to Prometheus.
//
// Quick start:
//
//	c := &httpx.Client{Config: httpx.DefaultConfig()}
//	defer c.Close()
//	reply, err := c.Get(ctx, "https://example.com/")
//	if err != nil { log.Fatal(err) }
//	b, _ := io.ReadAll(reply)
//	fmt.Println(reply.StatusCode(), string(b))
//
// Lower level, one Manager per origin:
//
//	id, _ := httpx.IdentityOf(u, nil)
//	m := httpx.NewManager(id, cfg)
//	reply := m.Send(req)
//	<-reply.MetaDataChanged()
package httpx
