package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// Client is a blocking convenience layer over per-identity Managers. It
// follows redirects and answers authentication challenges through
// Credentials.
type Client struct {
	Config Config
	// MaxRedirects bounds followed redirects; zero means 50, negative
	// disables following.
	MaxRedirects int
	// Credentials answers a challenge; ok=false aborts the request.
	Credentials func(Challenge) (Credentials, bool)

	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool
}

// Manager returns the shared Manager serving req.
func (c *Client) Manager(req *Request) (*Manager, error) {
	var proxy *url.URL
	if c.Config.Proxy != nil {
		p, err := c.Config.Proxy(req)
		if err != nil {
			return nil, newError(KindTransport, "proxy", err)
		}
		proxy = p
	}
	id, err := IdentityOf(req.URL, proxy)
	if err != nil {
		return nil, newError(KindProtocol, "identity", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(KindAborted, "client", ErrManagerClosed)
	}
	if c.managers == nil {
		c.managers = make(map[string]*Manager)
	}
	m, ok := c.managers[id.Key()]
	if !ok {
		m = NewManager(id, c.Config)
		c.managers[id.Key()] = m
	}
	return m, nil
}

// Do sends req and waits for its headers, following redirects. The
// returned reply's body is read with Read.
func (c *Client) Do(req *Request) (*Reply, error) {
	max := c.MaxRedirects
	if max == 0 {
		max = 50
	}
	seen := make(map[string]struct{})
	for hops := 0; ; hops++ {
		seen[req.Method+" "+req.URL.String()] = struct{}{}
		reply, err := c.roundTrip(req)
		if err != nil {
			return reply, err
		}
		next := reply.RedirectURL()
		if next == nil || max < 0 {
			return reply, nil
		}
		if hops >= max {
			reply.Abort()
			return reply, newError(KindRedirect, "redirect", fmt.Errorf("stopped after %d redirects", max))
		}
		nreq, err := redirectRequest(req, reply.StatusCode(), next)
		if err != nil {
			reply.Abort()
			return reply, err
		}
		if _, loop := seen[nreq.Method+" "+next.String()]; loop {
			reply.Abort()
			return reply, newError(KindRedirect, "redirect", fmt.Errorf("redirect loop at %s", next))
		}
		// Drain the redirect body so its connection stays usable.
		_ = reply.Wait()
		req = nreq
	}
}

// roundTrip waits until reply headers are known or the reply failed,
// answering credential prompts on the way.
func (c *Client) roundTrip(req *Request) (*Reply, error) {
	m, err := c.Manager(req)
	if err != nil {
		return nil, err
	}
	reply := m.Send(req)
	for {
		select {
		case <-reply.MetaDataChanged():
			select {
			case <-reply.Done():
				return reply, reply.Err()
			default:
				return reply, nil
			}
		case <-reply.Done():
			return reply, reply.Err()
		case ch := <-reply.AuthenticationRequired():
			if c.Credentials == nil {
				reply.Abort()
				continue
			}
			creds, ok := c.Credentials(ch)
			if !ok {
				reply.Abort()
				continue
			}
			reply.ProvideCredentials(creds)
		}
	}
}

func redirectRequest(req *Request, status int, next *url.URL) (*Request, error) {
	if req.URL.Scheme == "https" && next.Scheme == "http" {
		return nil, newError(KindRedirect, "redirect", errors.New("refusing https to http redirect"))
	}
	if next.Scheme != "http" && next.Scheme != "https" {
		return nil, newError(KindRedirect, "redirect", fmt.Errorf("unsupported redirect scheme %q", next.Scheme))
	}
	method := req.Method
	keepBody := true
	switch {
	case status == 303 && method != "HEAD":
		method, keepBody = "GET", false
	case (status == 301 || status == 302) && method == "POST":
		method, keepBody = "GET", false
	}
	nreq := &Request{
		Method:   method,
		URL:      next,
		Header:   req.Header.Clone(),
		Priority: req.Priority,
	}
	nreq = WithContext(nreq, req.Context())
	if keepBody && req.Body != nil {
		if req.GetBody == nil {
			return nil, newError(KindRedirect, "redirect", ErrBodyNotReplay)
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, newError(KindRedirect, "redirect", err)
		}
		nreq.Body, nreq.GetBody, nreq.ContentLength = body, req.GetBody, req.ContentLength
	}
	if !keepBody {
		nreq.Header.Del("Content-Type")
	}
	if req.URL.Host != next.Host {
		nreq.Header.Del("Authorization")
		nreq.Header.Del("Cookie")
	}
	return nreq, nil
}

// Get fetches rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*Reply, error) {
	req, err := NewRequest(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Close shuts down every Manager.
func (c *Client) Close() error {
	c.mu.Lock()
	ms := c.managers
	c.managers = nil
	c.closed = true
	c.mu.Unlock()
	for _, m := range ms {
		_ = m.Close()
	}
	return nil
}
