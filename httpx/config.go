package httpx

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"dqx0.com/go/httpengine/internal/obs"
)

// Dialer opens transport connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver looks up addresses for the network-layer race. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config tunes a Manager. Zero fields take the values of DefaultConfig.
type Config struct {
	ChannelCount   int
	PipelineLength int
	// Pipelining allows several idempotent requests in flight on one
	// HTTP/1.1 connection. Support is re-checked after every reply.
	Pipelining           bool
	MaxConcurrentStreams int
	// ForceMultiplexed speaks HTTP/2 on cleartext connections without
	// negotiation.
	ForceMultiplexed    bool
	DisableMultiplexing bool

	DialTimeout        time.Duration
	IdleTimeout        time.Duration
	HappyEyeballsDelay time.Duration
	// MaxRetries bounds silent resends of one request after connection
	// failures. Negative disables resending.
	MaxRetries     int
	MaxHeaderBytes int

	DisableCompression bool
	UserAgent          string
	RequestIDs         bool

	TLSConfig *tls.Config
	Dialer    Dialer
	Resolver  Resolver
	// Proxy selects a proxy per request; nil means direct.
	Proxy func(*Request) (*url.URL, error)

	// OnAuthenticationRequired runs on the engine goroutine when a reply
	// needs credentials. It must not block; ProvideCredentials and Abort
	// are safe to call from it.
	OnAuthenticationRequired func(*Reply, Challenge)

	Logger *zap.Logger
	Meter  obs.Meter
}

func DefaultConfig() Config {
	return Config{
		ChannelCount:         6,
		PipelineLength:       3,
		MaxConcurrentStreams: 100,
		DialTimeout:          5 * time.Second,
		IdleTimeout:          30 * time.Second,
		HappyEyeballsDelay:   300 * time.Millisecond,
		MaxRetries:           3,
		MaxHeaderBytes:       64 << 10,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ChannelCount <= 0 {
		c.ChannelCount = d.ChannelCount
	}
	if c.PipelineLength <= 0 {
		c.PipelineLength = d.PipelineLength
	}
	if c.MaxConcurrentStreams <= 0 {
		c.MaxConcurrentStreams = d.MaxConcurrentStreams
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.HappyEyeballsDelay <= 0 {
		c.HappyEyeballsDelay = d.HappyEyeballsDelay
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = d.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if c.Resolver == nil {
		c.Resolver = net.DefaultResolver
	}
	c.Logger = obs.OrNop(c.Logger)
	if c.Meter == nil {
		c.Meter = obs.NopMeter{}
	}
	return c
}
