package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dqx0.com/go/httpengine/httpx"
	"dqx0.com/go/httpengine/internal/obs"
)

type fetchOptions struct {
	method   string
	data     string
	headers  []string
	priority string
	include  bool

	pipeline bool
	h2c      bool
	proxy    string
	user     string
	password string

	concurrency int
	metrics     string
	metricsHold time.Duration
}

func newFetchCmd(a *app) *cobra.Command {
	o := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetch one or more URLs and print their bodies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fetch(cmd.Context(), cmd.OutOrStdout(), o, args)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.method, "request", "X", "", "request method (default GET, or POST with --data)")
	f.StringVarP(&o.data, "data", "d", "", "request body")
	f.StringArrayVarP(&o.headers, "header", "H", nil, "extra request header, \"Name: value\"")
	f.StringVar(&o.priority, "priority", "normal", "queue priority: high, normal or low")
	f.BoolVarP(&o.include, "include", "i", false, "print the status line and headers")
	f.BoolVar(&o.pipeline, "pipeline", false, "allow HTTP/1.1 pipelining")
	f.BoolVar(&o.h2c, "h2c", false, "speak HTTP/2 over cleartext without negotiation")
	f.StringVar(&o.proxy, "proxy", "", "proxy URL, or \"env\" for HTTP_PROXY and friends")
	f.StringVarP(&o.user, "user", "u", "", "user for Basic/Digest authentication")
	f.StringVar(&o.password, "password", "", "password for --user")
	f.IntVar(&o.concurrency, "concurrency", 4, "URLs fetched at once")
	f.StringVar(&o.metrics, "metrics", "", "serve Prometheus metrics on this address")
	f.DurationVar(&o.metricsHold, "metrics-hold", 0, "keep serving metrics this long after fetching")
	return cmd
}

func parsePriority(s string) (httpx.Priority, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return httpx.PriorityNormal, nil
	case "high":
		return httpx.PriorityHigh, nil
	case "low":
		return httpx.PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (a *app) fetch(ctx context.Context, out io.Writer, o *fetchOptions, urls []string) error {
	prio, err := parsePriority(o.priority)
	if err != nil {
		return err
	}
	ecfg := a.cfg.Engine
	if o.pipeline {
		ecfg.Pipelining = true
	}
	if o.h2c {
		ecfg.ForceMultiplexed = true
		ecfg.DisableMultiplexing = false
	}
	if o.proxy != "" {
		ecfg.Proxy = o.proxy
	}
	if err := ecfg.Validate(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	var meter obs.Meter = obs.NopMeter{}
	var srv *http.Server
	addr := o.metrics
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	if addr != "" {
		reg := prometheus.NewRegistry()
		meter = obs.NewPromMeter(a.cfg.Metrics.Namespace, reg)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	engine, err := ecfg.ToEngine(a.logger, meter)
	if err != nil {
		return err
	}
	client := &httpx.Client{Config: engine, MaxRedirects: ecfg.MaxRedirects}
	if o.user != "" {
		creds := httpx.Credentials{User: o.user, Password: o.password}
		client.Credentials = func(httpx.Challenge) (httpx.Credentials, bool) { return creds, true }
	}
	defer client.Close()

	var mu sync.Mutex
	fg, fctx := errgroup.WithContext(ctx)
	if o.concurrency > 0 {
		fg.SetLimit(o.concurrency)
	}
	for _, raw := range urls {
		raw := raw
		fg.Go(func() error {
			var buf bytes.Buffer
			if err := a.fetchOne(fctx, client, o, prio, raw, &buf); err != nil {
				return fmt.Errorf("%s: %w", raw, err)
			}
			mu.Lock()
			defer mu.Unlock()
			_, err := out.Write(buf.Bytes())
			return err
		})
	}
	ferr := fg.Wait()

	if srv != nil {
		if o.metricsHold > 0 {
			select {
			case <-time.After(o.metricsHold):
			case <-ctx.Done():
			}
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	if err := g.Wait(); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

func (a *app) fetchOne(ctx context.Context, client *httpx.Client, o *fetchOptions, prio httpx.Priority, raw string, w io.Writer) error {
	method := o.method
	var body io.Reader
	if o.data != "" {
		body = strings.NewReader(o.data)
		if method == "" {
			method = "POST"
		}
	}
	req, err := httpx.NewRequest(ctx, method, raw, body)
	if err != nil {
		return err
	}
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("malformed header %q", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	req.Priority = prio

	start := time.Now()
	reply, err := client.Do(req)
	if err != nil {
		return err
	}
	defer reply.Close()

	if o.include {
		fmt.Fprintf(w, "%s %d %s\n", reply.Proto(), reply.StatusCode(), reply.Reason())
		for _, f := range reply.Header() {
			fmt.Fprintf(w, "%s: %s\n", f.Name, f.Value)
		}
		fmt.Fprintln(w)
	}
	n, err := io.Copy(w, reply)
	if err != nil {
		return err
	}
	a.logger.Info("fetched",
		zap.String("url", raw),
		zap.Int("status", reply.StatusCode()),
		zap.String("proto", reply.Proto()),
		zap.Int64("bytes", n),
		zap.Bool("pipelined", reply.PipeliningUsed()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
