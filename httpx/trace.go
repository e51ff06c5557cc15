package httpx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Trace carries minimal W3C trace context for propagation.
// TraceID is 32 hex, SpanID is 16 hex, Flags is 2 hex (e.g. "01").
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Flags        string
}

type traceKeyType struct{}

var traceKey traceKeyType

// WithTrace stores trace context in ctx.
func WithTrace(ctx context.Context, tr Trace) context.Context {
	return context.WithValue(ctx, traceKey, tr)
}

// TraceFrom extracts trace context from ctx.
func TraceFrom(ctx context.Context) (Trace, bool) {
	tr, ok := ctx.Value(traceKey).(Trace)
	return tr, ok
}

// ParseTraceparent reads a traceparent header value.
func ParseTraceparent(v string) (Trace, bool) {
	parts := strings.Split(strings.TrimSpace(v), "-")
	if len(parts) < 4 {
		return Trace{}, false
	}
	ver, tid, sid, fl := parts[0], parts[1], parts[2], parts[3]
	if len(ver) != 2 || len(tid) != 32 || len(sid) != 16 || len(fl) != 2 {
		return Trace{}, false
	}
	if !isHex(tid) || !isHex(sid) || !isHex(fl) || allZero(tid) || allZero(sid) {
		return Trace{}, false
	}
	return Trace{TraceID: strings.ToLower(tid), SpanID: strings.ToLower(sid), Flags: strings.ToLower(fl)}, true
}

func formatTraceparent(traceID, spanID, flags string) string {
	if flags == "" {
		flags = "01"
	}
	return "00-" + strings.ToLower(traceID) + "-" + strings.ToLower(spanID) + "-" + strings.ToLower(flags)
}

// propagate stamps outgoing trace and request-id headers from ctx. The
// caller's own headers win.
func propagate(ctx context.Context, h *Header, requestIDs bool) {
	if tr, ok := TraceFrom(ctx); ok && tr.TraceID != "" && !h.Has("Traceparent") {
		h.Add("Traceparent", formatTraceparent(tr.TraceID, randomHex(8), tr.Flags))
	}
	if !requestIDs {
		return
	}
	if !h.Has("X-Request-Id") {
		id, ok := RequestIDFrom(ctx)
		if !ok {
			id = genID()
		}
		h.Add("X-Request-Id", id)
	}
	if cid, ok := CorrelationIDFrom(ctx); ok && !h.Has("X-Correlation-Id") {
		h.Add("X-Correlation-Id", cid)
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	for {
		if _, err := rand.Read(b); err == nil && !allZeroBytes(b) {
			return hex.EncodeToString(b)
		}
	}
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			continue
		}
		return false
	}
	return true
}

func allZero(s string) bool { return strings.Trim(s, "0") == "" }

func allZeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
