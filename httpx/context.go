package httpx

import "context"

// requestIDs are the identifiers stamped on outgoing requests.
type requestIDs struct {
	request     string
	correlation string
}

type requestIDsKey struct{}

func idsFrom(ctx context.Context) requestIDs {
	v, _ := ctx.Value(requestIDsKey{}).(requestIDs)
	return v
}

// WithRequestID makes requests sent with ctx carry id as X-Request-Id
// instead of a generated one. Config.RequestIDs must be set.
func WithRequestID(ctx context.Context, id string) context.Context {
	v := idsFrom(ctx)
	v.request = id
	return context.WithValue(ctx, requestIDsKey{}, v)
}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id := idsFrom(ctx).request
	return id, id != ""
}

// WithCorrelationID makes requests sent with ctx carry id as X-Correlation-Id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	v := idsFrom(ctx)
	v.correlation = id
	return context.WithValue(ctx, requestIDsKey{}, v)
}

func CorrelationIDFrom(ctx context.Context) (string, bool) {
	id := idsFrom(ctx).correlation
	return id, id != ""
}
