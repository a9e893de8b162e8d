// Package kit holds the transport-agnostic endpoint plumbing shared by the
// engine's HTTP and MCP surfaces. An operation is written once as an
// Endpoint; each transport only decodes its own request shape.
package kit

import "context"

// Endpoint is a single engine operation: typed request in, typed response out.
type Endpoint func(ctx context.Context, req any) (any, error)

type contextKey string

const (
	// RequestIDKey carries the per-request ID assigned by the transport.
	RequestIDKey contextKey = "kit_request_id"
	// ActorKey carries the caller identity applied above this core, when known.
	ActorKey contextKey = "kit_actor"
	// TransportKey carries the transport name: "http" or "mcp".
	TransportKey contextKey = "kit_transport"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

func GetActor(ctx context.Context) string {
	v, _ := ctx.Value(ActorKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}
