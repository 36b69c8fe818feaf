package auth

import "context"

type contextKey string

const callerKey contextKey = "authCaller"

// Caller represents an authenticated service client.
type Caller struct {
	Sub     string
	Service string
}

// WithCaller stores an authenticated caller in the context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the authenticated caller, if present.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	value := ctx.Value(callerKey)
	if value == nil {
		return Caller{}, false
	}
	caller, ok := value.(Caller)
	return caller, ok
}
