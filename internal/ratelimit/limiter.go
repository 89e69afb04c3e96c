// Package ratelimit provides sliding-window request limiting keyed by caller
// identity, backed by process memory or Redis.
package ratelimit

import (
	"context"
	"time"
)

// Result describes one admission decision. It is meaningful whether or not
// the request was allowed.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is when the oldest request in the window expires.
	Reset time.Time
}

// Limiter admits a request for key iff fewer than the limit were admitted in
// the trailing window, recording the admission atomically with the check.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

type callerKey struct{}

// Caller identifies whose window a call is charged to when the call is not
// an HTTP request of its own, such as an agent call made for a live session.
type Caller struct {
	Key string
	// OnDenied, if set, runs for every call the limiter rejects.
	OnDenied func(Result)
}

// WithCaller returns a context charging calls to c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored by WithCaller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
