package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/magi/internal/completion"
	"github.com/ashureev/magi/internal/identity"
	"github.com/ashureev/magi/internal/metrics"
	"github.com/ashureev/magi/internal/ratelimit"
)

// LimitedAnalyzer admits every agent call through the same limiter as
// POST /analyze, charging it to the ratelimit.Caller carried by the context.
// Calls without a caller are charged to identity.UnknownClient.
type LimitedAnalyzer struct {
	next     completion.Analyzer
	limiter  ratelimit.Limiter
	failOpen bool
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewLimitedAnalyzer wraps next. Only FailOpen, Metrics and Logger are read
// from opts.
func NewLimitedAnalyzer(next completion.Analyzer, limiter ratelimit.Limiter, opts Options) *LimitedAnalyzer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LimitedAnalyzer{
		next:     next,
		limiter:  limiter,
		failOpen: opts.FailOpen,
		metrics:  opts.Metrics,
		logger:   logger,
	}
}

// Analyze charges one request to the caller and forwards it when admitted.
// A denial returns completion.ErrRateLimited without calling upstream.
func (a *LimitedAnalyzer) Analyze(ctx context.Context, history []completion.Message, systemInstruction string) (json.RawMessage, error) {
	if a.limiter == nil {
		return a.next.Analyze(ctx, history, systemInstruction)
	}

	caller, _ := ratelimit.CallerFrom(ctx)
	key := caller.Key
	if key == "" {
		key = identity.UnknownClient
	}

	res, err := a.limiter.Allow(ctx, key)
	switch {
	case err != nil && a.failOpen:
		a.metrics.RecordFailOpen()
		a.logger.Warn("Rate limiter unavailable, admitting agent call", "error", err, "client", key)
	case err != nil:
		a.logger.Error("Rate limiter unavailable", "error", err, "client", key)
		return nil, fmt.Errorf("%w: rate limiter: %v", completion.ErrUpstreamUnavailable, err)
	case !res.Allowed:
		a.metrics.RecordRateLimited()
		a.logger.Info("Rate limit exceeded", "client", key, "source", "agent")
		if caller.OnDenied != nil {
			caller.OnDenied(res)
		}
		return nil, fmt.Errorf("%w: retry after %s", completion.ErrRateLimited, res.Reset.UTC().Format(time.RFC3339))
	}
	return a.next.Analyze(ctx, history, systemInstruction)
}
