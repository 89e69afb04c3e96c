// Package gateway implements the admission gateway in front of the chat
// completion service: POST /analyze with origin checks, shape validation,
// per-IP rate limiting and upstream error mapping.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/magi/internal/api"
	"github.com/ashureev/magi/internal/completion"
	"github.com/ashureev/magi/internal/identity"
	"github.com/ashureev/magi/internal/metrics"
	"github.com/ashureev/magi/internal/middleware"
	"github.com/ashureev/magi/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// maxBodyBytes caps what is read before validation; the payload limit itself
// applies to the serialized messages.
const maxBodyBytes = 1 << 20

// Completer performs one shaped chat completion and returns its JSON object.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (json.RawMessage, error)
}

// Options configure a Handler.
type Options struct {
	Policy       middleware.OriginPolicy
	Limits       Limits
	DefaultModel string
	// FailOpen admits requests when the limiter backend errors.
	FailOpen bool
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Handler serves POST /analyze.
type Handler struct {
	completer Completer
	limiter   ratelimit.Limiter
	opts      Options
	logger    *slog.Logger
}

// NewHandler creates a gateway handler.
func NewHandler(completer Completer, limiter ratelimit.Limiter, opts Options) *Handler {
	if opts.Limits.MaxMessages == 0 && opts.Limits.MaxPayloadBytes == 0 {
		opts.Limits = DefaultLimits
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = completion.DefaultModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{completer: completer, limiter: limiter, opts: opts, logger: logger}
}

// RegisterRoutes mounts /analyze behind the origin policy.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(h.observe, middleware.CORS(h.opts.Policy, "POST, OPTIONS")).HandleFunc("/analyze", h.Analyze)
}

// observe records the final status of every /analyze response, including
// origin rejections and preflights.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		h.opts.Metrics.RecordGatewayResponse(status)
	})
}

// Analyze validates, rate limits and forwards a completion request.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("request_id", chiMiddleware.GetReqID(r.Context()))

	if r.Method != http.MethodPost {
		api.Error(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeValidation(w, &ValidationError{Details: []string{"Payload too large"}})
		return
	}

	req, err := Validate(body, h.opts.Limits, h.opts.DefaultModel)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeValidation(w, verr)
			return
		}
		logger.Error("Unexpected validation failure", "error", err)
		api.Error(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if !h.admit(w, r, logger) {
		return
	}

	start := time.Now()
	result, err := h.completer.Complete(r.Context(), req)
	h.opts.Metrics.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		status, msg := upstreamError(err)
		logger.Error("Upstream completion failed", "error", err, "status", status, "model", req.Model)
		api.Error(w, status, msg)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result); err != nil {
		logger.Debug("Failed to write response", "error", err)
	}
}

// admit applies the rate limit and reports whether the request may proceed.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, logger *slog.Logger) bool {
	if h.limiter == nil {
		return true
	}

	key := identity.ClientIP(r)
	res, err := h.limiter.Allow(r.Context(), key)
	if err != nil {
		if h.opts.FailOpen {
			h.opts.Metrics.RecordFailOpen()
			logger.Warn("Rate limiter unavailable, admitting request", "error", err, "client", key)
			return true
		}
		logger.Error("Rate limiter unavailable", "error", err, "client", key)
		api.Error(w, http.StatusInternalServerError, "Internal Server Error")
		return false
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

	if !res.Allowed {
		h.opts.Metrics.RecordRateLimited()
		logger.Info("Rate limit exceeded", "client", key)
		api.Error(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

// upstreamError maps a completion error to the status and message shown to
// callers. Internal error text is never exposed.
func upstreamError(err error) (int, string) {
	switch {
	case errors.Is(err, completion.ErrMissingAPIKey):
		return http.StatusInternalServerError, "Server configuration error"
	case errors.Is(err, completion.ErrUpstreamStatus), errors.Is(err, completion.ErrMalformedResponse):
		return http.StatusBadGateway, "Invalid response from AI"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func writeValidation(w http.ResponseWriter, verr *ValidationError) {
	api.JSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   "Validation failed",
		"details": verr.Details,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}
