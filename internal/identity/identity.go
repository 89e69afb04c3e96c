// Package identity provides per-request client identity primitives: the rate
// limit key and the browser tab session ID used by the live channel.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// SessionHeaderName carries the tab session ID.
	SessionHeaderName = "X-MAGI-Session-ID"
	// UnknownClient is the rate limit key used when no address is available.
	UnknownClient = "unknown"
)

type contextKey int

const sessionIDKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID returns a context carrying id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// NewSessionID returns a random "magi_" prefixed session ID.
func NewSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "magi_" + hex.EncodeToString(buf), nil
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects the caller's tab session ID, minting one when the
// request carries none or an invalid one. The ID is echoed in SessionHeaderName.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			id, err := NewSessionID()
			if err != nil {
				http.Error(w, `{"error":"failed to establish session"}`, http.StatusInternalServerError)
				return
			}
			sessionID = id
		}
		w.Header().Set(SessionHeaderName, sessionID)
		next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), sessionID)))
	})
}

// ClientIP returns the caller's IP for rate limiting, taken from RemoteAddr.
// Forwarding headers count only if middleware.RealIP was configured to trust
// them and has rewritten RemoteAddr.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return UnknownClient
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		return UnknownClient
	}
	return host
}
