// Package middleware provides HTTP middleware for the MAGI gateway.
package middleware

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

var devOriginPattern = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

// OriginPolicy decides which browser origins may call the gateway.
type OriginPolicy struct {
	AllowedOrigins []string
	// AllowDevOrigins admits loopback origins on any port.
	AllowDevOrigins bool
	// AllowMissingOrigin admits requests that carry no Origin header.
	AllowMissingOrigin bool
}

// Allows reports whether a non-empty origin is allowed.
func (p OriginPolicy) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range p.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return p.AllowDevOrigins && devOriginPattern.MatchString(origin)
}

// Admits reports whether a request with the given Origin header may proceed.
func (p OriginPolicy) Admits(origin string) bool {
	if origin == "" {
		return p.AllowMissingOrigin
	}
	return p.Allows(origin)
}

func (p OriginPolicy) explicit(origin string) bool {
	for _, o := range p.AllowedOrigins {
		if o != "*" && strings.EqualFold(o, origin) {
			return true
		}
	}
	return p.AllowDevOrigins && devOriginPattern.MatchString(origin)
}

// CORS returns middleware that enforces policy, echoes CORS headers for
// allowed origins and answers preflight requests with 204.
func CORS(policy OriginPolicy, methods string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if !policy.Admits(origin) {
				slog.Warn("Origin rejected", "origin", origin, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"Origin not allowed"}` + "\n"))
				return
			}

			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				// Credentials only for explicit origins, never for a wildcard echo.
				if policy.explicit(origin) {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
