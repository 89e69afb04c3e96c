package middleware

import (
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// RealIP rewrites RemoteAddr from X-Forwarded-For, X-Real-IP or True-Client-IP
// when trustProxy is set. Otherwise those headers are ignored and callers are
// identified by the connection's peer address.
func RealIP(trustProxy bool) func(http.Handler) http.Handler {
	if trustProxy {
		return chiMiddleware.RealIP
	}
	return func(next http.Handler) http.Handler { return next }
}
