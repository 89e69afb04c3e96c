package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"203.0.113.7:51234", "203.0.113.7"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"198.51.100.2", "198.51.100.2"},
		{"", UnknownClient},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/analyze", nil)
		r.RemoteAddr = tt.remote
		if got := ClientIP(r); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

func TestSanitizeSessionID(t *testing.T) {
	if got := sanitizeSessionID("  tab-1  "); got != "tab-1" {
		t.Errorf("expected trimmed id, got %q", got)
	}
	if got := sanitizeSessionID("bad id with spaces"); got != "" {
		t.Errorf("expected invalid id to be dropped, got %q", got)
	}
	if got := sanitizeSessionID(strings.Repeat("a", 129)); got != "" {
		t.Errorf("expected oversized id to be dropped, got %q", got)
	}
}

func TestMiddleware_UsesHeaderSession(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = SessionIDFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/ws/deliberate", nil)
	r.Header.Set(SessionHeaderName, "tab-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if seen != "tab-42" {
		t.Errorf("expected tab-42, got %q", seen)
	}
	if got := w.Header().Get(SessionHeaderName); got != "tab-42" {
		t.Errorf("expected echoed header, got %q", got)
	}
}

func TestMiddleware_MintsSessionID(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = SessionIDFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/ws/deliberate?session_id=not%20valid", nil)
	h.ServeHTTP(httptest.NewRecorder(), r)

	if !strings.HasPrefix(seen, "magi_") || len(seen) != len("magi_")+32 {
		t.Errorf("expected a minted session id, got %q", seen)
	}
}
