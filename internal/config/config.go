// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	Environment string
	DBPath      string
	Upstream    UpstreamConfig
	Gateway     GatewayConfig
	RateLimit   RateLimitConfig
	Council     CouncilConfig
}

// UpstreamConfig describes the chat completion service behind the gateway.
type UpstreamConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// GatewayConfig controls request admission for POST /analyze.
type GatewayConfig struct {
	AllowedOrigins []string
	// AllowDevOrigins admits loopback origins (localhost, 127.0.0.1, [::1]) on any port.
	AllowDevOrigins bool
	// AllowMissingOrigin admits requests without an Origin header (non-browser callers).
	AllowMissingOrigin bool
	MaxMessages        int
	MaxPayloadBytes    int
}

// RateLimitConfig controls the per-IP sliding window limiter.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
	// FailOpen admits requests when the limiter backend errors.
	FailOpen bool
	// RedisURL selects the Redis backend; empty means in-memory.
	RedisURL string
	// TrustProxyHeaders keys callers on X-Forwarded-For, X-Real-IP or
	// True-Client-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// CouncilConfig controls live deliberation sessions.
type CouncilConfig struct {
	AgentCount        int
	MaxParallelCalls  int
	ResponseCharLimit int
	HistoryRetention  int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		DBPath:      getEnv("DB_PATH", "./data/magi.db"),
		Upstream: UpstreamConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			BaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			DefaultModel: getEnv("DEFAULT_MODEL", "gpt-5.1"),
			Timeout:      getEnvDuration("UPSTREAM_TIMEOUT", 120*time.Second),
		},
		Gateway: GatewayConfig{
			AllowedOrigins:     getEnvList("ALLOWED_ORIGINS"),
			AllowDevOrigins:    getEnvBool("GATEWAY_ALLOW_DEV_ORIGINS", true),
			AllowMissingOrigin: getEnvBool("GATEWAY_ALLOW_MISSING_ORIGIN", true),
			MaxMessages:        50,
			MaxPayloadBytes:    50 * 1024,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 50),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			FailOpen:          getEnvBool("RATE_LIMIT_FAIL_OPEN", true),
			RedisURL:          getEnv("REDIS_URL", ""),
			TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
		},
		Council: CouncilConfig{
			AgentCount:        getEnvInt("AGENT_COUNT", 3),
			MaxParallelCalls:  getEnvInt("MAX_PARALLEL_CALLS", 0),
			ResponseCharLimit: getEnvInt("RESPONSE_CHAR_LIMIT", 400),
			HistoryRetention:  getEnvInt("HISTORY_RETENTION", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
// A missing upstream API key is not a load error: the gateway reports it per request.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("OPENAI_BASE_URL cannot be empty")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Council.AgentCount < 1 {
		return fmt.Errorf("AGENT_COUNT must be >= 1, got %d", c.Council.AgentCount)
	}
	if c.Council.MaxParallelCalls < 0 {
		return fmt.Errorf("MAX_PARALLEL_CALLS must be >= 0")
	}
	if c.Council.HistoryRetention <= 0 {
		return fmt.Errorf("HISTORY_RETENTION must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return !strings.EqualFold(c.Environment, "production")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
