package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/ashureev/magi/internal/completion"
	"github.com/ashureev/magi/internal/config"
	"github.com/ashureev/magi/internal/deliberation"
	"github.com/ashureev/magi/internal/event"
	"github.com/ashureev/magi/internal/store"
	"github.com/spf13/cobra"
)

// loadConfig reads the environment and applies the persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Root().PersistentFlags()
	if v, _ := flags.GetString("api-key"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v, _ := flags.GetString("base-url"); v != "" {
		cfg.Upstream.BaseURL = strings.TrimRight(v, "/")
	}
	if v, _ := flags.GetString("model"); v != "" {
		cfg.Upstream.DefaultModel = v
	}
	if v, _ := flags.GetString("db"); v != "" {
		cfg.DBPath = v
	}
	if v, _ := flags.GetInt("agents"); v != 0 {
		cfg.Council.AgentCount = v
	}

	if cfg.Council.AgentCount < 1 {
		return nil, fmt.Errorf("agent count must be >= 1, got %d", cfg.Council.AgentCount)
	}
	if !completion.IsAllowedModel(cfg.Upstream.DefaultModel) {
		return nil, fmt.Errorf("unsupported model %q (allowed: %s)",
			cfg.Upstream.DefaultModel, strings.Join(completion.AllowedModels(), ", "))
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newAnalyzer returns the gateway client when --gateway is set, otherwise a
// direct completion client.
func newAnalyzer(cmd *cobra.Command, cfg *config.Config) (completion.Analyzer, error) {
	flags := cmd.Root().PersistentFlags()
	effort, _ := flags.GetString("reasoning-effort")
	if effort != "" && !completion.IsValidEffort(effort) {
		return nil, fmt.Errorf("invalid reasoning effort %q (allowed: %s)",
			effort, strings.Join(completion.ReasoningEfforts, ", "))
	}

	if gatewayURL, _ := flags.GetString("gateway"); gatewayURL != "" {
		origin, _ := flags.GetString("origin")
		return completion.NewGatewayClient(gatewayURL, origin, cfg.Upstream.DefaultModel, effort, cfg.Upstream.Timeout), nil
	}

	if cfg.Upstream.APIKey == "" {
		return nil, fmt.Errorf("API key required: set --api-key flag or OPENAI_API_KEY env var, or use --gateway")
	}
	opts := []completion.Option{
		completion.WithBaseURL(cfg.Upstream.BaseURL),
		completion.WithModel(cfg.Upstream.DefaultModel),
		completion.WithTimeout(cfg.Upstream.Timeout),
	}
	if effort != "" {
		opts = append(opts, completion.WithReasoningEffort(effort))
	}
	return completion.NewClient(cfg.Upstream.APIKey, opts...), nil
}

// council bundles everything one CLI run needs.
type council struct {
	orch    *deliberation.Orchestrator
	session *deliberation.Session
	bus     *event.Bus
	repo    *store.SQLiteStore
}

func (c *council) Close() {
	if c.repo != nil {
		if err := c.repo.Close(); err != nil {
			slog.Warn("Failed to close history store", "error", err)
		}
	}
}

func newCouncil(cmd *cobra.Command, personas []string) (*council, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	analyzer, err := newAnalyzer(cmd, cfg)
	if err != nil {
		return nil, err
	}
	for _, id := range personas {
		if _, ok := deliberation.LookupPersona(id); !ok {
			return nil, fmt.Errorf("unknown persona %q", id)
		}
	}

	c := &council{bus: event.NewBus()}
	opts := []deliberation.Option{
		deliberation.WithBus(c.bus),
		deliberation.WithLogger(newLogger(cmd)),
		deliberation.WithMaxParallel(cfg.Council.MaxParallelCalls),
		deliberation.WithCharLimit(cfg.Council.ResponseCharLimit),
	}
	if noHistory, _ := cmd.Root().PersistentFlags().GetBool("no-history"); !noHistory {
		repo, err := store.NewSQLite(cfg.DBPath, cfg.Council.HistoryRetention)
		if err != nil {
			return nil, err
		}
		c.repo = repo
		opts = append(opts, deliberation.WithHistorySink(repo))
	}

	c.orch = deliberation.NewOrchestrator(analyzer, opts...)
	c.session = deliberation.NewSession(cfg.Council.AgentCount, personas...)
	return c, nil
}

// interruptContext is cancelled on Ctrl+C.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
