package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "magi",
		Short: "MAGI deliberation council",
		Long:  "Runs a council of persona-driven agents through analysis, cross-review, judgment and consensus on a topic, directly against the completion API or through a MAGI gateway.",
	}
	root.SilenceUsage = true

	root.PersistentFlags().String("api-key", "", "Completion API key (overrides OPENAI_API_KEY env var)")
	root.PersistentFlags().String("base-url", "", "Completion API base URL (overrides OPENAI_BASE_URL env var)")
	root.PersistentFlags().String("gateway", "", "MAGI gateway URL; when set, calls go through POST /analyze")
	root.PersistentFlags().String("origin", "", "Origin header sent to the gateway")
	root.PersistentFlags().String("model", "", "Model name (overrides DEFAULT_MODEL env var)")
	root.PersistentFlags().String("reasoning-effort", "", "Reasoning effort: none, low, medium, high")
	root.PersistentFlags().Int("agents", 0, "Number of council agents (overrides AGENT_COUNT env var)")
	root.PersistentFlags().String("db", "", "History database path (overrides DB_PATH env var)")
	root.PersistentFlags().Bool("no-history", false, "Do not persist deliberations")
	root.PersistentFlags().Bool("verbose", false, "Log debug output to stderr")

	root.AddCommand(newDeliberateCmd())
	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newHistoryCmd())
	return root
}
