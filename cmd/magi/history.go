package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/magi/internal/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deliberations, newest first",
		RunE:  runHistory,
	}
	cmd.Flags().Int("limit", store.DefaultRetention, "Maximum entries to show")
	cmd.Flags().Bool("json", false, "Print entries as JSON, including their logs")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	repo, err := store.NewSQLite(cfg.DBPath, cfg.Council.HistoryRetention)
	if err != nil {
		return err
	}
	defer repo.Close()

	entries, err := repo.ListHistory(context.Background(), limit)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	printHistory(out, entries)
	return nil
}
