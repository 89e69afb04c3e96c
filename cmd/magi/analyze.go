package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Ask every agent once and aggregate their verdicts",
		RunE:  runAnalyze,
	}
	cmd.Flags().String("topic", "", "Topic to analyze (required)")
	cmd.Flags().StringSlice("persona", nil, "Persona IDs assigned to agents in order")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	topic, _ := cmd.Flags().GetString("topic")
	personas, _ := cmd.Flags().GetStringSlice("persona")

	c, err := newCouncil(cmd, personas)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := interruptContext()
	defer stop()

	out := cmd.OutOrStdout()
	c.bus.SubscribeAll(newPrinter(out, false).handle)

	fmt.Fprintf(out, "Topic: %s\n", topic)
	res, err := c.orch.Analyze(ctx, c.session, topic)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	if res.HistoryID != "" {
		fmt.Fprintf(out, "\nSaved as %s\n", res.HistoryID)
	}
	return nil
}
