package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/ashureev/magi/internal/deliberation"
	"github.com/spf13/cobra"
)

func newDeliberateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliberate",
		Short: "Run a full four-phase deliberation on a topic",
		Long:  "Runs analysis, cross-review, judgment and consensus. Between phases the council waits for Enter on stdin unless --auto is given.",
		RunE:  runDeliberate,
	}
	cmd.Flags().String("topic", "", "Topic to deliberate (required)")
	cmd.Flags().Bool("auto", false, "Advance through every phase without waiting")
	cmd.Flags().StringSlice("persona", nil, "Persona IDs assigned to agents in order")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func runDeliberate(cmd *cobra.Command, _ []string) error {
	topic, _ := cmd.Flags().GetString("topic")
	auto, _ := cmd.Flags().GetBool("auto")
	personas, _ := cmd.Flags().GetStringSlice("persona")

	c, err := newCouncil(cmd, personas)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := interruptContext()
	defer stop()

	out := cmd.OutOrStdout()
	c.bus.SubscribeAll(newPrinter(out, !auto).handle)

	var gate deliberation.Gate = deliberation.AutoGate{}
	if !auto {
		manual := deliberation.NewManualGate()
		defer manual.Close()
		go proceedOnEnter(cmd.InOrStdin(), manual)
		gate = manual
	}

	fmt.Fprintf(out, "Topic: %s\n", topic)
	res, err := c.orch.Deliberate(ctx, c.session, topic, gate)
	if err != nil {
		if res != nil && res.Outcome != "" {
			fmt.Fprintf(out, "\nInterrupted after the decision (%s) was recorded.\n", res.Outcome)
		}
		return fmt.Errorf("deliberate: %w", err)
	}
	if res.HistoryID != "" {
		fmt.Fprintf(out, "\nSaved as %s\n", res.HistoryID)
	}
	return nil
}

// proceedOnEnter releases the gate on every line read from r.
func proceedOnEnter(r io.Reader, gate *deliberation.ManualGate) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := gate.Proceed(); err != nil && !errors.Is(err, deliberation.ErrNotAwaiting) {
			return
		}
	}
}
