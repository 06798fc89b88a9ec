package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dockhand/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent orchestration events",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum events to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	events, err := store.Recent(historyLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no recorded events")
		return nil
	}
	for _, ev := range events {
		service := ev.Service
		if service == "" {
			service = "-"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-11s %-20s %s\n",
			ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Kind, service, ev.Detail)
	}
	return nil
}
