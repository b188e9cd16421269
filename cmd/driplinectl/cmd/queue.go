package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// queueCmd groups queue inspection commands.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the delivery queue",
}

// queueGetCmd fetches one queue item by id.
var queueGetCmd = &cobra.Command{
	Use:   "get <item-id>",
	Short: "Show a queue item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var item map[string]any
		if err := doRequest("GET", "/queue/"+args[0], &item); err != nil {
			return fmt.Errorf("get item failed: %w", err)
		}
		printOutput(item)
		return nil
	},
}

// queueStatsCmd shows aggregate queue counts.
var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats struct {
			Pending int `json:"pending"`
			Sent    int `json:"sent"`
			Failed  int `json:"failed"`
			Skipped int `json:"skipped"`
		}
		if err := doRequest("GET", "/queue/stats", &stats); err != nil {
			return fmt.Errorf("queue stats failed: %w", err)
		}

		if outputJSON {
			printOutput(stats)
			return nil
		}
		fmt.Printf("pending=%d sent=%d failed=%d skipped=%d\n",
			stats.Pending, stats.Sent, stats.Failed, stats.Skipped)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueGetCmd)
	queueCmd.AddCommand(queueStatsCmd)
	rootCmd.AddCommand(queueCmd)
}
