package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check engine health",
	Long:  `Hit the engine's health endpoint to verify it is running and can reach its database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status struct {
			OK          bool   `json:"ok"`
			Database    string `json:"database"`
			TenantPools int    `json:"tenant_pools"`
			Detail      string `json:"detail"`
		}
		if err := doRequest("GET", "/healthz", &status); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		if outputJSON {
			printOutput(status)
			return nil
		}
		if status.OK {
			fmt.Printf("Pong! Engine is healthy (%d tenant pools open)\n", status.TenantPools)
		} else {
			fmt.Printf("Engine unhealthy: database %s (%s)\n", status.Database, status.Detail)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
