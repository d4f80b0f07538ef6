package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Hookrelay service",
	Long:  `Check the health status of the Hookrelay service, including its database and queue connections.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("GET", "/healthz", nil, nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		var status struct {
			OK       bool            `json:"ok"`
			Message  string          `json:"message,omitempty"`
			Database bool            `json:"database"`
			Checks   map[string]bool `json:"checks,omitempty"`
		}
		if err := decodeResponse(resp, &status); err != nil {
			// A 503 still carries the status body; fall back to the status line.
			return fmt.Errorf("service is unhealthy: %w", err)
		}

		if outputJSON {
			printOutput(status)
			return nil
		}

		if status.OK {
			fmt.Println("✓ Service is healthy")
		} else {
			fmt.Printf("✗ Service is unhealthy: %s\n", status.Message)
		}
		fmt.Printf("  database: %v\n", status.Database)
		for name, ok := range status.Checks {
			fmt.Printf("  %s: %v\n", name, ok)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
