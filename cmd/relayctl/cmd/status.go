package cmd

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [response-id]",
	Short: "Look up the status of an accepted webhook",
	Long: `Look up the processing status of a previously accepted webhook by its
response id. Terminal statuses include the handler output or error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/status/" + url.PathEscape(args[0])
		resp, err := makeHTTPRequest("GET", path, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to fetch status: %w", err)
		}

		var report struct {
			ResponseID    string         `json:"response_id"`
			Status        string         `json:"status"`
			Output        map[string]any `json:"output,omitempty"`
			Error         string         `json:"error,omitempty"`
			CorrelationID string         `json:"correlation_id,omitempty"`
			Timestamp     time.Time      `json:"timestamp"`
		}
		if err := decodeResponse(resp, &report); err != nil {
			return err
		}

		if outputJSON {
			printOutput(report)
			return nil
		}

		fmt.Printf("Response: %s\n", report.ResponseID)
		fmt.Printf("  Status: %s\n", report.Status)
		if report.CorrelationID != "" {
			fmt.Printf("  Correlation: %s\n", report.CorrelationID)
		}
		if report.Error != "" {
			fmt.Printf("  Error: %s\n", report.Error)
		}
		if len(report.Output) > 0 {
			fmt.Printf("  Output: %+v\n", report.Output)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
