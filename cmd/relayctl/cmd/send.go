package cmd

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/hookrelay/hookrelay/internal/api"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [webhook-id] [payload]",
	Short: "Send a webhook payload",
	Long: `Send a payload to a registered webhook. The payload argument is literal
JSON, @file to read from a file, or - to read from stdin.

Example:
  relayctl send wh_123 '{"order":"ord_789","total":42}' --key s3cret
  relayctl send wh_123 @payload.json --correlation-id run-17`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		webhookID := args[0]

		payload, err := readPayload(args[1])
		if err != nil {
			return err
		}

		correlationID, _ := cmd.Flags().GetString("correlation-id")
		contentType, _ := cmd.Flags().GetString("content-type")

		if apiKey == "" {
			return fmt.Errorf("no API key: pass --key or set HOOKRELAY_KEY")
		}

		headers := map[string]string{api.KeyHeader: apiKey}
		if correlationID != "" {
			headers[api.CorrelationHeader] = correlationID
		}
		if contentType != "" {
			headers["Content-Type"] = contentType
		}

		path := "/webhooks/" + url.PathEscape(webhookID)
		resp, err := makeHTTPRequest("POST", path, headers, payload)
		if err != nil {
			return fmt.Errorf("failed to send webhook: %w", err)
		}

		var accepted struct {
			ResponseID    string    `json:"response_id"`
			Status        string    `json:"status"`
			CorrelationID string    `json:"correlation_id,omitempty"`
			Timestamp     time.Time `json:"timestamp"`
		}
		if err := decodeResponse(resp, &accepted); err != nil {
			return err
		}

		if outputJSON {
			printOutput(accepted)
		} else {
			fmt.Printf("Accepted: %s\n", accepted.ResponseID)
			fmt.Printf("  Status: %s\n", accepted.Status)
			if accepted.CorrelationID != "" {
				fmt.Printf("  Correlation: %s\n", accepted.CorrelationID)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("correlation-id", "", "correlation id for deduplication")
	sendCmd.Flags().String("content-type", "", "override the payload content type")
}
