package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	var (
		transactionID string
		inputJSON     string
		inputFile     string
	)
	cmd := &cobra.Command{
		Use:   "start <workflow-name> <rev>",
		Short: "Start a transaction for a registered workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := resolveInput(inputJSON, inputFile)
			if err != nil {
				return err
			}
			if transactionID == "" {
				transactionID = uuid.NewString()
			}
			body := map[string]any{
				"transactionId": transactionID,
				"workflow":      map[string]string{"name": args[0], "rev": args[1]},
				"input":         input,
			}
			resp, err := newAPIClient().R().
				SetContext(cmd.Context()).
				SetBody(body).
				Post("/api/v1/transactions")
			if err != nil {
				return fmt.Errorf("starting transaction: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("starting transaction: %w", apiError(resp))
			}
			cmd.Printf("transaction %s accepted\n", transactionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&transactionID, "id", "", "transaction id (generated when empty)")
	cmd.Flags().StringVar(&inputJSON, "input", "", "workflow input as inline JSON")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "workflow input from a JSON file")
	return cmd
}

func resolveInput(inline, path string) (map[string]any, error) {
	if inline != "" && path != "" {
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	}
	raw := []byte(inline)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading input file: %w", err)
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("parsing workflow input: %w", err)
	}
	return input, nil
}
