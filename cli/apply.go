package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sagaflow/sagaflow/engine/definition"
)

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file.yaml>",
		Short: "Register the workflow and task definitions in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, args[0])
		},
	}
}

func runApply(cmd *cobra.Command, path string) error {
	file, err := definition.LoadFile(path)
	if err != nil {
		return err
	}
	client := newAPIClient()
	ctx := cmd.Context()
	for i := range file.Tasks {
		def := &file.Tasks[i]
		resp, err := client.R().SetContext(ctx).SetBody(def).Post("/api/v1/definitions/tasks")
		if err != nil {
			return fmt.Errorf("registering task %s: %w", def.Name, err)
		}
		if resp.IsError() {
			return fmt.Errorf("registering task %s: %w", def.Name, apiError(resp))
		}
		cmd.Printf("task %s registered\n", def.Name)
	}
	for i := range file.Workflows {
		def := &file.Workflows[i]
		resp, err := client.R().SetContext(ctx).SetBody(def).Post("/api/v1/definitions/workflows")
		if err != nil {
			return fmt.Errorf("registering workflow %s/%s: %w", def.Name, def.Rev, err)
		}
		if resp.IsError() {
			return fmt.Errorf("registering workflow %s/%s: %w", def.Name, def.Rev, apiError(resp))
		}
		cmd.Printf("workflow %s/%s registered\n", def.Name, def.Rev)
	}
	return nil
}
