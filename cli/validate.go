package cli

import (
	"github.com/spf13/cobra"

	"github.com/sagaflow/sagaflow/engine/definition"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.yaml>",
		Short: "Validate a definition file without registering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := definition.LoadFile(args[0])
			if err != nil {
				return err
			}
			cmd.Printf("%s: %d workflows, %d tasks, all valid\n",
				args[0], len(file.Workflows), len(file.Tasks))
			return nil
		},
	}
}
