// Package cli wires the sagaflow commands: the engine server plus client
// commands that talk to a running admin API.
package cli

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

var rootFlags struct {
	logLevel  string
	logFormat string
	serverURL string
}

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sagaflow",
		Short:         "Durable saga workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	// Accept underscore spellings (--log_level) alongside the dashed forms.
	flags.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	flags.StringVar(&rootFlags.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	flags.StringVar(&rootFlags.logFormat, "log-format", "", "log format (text|json)")
	flags.StringVar(&rootFlags.serverURL, "server", "http://localhost:8080",
		"admin API base URL for client commands")
	root.AddCommand(newServeCmd())
	root.AddCommand(newApplyCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newStartCmd())
	return root
}

// Execute runs the root command with signal-aware cancellation.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		log := logger.NewLogger(logger.DefaultConfig())
		log.Error("command failed", "error", err)
		return 1
	}
	return 0
}

