package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brinklane/revtun/internal/agent"
	"github.com/brinklane/revtun/internal/runtime"
	"github.com/brinklane/revtun/internal/util"
	"github.com/brinklane/revtun/internal/version"
)

func Execute() error {
	opts := &runtime.Options{
		LogLevel: "info",
	}
	ctx, cancel := util.WithSignalContext(context.Background())
	defer cancel()

	cmd := newRootCommand(opts)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(opts *runtime.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "revtun-agent",
		Short:        "Reverse tunnel agent: dials out to an orchestrator and exposes egress TCP",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.SetupLogger()
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.JSONLogs, "json-logs", false, "emit logs in JSON format")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")

	cmd.AddCommand(agent.NewCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	})

	return cmd
}
