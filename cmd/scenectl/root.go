package main

import (
	"github.com/bobarin/scenecast/internal/logging"
	"github.com/spf13/cobra"
)

func newRootCommand(ctx *commandContext) *cobra.Command {
	var debug bool

	rootCmd := &cobra.Command{
		Use:           "scenectl",
		Short:         "Inspect and repair scenecast projects",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init(debug)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newRepairCountersCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newComposeCommand(ctx))

	return rootCmd
}
