package main

import (
	"github.com/spf13/cobra"
)

func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "memctx",
		Short:         "Rank memories and assemble token-budgeted contexts",
		Long:          `memctx ranks an organization's memories for a query and assembles budgeted, persisted contexts.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("org", "", "Organization id")
	rootCmd.PersistentFlags().String("user", "", "User id; empty means organization-wide")

	if a != nil {
		rootCmd.AddCommand(
			NewIngestCmd(a),
			NewSearchCmd(a),
			NewContextCmd(a),
			NewShowCmd(a),
			NewRelatedCmd(a),
			NewAmendCmd(a),
			NewSupersedeCmd(a),
			NewLinkCmd(a),
			NewPlanCmd(a),
		)
	}
	return rootCmd
}
