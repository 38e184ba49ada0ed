package cmd

import (
	"github.com/spf13/cobra"
	"transcode-coordinator/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "transcode-coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(server(config))
	rootCmd.AddCommand(runner(config))
	rootCmd.AddCommand(uploadFinished(config))
	return rootCmd
}
