package cmd

import (
	"github.com/spf13/cobra"
	"transcode-coordinator/config"
	server2 "transcode-coordinator/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start the coordinator http server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunHttp(config)
		},
	}
}
