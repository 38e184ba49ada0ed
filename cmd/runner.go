package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"transcode-coordinator/config"
	runnerpkg "transcode-coordinator/runner"
	server2 "transcode-coordinator/server"
)

func runner(config *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runner",
		Short: "start a transcoding runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunRunner(config)
		},
	}
	cmd.AddCommand(
		runnerRegister(config),
		runnerUnregister(config),
		runnerServers(config),
		runnerJobs(config),
		runnerShutdown(config),
	)
	return cmd
}

func controlClient(config *config.Config) *runnerpkg.ControlClient {
	return runnerpkg.NewControlClient(config.Runner.SocketPath)
}

func runnerRegister(config *config.Config) *cobra.Command {
	var req runnerpkg.RegisterServerRequest
	cmd := &cobra.Command{
		Use:   "register",
		Short: "register the running runner on a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := controlClient(config).Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered on %s as %s\n", info.URL, info.RunnerName)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.URL, "url", "", "coordinator url")
	cmd.Flags().StringVar(&req.RegistrationToken, "registration-token", "", "registration token issued by the coordinator admin")
	cmd.Flags().StringVar(&req.RunnerName, "runner-name", "", "runner name, defaults to the configured one")
	cmd.Flags().StringVar(&req.RunnerDescription, "runner-description", "", "runner description")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("registration-token")
	return cmd
}

func runnerUnregister(config *config.Config) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "unregister the running runner from a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := controlClient(config).Unregister(cmd.Context(), url); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unregistered from %s\n", url)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "coordinator url")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runnerServers(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "list the coordinators this runner is registered on",
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := controlClient(config).Servers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "URL\tRUNNER NAME")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\n", s.URL, s.RunnerName)
			}
			return w.Flush()
		},
	}
}

func runnerJobs(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "list the jobs the runner is processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := controlClient(config).Jobs(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tTYPE\tSERVER\tPROGRESS\tRUNNING FOR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n", j.UUID, j.Type, j.Server, j.Progress, time.Since(j.StartedAt).Round(time.Second))
			}
			return w.Flush()
		},
	}
}

func runnerShutdown(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "stop requesting jobs and exit once running jobs end",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return controlClient(config).Shutdown(ctx)
		},
	}
}
