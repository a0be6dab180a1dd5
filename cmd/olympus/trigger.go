package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	olympussdk "github.com/aicallyu/olympus/sdk/go"
)

// triggerCmd talks to a running server instead of the local workspace, for
// CI jobs and deploy hooks.
func triggerCmd() *cobra.Command {
	t := &cobra.Command{Use: "trigger", Short: "Call a running Olympus server"}
	t.PersistentFlags().String("server", "http://127.0.0.1:8080", "server URL")
	t.PersistentFlags().String("base-path", "/v1", "API base path")
	t.PersistentFlags().String("token", "", "bearer token")
	_ = viper.BindPFlag("server", t.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("base-path", t.PersistentFlags().Lookup("base-path"))
	_ = viper.BindPFlag("token", t.PersistentFlags().Lookup("token"))
	t.AddCommand(triggerDeployCmd())
	t.AddCommand(triggerSubmitCmd())
	t.AddCommand(triggerGateCmd())
	return t
}

func sdkClient() *olympussdk.Client {
	c := olympussdk.New(viper.GetString("server"))
	c.BasePath = viper.GetString("base-path")
	c.BearerToken = viper.GetString("token")
	c.ActorID = actor()
	return c
}

func triggerDeployCmd() *cobra.Command {
	var ev olympussdk.DeployEvent
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Report a finished deployment so waiting tasks run deploy_check",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ev.ProjectID == "" {
				ev.ProjectID = viper.GetString("project")
			}
			res, err := sdkClient().DeployEvent(cmd.Context(), ev)
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	cmd.Flags().StringVar(&ev.ProjectID, "project-id", "", "project id (defaults to --project)")
	cmd.Flags().StringVar(&ev.Commit, "commit", "", "deployed commit")
	cmd.Flags().StringVar(&ev.DeployURL, "url", "", "deployment URL")
	cmd.Flags().StringVar(&ev.Status, "status", "", "deploy status reported by the platform")
	_ = cmd.MarkFlagRequired("commit")
	return cmd
}

func triggerSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit a task for verification on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := sdkClient().Submit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
}

func triggerGateCmd() *cobra.Command {
	var attempt int
	cmd := &cobra.Command{
		Use:   "gate <task-id> <gate>",
		Short: "Run one gate attempt on the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := sdkClient().RunGate(cmd.Context(), args[0], args[1], attempt)
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	cmd.Flags().IntVar(&attempt, "attempt", 0, "attempt number (next one when 0)")
	return cmd
}
