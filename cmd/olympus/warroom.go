package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aicallyu/olympus/internal/app"
	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/warroom"
)

func roomCmd() *cobra.Command {
	r := &cobra.Command{Use: "room", Short: "War Room chat"}
	r.AddCommand(roomCreateCmd())
	r.AddCommand(roomListCmd())
	r.AddCommand(roomJoinCmd())
	r.AddCommand(roomModeCmd())
	r.AddCommand(roomSayCmd())
	r.AddCommand(roomHistoryCmd())
	return r
}

func roomCreateCmd() *cobra.Command {
	var room domain.Room
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room.Name = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Router.CreateRoom(ctx, room)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&room.ID, "id", "", "room id (generated when empty)")
	cmd.Flags().StringVar(&room.RoutingMode, "mode", "", "routing mode: all, mentioned or moderated")
	return cmd
}

func roomListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rooms, err := a.Router.Store.ListRooms(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rooms)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Mode"})
				for _, room := range rooms {
					tw.AppendRow(table.Row{room.ID, room.Name, room.RoutingMode})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func roomJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <room-id> <name>...",
		Short: "Add agents or humans to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, name := range args[1:] {
					if _, err := a.Router.AddParticipant(ctx, args[0], name); err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
				}
				fmt.Printf("%d participant(s) in %s\n", len(args)-1, args[0])
				return nil
			})
		},
	}
}

func roomModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode <room-id> <all|mentioned|moderated>",
		Short: "Change how a room picks responders",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				room, err := a.Router.SetRoutingMode(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(room)
			})
		},
	}
}

func roomSayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "say <room-id> <message>",
		Short: "Post a message as --actor-id and print the agent replies",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Router.Route(ctx, warroom.RouteRequest{
					RoomID:     args[0],
					SenderName: actor(),
					Content:    strings.Join(args[1:], " "),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Status != "ok" {
					fmt.Printf("%s %s\n", res.Status, res.Reason)
					return nil
				}
				replies, err := a.Router.Store.RecentMessages(ctx, args[0], len(res.Responded)+1)
				if err != nil {
					return err
				}
				printMessages(replies)
				if len(res.Failed) > 0 {
					fmt.Println(colorStatus("failed")+":", strings.Join(res.Failed, ", "))
				}
				return nil
			})
		},
	}
}

func roomHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <room-id>",
		Short: "Show recent messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				msgs, err := a.Router.Store.RecentMessages(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				printMessages(msgs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "n", "n", 20, "number of messages")
	return cmd
}

func printMessages(msgs []domain.Message) {
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt, m.SenderName, m.Content)
	}
}

func discussCmd() *cobra.Command {
	var req warroom.DiscussionRequest
	cmd := &cobra.Command{
		Use:   "discuss <room-id> <topic>",
		Short: "Run a round-robin discussion between agents and print the summary",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RoomID = args[0]
			req.Topic = strings.Join(args[1:], " ")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req.StartedBy = actor()
				res, err := a.Discussions.Start(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, c := range res.Contributions {
					fmt.Printf("%s: %s\n\n", c.Agent, c.Content)
				}
				if res.Stopped {
					fmt.Println(colorStatus("escalated"), "stopped:", res.StopReason)
				}
				if res.Summary != "" {
					fmt.Println("Summary:")
					fmt.Println(res.Summary)
				}
				fmt.Printf("%d tokens\n", res.TotalTokens)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&req.Agents, "agents", nil, "agents taking turns, in order")
	cmd.Flags().StringVar(&req.Deliverable, "deliverable", "", "what the summary should produce")
	_ = cmd.MarkFlagRequired("agents")
	return cmd
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agent directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agents, err := a.Agents.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Role", "Endpoint", "Model", "Voice"})
				for _, ag := range agents {
					tw.AppendRow(table.Row{ag.Name, ag.Role, ag.EndpointKind, ag.Model, ag.VoiceID})
				}
				tw.Render()
				return nil
			})
		},
	}
}
