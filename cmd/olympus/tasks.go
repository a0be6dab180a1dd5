package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aicallyu/olympus/internal/app"
	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/engine"
	"github.com/aicallyu/olympus/internal/repo"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "Task counts per status for the workspace project.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID := a.Config.Project.ID
				p, err := a.Engine.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := a.Engine.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "task_counts": counts})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Name)
				if p.LiveURL != "" {
					fmt.Printf("Live URL: %s\n", p.LiveURL)
				}
				statuses := make([]string, 0, len(counts))
				for s := range counts {
					statuses = append(statuses, s)
				}
				sort.Strings(statuses)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Tasks"})
				for _, s := range statuses {
					tw.AppendRow(table.Row{colorStatus(s), counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskGetCmd())
	t.AddCommand(taskMoveCmd())
	t.AddCommand(taskAssignCmd())
	t.AddCommand(taskSubmitCmd())
	t.AddCommand(taskAutoFixDoneCmd())
	t.AddCommand(taskApproveCmd())
	t.AddCommand(taskRejectCmd())
	t.AddCommand(taskRetryCmd())
	t.AddCommand(taskReassignCmd())
	t.AddCommand(taskCriteriaCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var criteria []string
	var criteriaFile string
	var human, noHuman bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := readCriteria(criteriaFile)
			if err != nil {
				return err
			}
			for _, c := range criteria {
				list = append(list, domain.Criterion{Description: c})
			}
			opts.AcceptanceCriteria = list
			switch {
			case human && noHuman:
				return fmt.Errorf("--human-checkpoint and --no-human-checkpoint are exclusive")
			case human:
				opts.HumanCheckpoint = &human
			case noHuman:
				v := false
				opts.HumanCheckpoint = &v
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ProjectID = a.Config.Project.ID
				opts.ActorID = actor()
				task, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Assignee, "assignee", "", "agent name")
	cmd.Flags().StringArrayVar(&criteria, "criterion", nil, "acceptance criterion description, repeatable")
	cmd.Flags().StringVar(&criteriaFile, "criteria-file", "", "JSON file with acceptance criteria")
	cmd.Flags().BoolVar(&human, "human-checkpoint", false, "require human approval after the gates")
	cmd.Flags().BoolVar(&noHuman, "no-human-checkpoint", false, "finish without human approval")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func readCriteria(path string) ([]domain.Criterion, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []domain.Criterion
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.ProjectID = a.Config.Project.ID
				tasks, err := a.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Gates"})
				for _, t := range tasks {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, colorStatus(t.Status), assignee, gateSummary(t)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&f.Statuses, "status", nil, "status filter")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

func gateSummary(t domain.Task) string {
	var parts []string
	for _, g := range []string{"build_check", "deploy_check", "perception_check"} {
		gs, ok := t.GateStatus[g]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s(%d/%d)", strings.TrimSuffix(g, "_check"), gs.Status, gs.Attempts, gs.MaxAttempts))
	}
	return strings.Join(parts, " ")
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task and its verification history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				task, err := a.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				history, err := a.Engine.Repo.ListVerifications(ctx, task.ID, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": task, "verifications": history})
				}
				fmt.Printf("%s  %s  [%s]\n", task.ID, task.Title, colorStatus(task.Status))
				if gs := gateSummary(task); gs != "" {
					fmt.Println("Gates:", gs)
				}
				if len(history) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Gate", "Round", "Attempt", "Status", "By", "Summary"})
				for _, v := range history {
					tw.AppendRow(table.Row{v.Gate, v.Round, v.Attempt, colorStatus(v.Status), v.VerifiedBy, v.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <task-id> <status>",
		Short: "Move a task on the board (inbox, assigned, in_progress, review, blocked)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				task, err := a.Engine.UpdateTaskStatus(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-id> <agent>",
		Short: "Assign a task to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				task, err := a.Engine.AssignTask(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
}

func taskSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Send a task into the verification pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.SubmitForVerification(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
}

func taskAutoFixDoneCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "fixed <task-id>",
		Short: "Report an auto-fix as done and re-run the failed gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.CompleteAutoFix(ctx, args[0], actor(), notes)
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "what was fixed")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a task at the human checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				task, err := a.Engine.Approve(ctx, args[0], actor(), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a task at the human checkpoint or after escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				task, err := a.Engine.Reject(ctx, args[0], actor(), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "why the task is rejected")
	_ = cmd.MarkFlagRequired("notes")
	return cmd
}

func taskRetryCmd() *cobra.Command {
	var instructions string
	cmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Retry an escalated gate with new instructions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.RetryWithInstructions(ctx, args[0], actor(), instructions)
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&instructions, "instructions", "", "guidance for the next attempt")
	_ = cmd.MarkFlagRequired("instructions")
	return cmd
}

func taskReassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reassign <task-id> <agent>",
		Short: "Hand an escalated task to another agent and retry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.Reassign(ctx, args[0], actor(), args[1])
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
}

func taskCriteriaCmd() *cobra.Command {
	var criteriaFile string
	cmd := &cobra.Command{
		Use:   "criteria <task-id>",
		Short: "Replace the acceptance criteria of an escalated task and retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := readCriteria(criteriaFile)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.AdjustCriteria(ctx, args[0], actor(), list)
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&criteriaFile, "file", "", "JSON file with acceptance criteria")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func gateCmd() *cobra.Command {
	g := &cobra.Command{Use: "gate", Short: "Run quality gates"}
	var req engine.GateRequest
	run := &cobra.Command{
		Use:   "run <task-id> <gate>",
		Short: "Run one gate attempt (build_check, deploy_check, perception_check)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TaskID = args[0]
			req.Gate = args[1]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req.ActorID = actor()
				out, err := a.Engine.RunGate(ctx, req)
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	run.Flags().IntVar(&req.Attempt, "attempt", 0, "attempt number (next one when 0)")
	g.AddCommand(run)
	return g
}

func printOutcome(out engine.GateOutcome) error {
	if viper.GetBool("json") {
		return printJSON(out)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Gate", "Attempt", "Result", "Task", "Summary"})
	row := func(o engine.GateOutcome) {
		result := colorStatus(o.Outcome)
		if o.Duplicate {
			result += " (stored)"
		}
		tw.AppendRow(table.Row{o.Gate, fmt.Sprintf("%d.%d", o.Round, o.Attempt), result, colorStatus(o.TaskStatus), o.Summary})
	}
	row(out)
	for _, c := range out.Chain {
		row(c)
	}
	tw.Render()
	if out.RoutedTo != "" {
		fmt.Println("Routed to:", out.RoutedTo)
	}
	return nil
}

func escalationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "escalations",
		Short: "List tasks waiting for a human decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEscalations(ctx, a.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Title", "Gate", "Last result"})
				for _, esc := range items {
					tw.AppendRow(table.Row{esc.Task.ID, esc.Task.Title, esc.Gate, esc.Record.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.ProjectID = a.Config.Project.ID
				events, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	l.AddCommand(tail)
	return l
}
