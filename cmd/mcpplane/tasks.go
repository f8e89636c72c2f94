package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mcpplane/internal/domain"
	"mcpplane/internal/engine"
	"mcpplane/internal/repo"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage customer tasks",
		Long: `Tasks move todo -> in_progress -> completed. A completion below the review
threshold, or one not fully AI handled, lands in needs_review until a reviewer
approves or rejects it. failed and cancelled are exits.`,
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskStartCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskReviewCmd())
	cmd.AddCommand(taskFailCmd())
	cmd.AddCommand(taskCancelCmd())
	cmd.AddCommand(taskEventsCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var priority, input string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task for an installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Priority = domain.Priority(priority)
			opts.ActorID = viper.GetString("actor-id")
			if input != "" {
				if err := json.Unmarshal([]byte(input), &opts.Input); err != nil {
					return fmt.Errorf("--input must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.InstallationID, "installation-id", "", "installation the task belongs to")
	cmd.Flags().StringVar(&opts.Type, "type", "", "task type")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().StringVar(&opts.DueAt, "due-at", "", "due time (RFC3339)")
	cmd.Flags().StringVar(&input, "input", "", "task input as a JSON object")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks, func() {
					tw := newTable("ID", "Customer", "Title", "Priority", "Status", "Confidence", "Due")
					for _, t := range tasks {
						tw.AppendRow(table.Row{t.ID, t.CustomerID, t.Title, t.Priority, t.Status, confidence(t), due(t)})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.CustomerID, "customer-id", "", "customer filter")
	cmd.Flags().StringVar(&f.InstallationID, "installation-id", "", "installation filter")
	cmd.Flags().StringVar(&f.EngagementID, "engagement-id", "", "engagement filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.Due, "due", "", "overdue, today or week")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a todo task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StartTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	var (
		conf      int
		handled   string
		notes     string
		output    string
		artifacts []string
		cost      int64
	)
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Report a task result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CompleteOptions{
				Notes:     notes,
				AIHandled: domain.AIHandled(handled),
				Artifacts: artifacts,
				CostCents: cost,
				ActorID:   viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("confidence") {
				opts.AIConfidence = &conf
			}
			if output != "" {
				if err := json.Unmarshal([]byte(output), &opts.Output); err != nil {
					return fmt.Errorf("--output must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().IntVar(&conf, "confidence", 0, "AI confidence 0..100")
	cmd.Flags().StringVar(&handled, "ai-handled", "", "no, partial or full")
	cmd.Flags().StringVar(&notes, "notes", "", "notes appended to the task")
	cmd.Flags().StringVar(&output, "output", "", "result as a JSON object")
	cmd.Flags().StringSliceVar(&artifacts, "artifact", nil, "artifact reference (repeatable)")
	cmd.Flags().Int64Var(&cost, "cost-cents", 0, "execution cost in cents")
	return cmd
}

func taskReviewCmd() *cobra.Command {
	var approve, reject bool
	var notes string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Approve or reject a task awaiting review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			opts := engine.ReviewOptions{Approve: approve, Notes: notes, ActorID: viper.GetString("actor-id")}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReviewTask(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the result")
	cmd.Flags().BoolVar(&reject, "reject", false, "send the task back to in_progress")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes (required when rejecting)")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var message string
	var cost int64
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Record a failed execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.FailTask(ctx, args[0], message, cost, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&message, "error", "", "error message")
	cmd.Flags().Int64Var(&cost, "cost-cents", 0, "execution cost in cents")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task was cancelled")
	return cmd
}

func taskEventsCmd() *cobra.Command {
	var limit int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a task's audit trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evs, err := e.TaskEvents(ctx, args[0], limit, cursor)
				if err != nil {
					return err
				}
				return printJSONOrTable(evs, func() {
					tw := newTable("ID", "Time", "Type", "Actor", "Payload")
					for _, ev := range evs {
						tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ActorID, ev.Payload})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "return events older than this id")
	return cmd
}

func printTask(t domain.Task) error {
	return printJSONOrTable(t, func() {
		tw := newTable("Field", "Value")
		tw.AppendRows([]table.Row{
			{"id", t.ID},
			{"customer", t.CustomerID},
			{"installation", t.InstallationID},
			{"title", t.Title},
			{"type", t.Type},
			{"priority", t.Priority},
			{"status", t.Status},
			{"ai_handled", t.AIHandled},
			{"ai_confidence", confidence(t)},
			{"requires_review", t.RequiresHumanReview},
			{"cost", fmt.Sprintf("%s cents", humanize.Comma(t.CostCents))},
			{"due", due(t)},
		})
		if t.ReviewNotes != "" {
			tw.AppendRow(table.Row{"notes", t.ReviewNotes})
		}
		if t.ErrorMessage != "" {
			tw.AppendRow(table.Row{"error", t.ErrorMessage})
		}
		tw.Render()
	})
}

func confidence(t domain.Task) string {
	if t.AIConfidence == nil {
		return "-"
	}
	return fmt.Sprintf("%d%%", *t.AIConfidence)
}

func due(t domain.Task) string {
	if t.DueAt == nil {
		return ""
	}
	return *t.DueAt
}
