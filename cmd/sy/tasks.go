package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"switchyard/internal/app"
	"switchyard/internal/domain"
	"switchyard/internal/taskqueue"
	"switchyard/internal/worklog"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow pending -> active -> completed|failed. A task is distributed only when every dependency has completed; the assignee learns of it through a task_assign message and the assigner through task_result.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskDistributeCmd())
	task.AddCommand(taskBatchCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskFailCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskReclaimCmd())
	task.AddCommand(taskWorkloadCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts taskqueue.TaskCreateOptions
	var priority, deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending task",
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := domain.ParsePriority(priority)
			if err != nil {
				return err
			}
			opts.Priority = prio
			if deadline != "" {
				d, err := time.Parse(time.RFC3339, deadline)
				if err != nil {
					return fmt.Errorf("--deadline must be RFC3339: %w", err)
				}
				opts.Deadline = &d
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (random if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Assignee, "assignee", "", "worker the task is reserved for")
	cmd.Flags().StringVar(&priority, "priority", "medium", "low, medium, high or urgent")
	cmd.Flags().StringArrayVar(&opts.Dependencies, "depends-on", []string{}, "dependency task id (repeatable)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().Float64Var(&opts.EstimatedEffort, "effort", 0, "estimated effort")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Tasks.List(ctx, domain.TaskStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				now := time.Now()
				tw := newTable("ID", "Title", "Status", "Priority", "Assignee", "Deps", "Created", "Due")
				for _, t := range tasks {
					due := ""
					if t.Deadline != nil {
						due = humanize.Time(*t.Deadline)
						if t.Overdue(now) {
							due += " (overdue)"
						}
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.Assignee, len(t.Dependencies), humanize.Time(t.CreatedAt), due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, active, completed or failed")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskDistributeCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "distribute <id>",
		Short: "Assign a pending task to --to (or the least loaded worker)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				target := to
				if target == "" {
					w, err := a.Tasks.LeastLoaded(ctx, nil)
					if err != nil {
						return err
					}
					target = w
				}
				t, err := a.Tasks.Distribute(ctx, args[0], target)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "worker id")
	return cmd
}

func taskBatchCmd() *cobra.Command {
	var maxCount int
	var assignedOnly bool
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Distribute up to --max ready tasks to --worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := actingWorker()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if assignedOnly {
					a.Tasks.AssignedOnly = true
				}
				tasks, err := a.Tasks.BatchDistribute(ctx, worker, maxCount)
				if perr := printJSONOrTable(tasks); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&maxCount, "max", 5, "maximum tasks to assign")
	cmd.Flags().BoolVar(&assignedOnly, "assigned-only", false, "skip unassigned tasks")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var result string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark an active task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if result != "" {
				if !json.Valid([]byte(result)) {
					return fmt.Errorf("--result must be valid JSON")
				}
				raw = json.RawMessage(result)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Complete(ctx, args[0], raw)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "result JSON")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark an active task failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Fail(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Return an active task to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Release(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "released manually", "release reason")
	return cmd
}

func taskReclaimCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return active tasks older than --older-than to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Tasks.ReclaimStale(ctx, olderThan)
				if perr := printJSONOrTable(tasks); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (default tasks.reclaim_after)")
	return cmd
}

func taskWorkloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workload",
		Short: "Show per-worker task load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				loads, err := a.Tasks.Workload(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(loads)
				}
				tw := newTable("Worker", "Active", "Pending", "Effort")
				for _, l := range loads {
					tw.AppendRow(table.Row{l.Worker, l.Active, l.Pending, l.Effort})
				}
				tw.SortBy([]table.SortBy{{Name: "Worker", Mode: table.Asc}})
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Append to and read the work log"}
	l.AddCommand(logAppendCmd())
	l.AddCommand(logShowCmd())
	l.AddCommand(logSummaryCmd())
	l.AddCommand(logDailyCmd())
	l.AddCommand(logRecentCmd())
	return l
}

func logAppendCmd() *cobra.Command {
	var opts worklog.AppendOptions
	var kind string
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an entry authored by --worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			author, err := actingWorker()
			if err != nil {
				return err
			}
			opts.Author = author
			opts.Kind = domain.LogKind(kind)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.WorkLog.Append(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&kind, "kind", string(domain.LogProgress), "progress, decision, challenge or metric")
	cmd.Flags().StringVar(&opts.Content, "content", "", "entry text")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func logShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task's entries in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.WorkLog.Entries(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				printEntries(entries)
				return nil
			})
		},
	}
}

func logSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <task-id>",
		Short: "Summarize a task's entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.WorkLog.TaskSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func logDailyCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Summarize the entries of one UTC day",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Now().UTC()
			if day != "" {
				parsed, err := time.Parse("2006-01-02", day)
				if err != nil {
					return fmt.Errorf("--day must be YYYY-MM-DD: %w", err)
				}
				d = parsed
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.WorkLog.DailySummary(ctx, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD (default today)")
	return cmd
}

func logRecentCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the newest entries across tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.WorkLog.Recent(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				printEntries(entries)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func printEntries(entries []domain.WorkLogEntry) {
	tw := newTable("Task", "Seq", "When", "Author", "Kind", "Content")
	for _, e := range entries {
		tw.AppendRow(table.Row{e.TaskID, e.Seq, humanize.Time(e.Timestamp), e.Author, e.Kind, e.Content})
	}
	tw.Render()
}
