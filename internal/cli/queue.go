package cli

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/queue"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and operate the retry queue",
	}

	cmd.AddCommand(newQueueTasksCommand(rootOpts))
	cmd.AddCommand(newQueueStatsCommand(rootOpts))
	cmd.AddCommand(newQueueRequeueCommand(rootOpts))
	cmd.AddCommand(newQueueDrainCommand(rootOpts))

	return cmd
}

type queueTasksOptions struct {
	*RootOptions
	Source string
	Status string
	Limit  int
}

func newQueueTasksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &queueTasksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List queue tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.TaskFilter{Source: opts.Source, Limit: opts.Limit}
			if opts.Status != "" {
				status, ok := models.ParseTaskStatus(opts.Status)
				if !ok {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
				}
				filter.Status = status
			}

			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				tasks, err := env.App.Queue.List(cmd.Context(), filter)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list tasks", err)
				}
				return printTasks(printer{opts.Format, cmd.OutOrStdout()}, tasks)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "only tasks of this source")
	cmd.Flags().StringVar(&opts.Status, "status", "", "pending, running, completed or failed")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of tasks")

	return cmd
}

func printTasks(p printer, tasks []models.QueueTask) error {
	if tasks == nil {
		tasks = []models.QueueTask{}
	}
	return p.print(map[string]interface{}{"tasks": tasks, "count": len(tasks)}, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tSOURCE\tSTATUS\tATTEMPTS\tSCHEDULED\tLAST ERROR")
		for _, t := range tasks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				t.ID, t.Source, t.Status, t.Attempts, t.MaxAttempts, formatTime(&t.ScheduledAt), formatOptional(t.LastError))
		}
	})
}

func newQueueStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks per source and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				stats, err := env.App.Queue.Stats(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "failed to load queue stats", err)
				}
				if stats == nil {
					stats = []models.QueueStats{}
				}
				sort.Slice(stats, func(i, j int) bool { return stats[i].Source < stats[j].Source })

				return printer{rootOpts.Format, cmd.OutOrStdout()}.print(map[string]interface{}{"sources": stats}, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "SOURCE\tPENDING\tRUNNING\tCOMPLETED\tFAILED")
					for _, s := range stats {
						fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", s.Source,
							s.Counts[models.TaskStatusPending], s.Counts[models.TaskStatusRunning],
							s.Counts[models.TaskStatusCompleted], s.Counts[models.TaskStatusFailed])
					}
				})
			})
		},
	}
}

func newQueueRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Reset a failed task to pending with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				task, err := env.App.Queue.Requeue(cmd.Context(), args[0])
				switch {
				case errors.Is(err, queue.ErrTaskNotFound):
					return WrapExitError(ExitCommandError, "no such task", err)
				case errors.Is(err, queue.ErrNotRequeueable):
					return WrapExitError(ExitCommandError, "task cannot be requeued", err)
				case err != nil:
					return WrapExitError(ExitFailure, "failed to requeue task", err)
				}
				return printTasks(printer{rootOpts.Format, cmd.OutOrStdout()}, []models.QueueTask{*task})
			})
		},
	}
}

func newQueueDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process every due task once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				handled, err := env.App.Processor.Drain(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "queue drain failed", err)
				}
				return printer{rootOpts.Format, cmd.OutOrStdout()}.print(map[string]int{"handled": handled}, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "handled\t%d\n", handled)
				})
			})
		},
	}
}
