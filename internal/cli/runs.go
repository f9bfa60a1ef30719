package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/votoclaro/electsync/internal/ingestion"
	"github.com/votoclaro/electsync/internal/ledger"
	"github.com/votoclaro/electsync/internal/models"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest run and recent totals of every source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				statuses, err := env.App.Ledger.Status(cmd.Context(), env.App.Runner.Sources())
				if err != nil {
					return WrapExitError(ExitFailure, "failed to load sync status", err)
				}
				return printer{rootOpts.Format, cmd.OutOrStdout()}.print(map[string]interface{}{"sources": statuses}, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "SOURCE\tLATEST\tSTATUS\tSTARTED\tSTALE\tRUNS\tFAILED")
					for _, s := range statuses {
						latestID, status, started := "-", "-", "-"
						if s.Latest != nil {
							latestID = s.Latest.ID
							status = string(s.Latest.Status)
							started = formatTime(&s.Latest.StartedAt)
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%d\n",
							s.Source, latestID, status, started, s.Stale, s.Recent.Runs, s.Recent.Failed)
					}
				})
			})
		},
	}
}

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Source string
	Limit  int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit < 1 {
				return NewExitError(ExitCommandError, "--limit must be a positive integer")
			}
			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				runs, err := env.App.Ledger.ListRecent(cmd.Context(), opts.Source, opts.Limit)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list runs", err)
				}
				return printRuns(printer{opts.Format, cmd.OutOrStdout()}, runs)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "only runs of this source")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs")

	return cmd
}

func printRuns(p printer, runs []models.SyncRun) error {
	if runs == nil {
		runs = []models.SyncRun{}
	}
	return p.print(map[string]interface{}{"runs": runs, "count": len(runs)}, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tSOURCE\tSTATUS\tSTARTED\tPROCESSED\tCREATED\tUPDATED\tSKIPPED\tERRORS")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
				r.ID, r.Source, r.Status, formatTime(&r.StartedAt),
				r.Counts.Processed, r.Counts.Created, r.Counts.Updated, r.Counts.Skipped, r.Counts.Errors)
		}
	})
}

// TriggerOptions holds flags for the trigger command.
type TriggerOptions struct {
	*RootOptions
	Since string
}

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TriggerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trigger <source>",
		Short: "Run one source now and print the run summary",
		Long: `Run one source synchronously. The command fails with exit code 2 when
the source is unknown or already running, and with exit code 1 when the run
itself failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				result, err := env.App.Runner.Run(cmd.Context(), args[0], opts.Since)
				switch {
				case errors.Is(err, ingestion.ErrUnknownSource):
					return WrapExitError(ExitCommandError, fmt.Sprintf("unknown source (known: %s)", strings.Join(env.App.Runner.Sources(), ", ")), err)
				case errors.Is(err, ledger.ErrRunInProgress), errors.Is(err, ledger.ErrStaleRun):
					return WrapExitError(ExitCommandError, "source is busy", err)
				case err != nil && result.RunID == "":
					return WrapExitError(ExitFailure, "failed to start run", err)
				}

				if perr := printResult(printer{opts.Format, cmd.OutOrStdout()}, result); perr != nil {
					return perr
				}
				if err != nil || result.Status == models.RunStatusFailed {
					return NewExitError(ExitFailure, fmt.Sprintf("run %s failed: %s", result.RunID, result.Error))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "source cursor, e.g. an RFC 3339 timestamp for news")

	return cmd
}

func printResult(p printer, r ingestion.RunResult) error {
	return p.print(r, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "run\t%s\n", r.RunID)
		fmt.Fprintf(tw, "source\t%s\n", r.Source)
		fmt.Fprintf(tw, "status\t%s\n", r.Status)
		fmt.Fprintf(tw, "processed\t%d\n", r.Counts.Processed)
		fmt.Fprintf(tw, "created\t%d\n", r.Counts.Created)
		fmt.Fprintf(tw, "updated\t%d\n", r.Counts.Updated)
		fmt.Fprintf(tw, "skipped\t%d\n", r.Counts.Skipped)
		fmt.Fprintf(tw, "errors\t%d\n", r.Counts.Errors)
		fmt.Fprintf(tw, "deferred\t%d\n", r.Deferred)
		fmt.Fprintf(tw, "duration\t%dms\n", r.DurationMs)
		if r.Error != "" {
			fmt.Fprintf(tw, "error\t%s\n", r.Error)
		}
	})
}

// AbandonOptions holds flags for the abandon command.
type AbandonOptions struct {
	*RootOptions
	Reason string
}

// NewAbandonCommand creates the abandon command.
func NewAbandonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AbandonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "abandon <run-id>",
		Short: "Mark a stuck running run as failed so its source can run again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				err := env.App.Ledger.Abandon(cmd.Context(), args[0], opts.Reason)
				switch {
				case errors.Is(err, ledger.ErrRunNotFound):
					return WrapExitError(ExitCommandError, "no such run", err)
				case errors.Is(err, ledger.ErrRunFinished):
					return WrapExitError(ExitCommandError, "run already finished", err)
				case err != nil:
					return WrapExitError(ExitFailure, "failed to abandon run", err)
				}
				run, err := env.App.Ledger.Get(cmd.Context(), args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "failed to reload run", err)
				}
				return printRuns(printer{opts.Format, cmd.OutOrStdout()}, []models.SyncRun{*run})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Reason, "reason", "manual", "reason recorded on the run")

	return cmd
}
