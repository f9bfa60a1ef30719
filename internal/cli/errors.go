package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/internal/models"
)

type errorsOptions struct {
	*RootOptions
	All   bool
	Limit int
}

// NewErrorsCommand creates the errors command and its resolve subcommand.
func NewErrorsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &errorsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List per-item ingestion errors, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit < 1 {
				return NewExitError(ExitCommandError, "--limit must be a positive integer")
			}
			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				list, err := env.App.Stores.Errors.ListErrors(cmd.Context(), opts.Limit, !opts.All)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list ingestion errors", err)
				}
				if list == nil {
					list = []models.IngestionError{}
				}
				return printer{opts.Format, cmd.OutOrStdout()}.print(map[string]interface{}{"errors": list, "count": len(list)}, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tSOURCE\tTYPE\tKEY\tCREATED\tRESOLVED\tMESSAGE")
					for _, e := range list {
						key := e.NaturalKey
						if key == "" {
							key = "-"
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
							e.ID, e.Source, e.ErrorType, key, formatTime(&e.CreatedAt), e.Resolved, e.ErrorMsg)
					}
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "include resolved errors")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of errors")

	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <error-id>",
		Short: "Mark an ingestion error as resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				err := env.App.Stores.Errors.ResolveError(cmd.Context(), args[0], env.App.Now())
				if errors.Is(err, database.ErrNotFound) {
					return WrapExitError(ExitCommandError, "no such ingestion error", err)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "failed to resolve ingestion error", err)
				}
				return printer{rootOpts.Format, cmd.OutOrStdout()}.print(map[string]interface{}{"id": args[0], "resolved": true}, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "resolved\t%s\n", args[0])
				})
			})
		},
	})

	return cmd
}
