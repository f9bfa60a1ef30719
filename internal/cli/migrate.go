package cli

import (
	"fmt"
	"io/fs"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/migrations"
)

type migrateOptions struct {
	*RootOptions
	DryRun bool

	fsys fs.FS
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &migrateOptions{RootOptions: rootOpts, fsys: migrations.FS}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), rootOpts, func(env *Env) error {
				if env.DB == nil {
					return NewExitError(ExitCommandError, "migrate requires a PostgreSQL database")
				}
				pending, err := database.PendingMigrations(cmd.Context(), env.DB, opts.fsys)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list pending migrations", err)
				}
				if pending == nil {
					pending = []string{}
				}
				if !opts.DryRun && len(pending) > 0 {
					if err := database.RunMigrations(cmd.Context(), env.DB, opts.fsys, slog.Default()); err != nil {
						return WrapExitError(ExitFailure, "migration failed", err)
					}
				}
				return printer{opts.Format, cmd.OutOrStdout()}.print(map[string]interface{}{"pending": pending, "applied": !opts.DryRun}, func(tw *tabwriter.Writer) {
					verb := "applied"
					if opts.DryRun {
						verb = "pending"
					}
					if len(pending) == 0 {
						fmt.Fprintln(tw, "schema is up to date")
					}
					for _, name := range pending {
						fmt.Fprintf(tw, "%s\t%s\n", verb, name)
					}
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list pending migrations without applying them")

	return cmd
}
