// Package cli implements syncctl, the operator command line for the sync
// pipeline: run status, manual triggers, queue inspection and migrations.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format      string // "json" | "text"
	DatabaseURL string

	open Opener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the syncctl root command. A nil opener connects to
// PostgreSQL using the environment configuration.
func NewRootCommand(open Opener) *cobra.Command {
	if open == nil {
		open = OpenPostgres
	}
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate the electoral data sync pipeline",
		Long: `syncctl inspects and drives the sync pipeline that ingests candidate
lists and electoral news: per-source run status, manual triggers, the retry
queue, ingestion errors and schema migrations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", "", "PostgreSQL URL (defaults to DATABASE_URL)")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewTriggerCommand(opts))
	cmd.AddCommand(NewAbandonCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewErrorsCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}
