package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/killswitch/internal/audit"
	"github.com/steveyegge/killswitch/internal/exitcode"
	"github.com/steveyegge/killswitch/internal/style"
)

func newStateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "state",
		Short:   "Inspect and repair the state document",
		GroupID: GroupState,
		RunE:    requireSubcommand,
	}
	cmd.AddCommand(
		newStateValidateCmd(a),
		newStateBackupsCmd(a),
		newStateRestoreCmd(a),
	)
	return cmd
}

func newStateValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the state document against its schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.open(cmd.Context(), envOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			doc, err := e.store.Read()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			problems := e.store.Validate(doc.Content)
			if len(problems) == 0 {
				fmt.Fprintf(out, "%s %s is valid (%s)\n", style.SuccessPrefix, e.store.Path(), doc.Checksum)
				return nil
			}
			for _, p := range problems {
				fmt.Fprintf(out, "%s %s: %s\n", style.WarningPrefix, p.Path, p.Message)
			}
			return exitcode.Newf(exitcode.ErrConflict, "%s has %s", e.store.Path(),
				plural(len(problems), "validation problem", "validation problems"))
		},
	}
}

func newStateBackupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backups of the state document, newest last",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.open(cmd.Context(), envOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			backups, err := e.store.Backups()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(backups) == 0 {
				fmt.Fprintln(out, style.Dim.Render("No backups."))
				return nil
			}
			for _, b := range backups {
				fmt.Fprintln(out, filepath.Base(b))
			}
			return nil
		},
	}
}

func newStateRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Roll the state document back to its newest backup",
		Long: `Replace the state document with its newest backup. The document being
replaced is itself backed up first, so a restore can be undone by
restoring again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			doc, err := e.store.Restore(ctx)
			if err != nil {
				return err
			}
			e.record(ctx, audit.Entry{
				Kind:   audit.KindRestore,
				Actor:  defaultActor(),
				Detail: doc.Checksum,
			})
			a.log.Warn("state document restored from backup", "path", e.store.Path(), "checksum", doc.Checksum)
			fmt.Fprintf(cmd.OutOrStdout(), "%s Restored %s (%s)\n", style.SuccessPrefix, e.store.Path(), doc.Checksum)
			for _, p := range doc.Problems {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %s: %s\n", style.WarningPrefix, p.Path, p.Message)
			}
			return nil
		},
	}
}
