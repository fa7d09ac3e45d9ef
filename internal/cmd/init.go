package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/killswitch/internal/config"
	"github.com/steveyegge/killswitch/internal/statestore"
	"github.com/steveyegge/killswitch/internal/style"
)

func newInitCmd(a *app) *cobra.Command {
	var writeConfig bool

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Create the state document",
		GroupID: GroupState,
		Long: `Create an OPERATIONAL state document in the state directory. Fails if
one already exists. --write-config also writes the effective configuration
to <state-dir>/killswitch.toml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.open(cmd.Context(), envOptions{})
			if err != nil {
				return err
			}
			defer e.close()
			out := cmd.OutOrStdout()

			if err := e.ctrl.Initialize(cmd.Context()); err != nil {
				if errors.Is(err, statestore.ErrAlreadyExists) {
					return fmt.Errorf("%w: %s", err, a.cfg.StatePath())
				}
				return err
			}
			fmt.Fprintf(out, "%s Initialized %s\n", style.SuccessPrefix, a.cfg.StatePath())

			if writeConfig {
				path := filepath.Join(a.cfg.StateDir, config.FileName)
				if err := a.cfg.Write(path); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s Wrote %s\n", style.SuccessPrefix, path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "also write the effective configuration file")
	return cmd
}
