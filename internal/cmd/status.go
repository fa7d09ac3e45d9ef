package cmd

import (
	"io"

	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show the kill switch state",
		GroupID: GroupSwitch,
		Long: `Show the current state, the active trigger with its acknowledgment
rate and compliance results, the backup trigger file and the recovery test
history. Status takes no locks, so it works while a trigger is waiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			e, err := a.open(cmd.Context(), envOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			st, err := e.ctrl.Status(cmd.Context())
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, st, func(w io.Writer) { renderStatus(w, st) })
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json, yaml")
	return cmd
}
