package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/steveyegge/killswitch/internal/exitcode"
)

func newVerifyCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "verify",
		Short:   "Verify that every expected agent has stopped",
		GroupID: GroupSwitch,
		Long: `Check each agent expected by the current trigger, regardless of what it
acknowledged, and force-stop any that are still running. Exits non-zero if
any agent could not be confirmed stopped.`,
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

			summary, err := e.ctrl.VerifyCompliance(cmd.Context())
			if summary == nil {
				return err
			}
			if werr := writeOutput(cmd.OutOrStdout(), output, summary, func(w io.Writer) { renderSummary(w, summary) }); werr != nil {
				return werr
			}
			if err != nil {
				return err
			}
			if !summary.Verified {
				return exitcode.Newf(exitcode.ErrNotCompliant, "%d agent(s) not confirmed stopped; escalate", len(summary.NonCompliant))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json, yaml")
	return cmd
}

func newTestRecoveryCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "test-recovery",
		Short:   "Probe the recovery channels without triggering",
		GroupID: GroupDiag,
		Long: `Run a recovery test: check that the state store is readable and
writable, the event bus is reachable and the backup trigger file can be
written. The result is recorded in the state document. The kill switch
state is not changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			e, err := a.open(cmd.Context(), envOptions{bus: true})
			if err != nil {
				return err
			}
			defer e.close()

			res := e.ctrl.TestRecovery(cmd.Context())
			if err := writeOutput(cmd.OutOrStdout(), output, res, func(w io.Writer) { renderTestResult(w, res) }); err != nil {
				return err
			}
			if !res.Success {
				phase := "unknown"
				if res.PhaseFailed != nil {
					phase = *res.PhaseFailed
				}
				return exitcode.Newf(exitcode.ErrRecoveryTest, "recovery test failed in phase %s", phase)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json, yaml")
	return cmd
}
