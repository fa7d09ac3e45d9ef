package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/killswitch/internal/exitcode"
	"github.com/steveyegge/killswitch/internal/killswitch"
	"github.com/steveyegge/killswitch/internal/style"
)

func newRecoverCmd(a *app) *cobra.Command {
	var (
		reason  string
		actor   string
		force   bool
		runTest bool
	)

	cmd := &cobra.Command{
		Use:     "recover",
		Short:   "Return the kill switch to OPERATIONAL",
		GroupID: GroupSwitch,
		Long: `Recover from a trigger after the incident has been resolved.

Recovery is refused while compliance has not been verified or when the most
recent recovery test failed. --force overrides both checks and is recorded
in the recovery record. --test runs a recovery test first and refuses on
failure unless --force is also given.`,
		Example: `  killswitch recover --reason "sandbox escape patched"
  killswitch recover --reason "drill complete" --test`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if actor == "" {
				actor = defaultActor()
			}

			e, err := a.open(ctx, envOptions{bus: runTest})
			if err != nil {
				return err
			}
			defer e.close()
			out := cmd.OutOrStdout()

			st, err := e.ctrl.Status(ctx)
			if err != nil {
				return err
			}
			if !st.Triggered {
				return fmt.Errorf("%w: state is %s", killswitch.ErrNotTriggered, st.State)
			}

			testFailed := st.LastTestResult != nil && !st.LastTestResult.Success
			if runTest {
				res := e.ctrl.TestRecovery(ctx)
				renderTestResult(out, res)
				testFailed = !res.Success
			}
			if testFailed && !force {
				return exitcode.New(exitcode.ErrRecoveryTest,
					"last recovery test failed; run test-recovery or use --force")
			}
			if !st.ComplianceVerified && !force {
				return exitcode.New(exitcode.ErrNotCompliant,
					"compliance not verified; run verify first or use --force")
			}

			forced := force && (testFailed || !st.ComplianceVerified)
			if err := e.ctrl.Recover(ctx, killswitch.RecoverRequest{Reason: reason, Actor: actor, Forced: forced}); err != nil {
				return err
			}
			if st.CurrentTrigger != nil {
				fmt.Fprintf(out, "%s Kill switch recovered from trigger %s\n", style.SuccessPrefix, st.CurrentTrigger.ID)
			} else {
				fmt.Fprintf(out, "%s Kill switch recovered\n", style.SuccessPrefix)
			}
			if forced {
				fmt.Fprintf(out, "  %s recovery was forced past failed safety checks\n", style.WarningPrefix)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why recovery is safe (required)")
	cmd.Flags().StringVar(&actor, "actor", "", "operator performing the recovery (default: current user)")
	cmd.Flags().BoolVar(&force, "force", false, "recover even if compliance is unverified or the last test failed")
	cmd.Flags().BoolVar(&runTest, "test", false, "run a recovery test first")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
