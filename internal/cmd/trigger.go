package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/killswitch/internal/exitcode"
	"github.com/steveyegge/killswitch/internal/killswitch"
	"github.com/steveyegge/killswitch/internal/style"
)

func newTriggerCmd(a *app) *cobra.Command {
	var (
		reason  string
		message string
		source  string
		wait    bool
		timeout time.Duration
		output  string
	)

	cmd := &cobra.Command{
		Use:     "trigger",
		Short:   "Pull the kill switch",
		GroupID: GroupSwitch,
		Long: `Trigger the kill switch for every registered agent.

The trigger is persisted, then broadcast on the event bus. If the bus is
unreachable the backup trigger file is written instead, which agents check
before starting. With --wait the command collects acknowledgments and then
verifies that every expected agent has actually stopped, force-stopping
any that have not.

Reasons: MANUAL, SAFETY_VIOLATION, CRITICAL_FAILURE, RESOURCE_EXHAUSTION,
EXTERNAL_SIGNAL, TEST.`,
		Example: `  killswitch trigger --reason safety-violation --message "agent wrote outside sandbox"
  killswitch trigger --wait --timeout 10s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			r, err := killswitch.ParseReason(reason)
			if err != nil {
				return err
			}
			if source == "" {
				source = defaultActor()
			}
			req := killswitch.TriggerRequest{Reason: r, Message: message, Source: source}

			e, err := a.open(cmd.Context(), envOptions{bus: true, initialize: true, ackTimeout: timeout})
			if err != nil {
				return err
			}
			defer e.close()
			out := cmd.OutOrStdout()

			if !wait {
				ev, err := e.ctrl.Trigger(cmd.Context(), req)
				if ev == nil {
					return err
				}
				if output != outputText {
					if werr := writeOutput(out, output, ev, nil); werr != nil {
						return werr
					}
					return err
				}
				fmt.Fprintf(out, "%s Kill switch triggered: %s\n", style.ErrorPrefix, ev.ID)
				field(out, "Reason", style.Label(string(ev.Reason)))
				field(out, "Expected agents", fmt.Sprint(len(ev.ExpectedAgents)))
				if present, _ := backupActive(cmd.Context(), e); present {
					fmt.Fprintf(out, "  %s Event bus unavailable; backup trigger file written\n", style.WarningPrefix)
				}
				return err
			}

			verified, summary, err := e.ctrl.TriggerAndWait(cmd.Context(), req)
			if summary == nil {
				return err
			}
			if werr := writeOutput(out, output, summary, func(w io.Writer) { renderSummary(w, summary) }); werr != nil {
				return werr
			}
			if err != nil {
				return err
			}
			if !verified {
				return exitcode.Newf(exitcode.ErrNotCompliant, "%d agent(s) not confirmed stopped; escalate", len(summary.NonCompliant))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", string(killswitch.ReasonManual), "why the switch is pulled")
	cmd.Flags().StringVarP(&message, "message", "m", "", "free-text description")
	cmd.Flags().StringVar(&source, "source", "", "who or what is triggering (default: current user)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for acknowledgments and verify compliance")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "acknowledgment window with --wait (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json, yaml")
	return cmd
}

func backupActive(ctx context.Context, e *env) (bool, error) {
	st, err := e.ctrl.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.BackupTriggerActive, nil
}

// defaultActor names the operator for audit records.
func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
