package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/killswitch/internal/backuptrigger"
	"github.com/steveyegge/killswitch/internal/exitcode"
	"github.com/steveyegge/killswitch/internal/killswitch"
	"github.com/steveyegge/killswitch/internal/style"
)

func newAgentCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Manage fleet agents",
		GroupID: GroupAgents,
		RunE:    requireSubcommand,
	}
	cmd.AddCommand(
		newAgentRegisterCmd(a),
		newAgentDeregisterCmd(a),
		newAgentListCmd(a),
		newAgentAckCmd(a),
		newAgentCheckCmd(a),
		newAgentWatchCmd(a),
	)
	return cmd
}

func newAgentRegisterCmd(a *app) *cobra.Command {
	var (
		pid  int
		host string
	)
	cmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Add an agent to the fleet",
		Long: `Register an agent so future triggers expect it. --pid lets the controller
check and stop the process directly. Registration does not change the
expected set of a trigger that is already live.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if host == "" {
				host, _ = os.Hostname()
			}
			e, err := a.open(cmd.Context(), envOptions{initialize: true})
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.ctrl.RegisterAgent(cmd.Context(), killswitch.AgentRecord{ID: args[0], PID: pid, Host: host}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Registered %s\n", style.SuccessPrefix, args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "process id of the agent")
	cmd.Flags().StringVar(&host, "host", "", "host the agent runs on (default: this host)")
	return cmd
}

func newAgentDeregisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "deregister <agent-id>",
		Aliases: []string{"rm"},
		Short:   "Remove an agent from the fleet",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd.Context(), envOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.ctrl.DeregisterAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deregistered %s\n", style.SuccessPrefix, args[0])
			return nil
		},
	}
}

func newAgentListCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered agents",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			e, err := a.open(cmd.Context(), envOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			agents, err := e.ctrl.Agents(cmd.Context())
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, agents, func(w io.Writer) {
				if len(agents) == 0 {
					fmt.Fprintln(w, style.Dim.Render("No agents registered."))
					return
				}
				tbl := style.NewTable(
					style.Column{Name: "Agent", Width: 24},
					style.Column{Name: "PID", Width: 8, Align: style.AlignRight},
					style.Column{Name: "Host", Width: 20},
					style.Column{Name: "Registered", Width: 20},
				)
				for _, ag := range agents {
					pid := "-"
					if ag.PID > 0 {
						pid = strconv.Itoa(ag.PID)
					}
					tbl.AddRow(ag.ID, pid, ag.Host, formatTime(ag.RegisteredAt))
				}
				fmt.Fprint(w, tbl.Render())
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json, yaml")
	return cmd
}

func newAgentAckCmd(a *app) *cobra.Command {
	var running bool
	cmd := &cobra.Command{
		Use:   "ack <agent-id>",
		Short: "Acknowledge the current trigger on behalf of an agent",
		Long: `Record an agent's acknowledgment of the current trigger directly in the
state document. By default the agent reports that it has stopped; use
--running to report that it has not. Acknowledgments are self-reports:
verification still checks the agent independently.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd.Context(), envOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.ctrl.RegisterAcknowledgment(cmd.Context(), args[0], !running); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Acknowledged as %s\n", style.SuccessPrefix, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&running, "running", false, "report that the agent is still running")
	return cmd
}

func newAgentCheckCmd(a *app) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "check <agent-id>",
		Short: "Exit non-zero if the agent must not start",
		Long: `Check the backup trigger file before an agent starts. Exits 0 when the
agent may start and 60 when the backup trigger is active or cannot be
checked. Intended for agent startup scripts:

  killswitch agent check worker-1 -q || exit 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := killswitch.NewClient(killswitch.ClientOptions{
				AgentID:           args[0],
				BackupTriggerPath: backupTriggerPath(a),
				Logger:            a.log,
			})
			if err != nil {
				return err
			}
			if err := c.MustNotStart(); err != nil {
				if quiet {
					return &silentExit{code: exitcode.ErrTriggered}
				}
				return err
			}
			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s may start\n", style.SuccessPrefix, args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print nothing; report through the exit code only")
	return cmd
}

func newAgentWatchCmd(a *app) *cobra.Command {
	var (
		ack  bool
		once bool
	)
	cmd := &cobra.Command{
		Use:   "watch <agent-id>",
		Short: "Print triggers as they are broadcast",
		Long: `Subscribe to trigger broadcasts as the given agent and print each one.
Refuses to start while the backup trigger file is present. With --ack the
command acknowledges each trigger as stopped; with --once it exits after
the first trigger.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx, envOptions{bus: true})
			if err != nil {
				return err
			}
			defer e.close()

			c, err := killswitch.NewClient(killswitch.ClientOptions{
				AgentID:           args[0],
				Bus:               e.bus,
				BackupTriggerPath: e.ctrl.BackupTriggerPath(),
				Logger:            a.log,
			})
			if err != nil {
				return err
			}
			if err := c.MustNotStart(); err != nil {
				return err
			}
			return watchTriggers(ctx, cmd.OutOrStdout(), c, ack, once)
		},
	}
	cmd.Flags().BoolVar(&ack, "ack", false, "acknowledge each trigger as stopped")
	cmd.Flags().BoolVar(&once, "once", false, "exit after the first trigger")
	return cmd
}

func watchTriggers(ctx context.Context, w io.Writer, c *killswitch.Client, ack, once bool) error {
	events := make(chan killswitch.TriggerEvent, 8)
	sub, err := c.OnTrigger(func(ev killswitch.TriggerEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer sub.Cancel()
	fmt.Fprintf(w, "Watching for triggers as %s\n", c.AgentID())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			line := fmt.Sprintf("%s %s %s %s %s", style.ErrorPrefix, formatTime(ev.Timestamp), ev.ID, ev.Reason, ev.Message)
			fmt.Fprintln(w, strings.TrimRight(line, " "))
			if ack {
				if err := c.RegisterAcknowledgment(ctx, true); err != nil {
					fmt.Fprintf(w, "  %s acknowledgment failed: %v\n", style.WarningPrefix, err)
				}
			}
			if once {
				return nil
			}
		}
	}
}

// backupTriggerPath resolves the marker path without opening the store.
func backupTriggerPath(a *app) string {
	if p := a.cfg.BackupPath(); p != "" {
		return p
	}
	return backuptrigger.DefaultPath(filepath.Dir(a.cfg.StatePath()))
}
