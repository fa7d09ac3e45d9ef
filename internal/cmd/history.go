package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/killswitch/internal/audit"
	"github.com/steveyegge/killswitch/internal/style"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		triggerID string
		kind      string
		limit     int
		output    string
	)

	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"audit"},
		Short:   "Show the audit ledger",
		GroupID: GroupState,
		Long: `List audit ledger entries oldest first: triggers, broadcasts,
acknowledgments, force kills, verifications, recovery tests and recoveries.`,
		Example: `  killswitch history --limit 20
  killswitch history --trigger 0190d3a4-... --kind force_kill`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			if a.cfg.AuditPath() == "" {
				return fmt.Errorf("%w: audit ledger is disabled (audit_db = %q)", errUsage, a.cfg.AuditDB)
			}
			e, err := a.open(cmd.Context(), envOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			entries, err := e.ledger.List(cmd.Context(), audit.Filter{
				TriggerID: triggerID,
				Kind:      audit.Kind(kind),
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, entries, func(w io.Writer) {
				renderHistory(w, entries)
			})
		},
	}
	cmd.Flags().StringVar(&triggerID, "trigger", "", "only entries for this trigger id")
	cmd.Flags().StringVar(&kind, "kind", "", "only entries of this kind (trigger, ack, force_kill, ...)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "show at most the newest n entries (0 for all)")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json, yaml")
	return cmd
}

func renderHistory(w io.Writer, entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No audit entries."))
		return
	}
	tbl := style.NewTable(
		style.Column{Name: "Seq", Width: 5, Align: style.AlignRight},
		style.Column{Name: "Time", Width: 20},
		style.Column{Name: "Kind", Width: 18, Render: style.CellStyle(style.Bold)},
		style.Column{Name: "Actor", Width: 16},
		style.Column{Name: "Detail", Width: 48},
	)
	for _, e := range entries {
		tbl.AddRow(fmt.Sprint(e.Seq), formatTime(e.RecordedAt), string(e.Kind), e.Actor, entryDetail(e))
	}
	fmt.Fprint(w, tbl.Render())
}

// entryDetail joins the free-text detail with the sorted attributes.
func entryDetail(e audit.Entry) string {
	parts := make([]string, 0, len(e.Attrs)+1)
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := e.Attrs[k]; v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, " ")
}
