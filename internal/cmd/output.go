package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/killswitch/internal/killswitch"
	"github.com/steveyegge/killswitch/internal/style"
)

// Output formats accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func checkOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("%w: --output %q: want text, json or yaml", errUsage, format)
}

// writeOutput encodes v as JSON or YAML, or calls text for the human format.
func writeOutput(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}

func field(w io.Writer, name, value string) {
	fmt.Fprintf(w, "  %-15s %s\n", name, value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func stateLabel(s killswitch.State) string {
	switch s {
	case killswitch.StateOperational:
		return style.Success.Render(string(s))
	case killswitch.StateVerifying:
		return style.Warning.Render(string(s))
	default:
		return style.Error.Render(string(s))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}

// renderStatus writes the human status report.
func renderStatus(w io.Writer, st *killswitch.Status) {
	fmt.Fprintf(w, "%s %s\n", style.Bold.Render("Kill switch:"), stateLabel(st.State))

	if ev := st.CurrentTrigger; ev != nil {
		field(w, "Trigger", ev.ID)
		field(w, "Reason", style.Label(string(ev.Reason)))
		if ev.Message != "" {
			field(w, "Message", ev.Message)
		}
		if ev.Source != "" {
			field(w, "Source", ev.Source)
		}
		field(w, "Triggered at", formatTime(ev.Timestamp))
		field(w, "Acknowledged", fmt.Sprintf("%d/%d (%.0f%%)",
			len(st.Acknowledgments), len(st.ExpectedAgents), st.AcknowledgmentRate*100))
		if len(st.MissingAcknowledgments) > 0 {
			field(w, "Missing", strings.Join(st.MissingAcknowledgments, ", "))
		}
		field(w, "Verified", style.Bool(st.ComplianceVerified, false))
		if st.ForceKillUsed {
			field(w, "Force kill", style.Warning.Render("used"))
		}
	}

	backup := "inactive"
	if st.BackupTriggerActive {
		backup = style.Error.Render("ACTIVE")
	}
	field(w, "Backup trigger", backup)
	field(w, "Registered", plural(st.RegisteredAgents, "agent", "agents"))
	field(w, "Recovery tests", testSummary(st))
	if r := st.LastRecovery; r != nil && st.CurrentTrigger == nil {
		by := ""
		if r.Actor != "" {
			by = " by " + r.Actor
		}
		field(w, "Last recovery", fmt.Sprintf("%s%s: %s", formatTime(r.RecoveredAt), by, r.Reason))
	}
	field(w, "Checksum", st.Checksum)

	if st.CurrentTrigger != nil && len(st.ExpectedAgents) > 0 {
		fmt.Fprintln(w)
		fmt.Fprint(w, agentTable(st).Render())
	}

	if n := len(st.ValidationProblems); n > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %s %s\n", style.WarningPrefix, plural(n, "validation problem", "validation problems"))
		for _, p := range st.ValidationProblems {
			fmt.Fprintf(w, "    %s: %s\n", p.Path, p.Message)
		}
	}
}

func testSummary(st *killswitch.Status) string {
	last := st.LastTestResult
	if st.TestCount == 0 || last == nil {
		return "none run"
	}
	result := style.Success.Render("passed")
	if !last.Success {
		result = style.Error.Render("failed")
		if last.PhaseFailed != nil {
			result += " (" + *last.PhaseFailed + ")"
		}
	}
	return fmt.Sprintf("%s, last %s at %s", plural(st.TestCount, "run", "runs"), result, formatTime(last.RanAt))
}

func agentTable(st *killswitch.Status) *style.Table {
	tbl := style.NewTable(
		style.Column{Name: "Agent", Width: 16},
		style.Column{Name: "Ack", Width: 8},
		style.Column{Name: "Compliant", Width: 9, Render: compliantStyle},
		style.Column{Name: "Detail", Width: 40, Render: style.CellStyle(style.Dim)},
	)
	for _, id := range st.ExpectedAgents {
		ack := "-"
		if a, ok := st.Acknowledgments[id]; ok {
			ack = "running"
			if a.Stopped {
				ack = "stopped"
			}
		}
		compliant, detail := "pending", ""
		if rep, ok := st.Compliance[id]; ok {
			compliant = "no"
			if rep.Compliant {
				compliant = "yes"
			}
			detail = rep.Detail
		}
		tbl.AddRow(id, ack, compliant, detail)
	}
	return tbl
}

func compliantStyle(s string) string {
	switch s {
	case "yes":
		return style.Success.Render(s)
	case "no":
		return style.Error.Render(s)
	}
	return s
}

// renderSummary writes the outcome of a verification.
func renderSummary(w io.Writer, s *killswitch.ComplianceSummary) {
	if s.Verified {
		fmt.Fprintf(w, "%s Compliance verified for trigger %s\n", style.SuccessPrefix, s.TriggerID)
	} else {
		fmt.Fprintf(w, "%s Compliance NOT verified for trigger %s\n", style.ErrorPrefix, s.TriggerID)
	}
	field(w, "Expected", fmt.Sprint(len(s.Expected)))
	field(w, "Acknowledged", fmt.Sprint(len(s.Acknowledged)))
	if s.TimedOut {
		field(w, "Timed out", style.Warning.Render("yes"))
	}
	if len(s.Missing) > 0 {
		field(w, "Missing", strings.Join(s.Missing, ", "))
	}
	if len(s.ForceKilled) > 0 {
		field(w, "Force killed", strings.Join(s.ForceKilled, ", "))
	}
	if len(s.NonCompliant) > 0 {
		field(w, "Non-compliant", style.Error.Render(strings.Join(s.NonCompliant, ", ")))
		for _, r := range s.Reports {
			if !r.Compliant && r.Detail != "" {
				fmt.Fprintf(w, "    %s: %s\n", r.AgentID, r.Detail)
			}
		}
	}
}

// renderTestResult writes the phases of a recovery test.
func renderTestResult(w io.Writer, r killswitch.RecoveryTestResult) {
	if r.Success {
		fmt.Fprintf(w, "%s Recovery test passed (%s)\n", style.SuccessPrefix, r.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(w, "%s Recovery test failed (%s)\n", style.ErrorPrefix, r.Duration.Round(time.Millisecond))
	}
	for _, p := range r.Phases {
		mark := style.SuccessPrefix
		note := ""
		switch {
		case p.Skipped:
			mark = style.Dim.Render("-")
			note = "skipped"
			if p.Error != "" {
				note += ": " + p.Error
			}
		case !p.OK:
			mark = style.ErrorPrefix
			note = p.Error
		}
		line := fmt.Sprintf("  %s %-15s %s", mark, p.Name, note)
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}
