// Package style renders human-facing CLI output. Color is applied only when
// stdout is a terminal and the NO_COLOR/CLICOLOR conventions allow it.
package style

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Faint(true)
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	Header  = lipgloss.NewStyle().Bold(true).Underline(true)

	SuccessPrefix = Success.Render("✓")
	WarningPrefix = Warning.Render("⚠")
	ErrorPrefix   = Error.Render("✗")
)

func init() {
	if !ShouldUseColor() {
		SetColor(false)
	}
}

// SetColor forces styled output on or off, refreshing the prefixes.
func SetColor(on bool) {
	if on {
		lipgloss.SetColorProfile(termenv.EnvColorProfile())
	} else {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	SuccessPrefix = Success.Render("✓")
	WarningPrefix = Warning.Render("⚠")
	ErrorPrefix = Error.Render("✗")
}

// IsTerminal reports whether stdout is a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor honors NO_COLOR, CLICOLOR=0 and CLICOLOR_FORCE, and
// otherwise colors only a terminal.
func ShouldUseColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if _, ok := os.LookupEnv("CLICOLOR_FORCE"); ok {
		return true
	}
	return IsTerminal()
}

var titleCaser = cases.Title(language.English)

// Label turns an enum value such as SAFETY_VIOLATION into "Safety Violation".
func Label(s string) string {
	return titleCaser.String(strings.ToLower(strings.ReplaceAll(s, "_", " ")))
}

// Bool renders yes/no with success or error coloring. invert flips which
// value counts as good.
func Bool(v, invert bool) string {
	good := v != invert
	text := "no"
	if v {
		text = "yes"
	}
	if good {
		return Success.Render(text)
	}
	return Error.Render(text)
}
