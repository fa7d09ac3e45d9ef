package style

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Align is a column alignment.
type Align int

const (
	AlignLeft Align = iota
	AlignRight
	AlignCenter
)

// Column describes one table column.
type Column struct {
	Name  string
	Width int
	Align Align

	// Render styles a cell; nil leaves it plain.
	Render func(string) string
}

// CellStyle adapts a lipgloss style to a Column.Render func.
func CellStyle(st lipgloss.Style) func(string) string {
	return func(s string) string { return st.Render(s) }
}

// Table is a fixed-width text table.
type Table struct {
	columns   []Column
	rows      [][]string
	indent    string
	headerSep bool
}

// NewTable creates a table with a header separator and a two-space indent.
func NewTable(columns ...Column) *Table {
	return &Table{columns: columns, indent: "  ", headerSep: true}
}

// SetIndent sets the prefix of every line.
func (t *Table) SetIndent(indent string) *Table {
	t.indent = indent
	return t
}

// SetHeaderSeparator toggles the rule under the header.
func (t *Table) SetHeaderSeparator(on bool) *Table {
	t.headerSep = on
	return t
}

// AddRow appends a row, padding missing cells.
func (t *Table) AddRow(values ...string) *Table {
	row := make([]string, len(t.columns))
	copy(row, values)
	t.rows = append(t.rows, row)
	return t
}

// Render returns the table text, one line per row.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}
	var b strings.Builder

	cells := make([]string, len(t.columns))
	for i, col := range t.columns {
		cells[i] = t.pad(col.Name, Bold.Render(col.Name), col.Width, col.Align)
	}
	b.WriteString(strings.TrimRight(t.indent+strings.Join(cells, " "), " ") + "\n")

	if t.headerSep {
		for i, col := range t.columns {
			cells[i] = Dim.Render(strings.Repeat("─", col.Width))
		}
		b.WriteString(t.indent + strings.Join(cells, " ") + "\n")
	}

	for _, row := range t.rows {
		for i, col := range t.columns {
			plain := truncate(row[i], col.Width)
			styled := plain
			if col.Render != nil {
				styled = col.Render(plain)
			}
			cells[i] = t.pad(plain, styled, col.Width, col.Align)
		}
		b.WriteString(strings.TrimRight(t.indent+strings.Join(cells, " "), " ") + "\n")
	}
	return b.String()
}

// pad aligns styled within width, measuring by its plain text.
func (t *Table) pad(plain, styled string, width int, align Align) string {
	n := lipgloss.Width(plain)
	if n >= width {
		return styled
	}
	gap := width - n
	switch align {
	case AlignRight:
		return strings.Repeat(" ", gap) + styled
	case AlignCenter:
		left := gap / 2
		return strings.Repeat(" ", left) + styled + strings.Repeat(" ", gap-left)
	default:
		return styled + strings.Repeat(" ", gap)
	}
}

func truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	if width <= 3 {
		return string([]rune(s)[:width])
	}
	r := []rune(s)
	if len(r) > width-3 {
		r = r[:width-3]
	}
	return string(r) + "..."
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Plain removes ANSI styling from s.
func Plain(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
