package style

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Align is a column's text alignment.
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
	// Color styles each cell by its own value, e.g. Status.
	Color func(value string) string
}

// Table renders fixed-width rows for list commands.
type Table struct {
	columns   []Column
	rows      [][]string
	headerSep bool
	indent    string
}

// NewTable creates a table with a header separator and a two-space indent.
func NewTable(columns ...Column) *Table {
	return &Table{columns: columns, headerSep: true, indent: "  "}
}

func (t *Table) SetIndent(indent string) *Table {
	t.indent = indent
	return t
}

func (t *Table) SetHeaderSeparator(on bool) *Table {
	t.headerSep = on
	return t
}

// AddRow appends a row. Missing cells are blank; extra cells are dropped.
func (t *Table) AddRow(values ...string) *Table {
	row := make([]string, len(t.columns))
	copy(row, values)
	t.rows = append(t.rows, row)
	return t
}

// Render returns the table, one line per row, each ending in a newline.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}
	var b strings.Builder

	cells := make([]string, len(t.columns))
	total := 0
	for i, col := range t.columns {
		cells[i] = t.pad(Bold.Render(col.Name), col.Name, col.Width, col.Align)
		total += col.Width
	}
	total += len(t.columns) - 1
	t.line(&b, cells)

	if t.headerSep {
		b.WriteString(t.indent + Dim.Render(strings.Repeat("─", total)) + "\n")
	}

	for _, row := range t.rows {
		for i, col := range t.columns {
			plain := truncate(row[i], col.Width)
			styled := plain
			if col.Color != nil {
				styled = col.Color(plain)
			}
			cells[i] = t.pad(styled, plain, col.Width, col.Align)
		}
		t.line(&b, cells)
	}
	return b.String()
}

func (t *Table) line(b *strings.Builder, cells []string) {
	b.WriteString(t.indent)
	b.WriteString(strings.TrimRight(strings.Join(cells, " "), " "))
	b.WriteByte('\n')
}

// pad aligns styled within width, measuring plain. Text at or over the
// width is returned unchanged.
func (t *Table) pad(styled, plain string, width int, align Align) string {
	w := lipgloss.Width(plain)
	if w >= width {
		return styled
	}
	gap := width - w
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
	runes := []rune(s)
	if width <= 3 {
		return string(runes[:min(width, len(runes))])
	}
	for len(runes) > 0 && lipgloss.Width(string(runes))+3 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripAnsi(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}
