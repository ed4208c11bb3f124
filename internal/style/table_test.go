package style

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderLines(tbl *Table) []string {
	out := strings.TrimRight(tbl.Render(), "\n")
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = stripAnsi(l)
	}
	return lines
}

func TestNewTable_Defaults(t *testing.T) {
	tbl := NewTable(Column{Name: "Name", Width: 10}, Column{Name: "Value", Width: 20})
	assert.Len(t, tbl.columns, 2)
	assert.True(t, tbl.headerSep)
	assert.Equal(t, "  ", tbl.indent)
	assert.Same(t, tbl, tbl.SetIndent("").SetHeaderSeparator(false))
}

func TestTable_AddRowPadsAndDrops(t *testing.T) {
	tbl := NewTable(Column{Name: "A", Width: 5}, Column{Name: "B", Width: 5})
	tbl.AddRow("only")
	tbl.AddRow("a", "b", "extra")
	assert.Equal(t, [][]string{{"only", ""}, {"a", "b"}}, tbl.rows)
}

func TestTable_Render(t *testing.T) {
	tbl := NewTable(
		Column{Name: "ID", Width: 5},
		Column{Name: "STATUS", Width: 9, Color: Status},
	).SetIndent("")
	tbl.AddRow("a1", "running")
	tbl.AddRow("b2", "waiting")

	lines := renderLines(tbl)
	require.Len(t, lines, 4)
	assert.Equal(t, "ID    STATUS", lines[0])
	assert.Equal(t, strings.Repeat("─", 15), lines[1])
	assert.Equal(t, "a1    running", lines[2])
	assert.Equal(t, "b2    waiting", lines[3])
}

func TestTable_RenderEmpty(t *testing.T) {
	assert.Empty(t, NewTable().Render())

	lines := renderLines(NewTable(Column{Name: "Header", Width: 10}).SetIndent(""))
	assert.Len(t, lines, 2, "header and separator only")
}

func TestTable_RenderIndent(t *testing.T) {
	tbl := NewTable(Column{Name: "A", Width: 5}).SetIndent(">>>")
	tbl.AddRow("x")
	for _, line := range strings.Split(strings.TrimRight(tbl.Render(), "\n"), "\n") {
		assert.True(t, strings.HasPrefix(line, ">>>"), line)
	}
}

func TestTable_RenderTruncates(t *testing.T) {
	tbl := NewTable(Column{Name: "N", Width: 8}).SetIndent("").SetHeaderSeparator(false)
	tbl.AddRow("this-is-way-too-long-for-the-column")

	lines := renderLines(tbl)
	require.Len(t, lines, 2)
	assert.Equal(t, "this-...", lines[1])
}

func TestTable_Pad(t *testing.T) {
	tbl := &Table{}
	tests := []struct {
		text  string
		width int
		align Align
		want  string
	}{
		{"hi", 10, AlignLeft, "hi        "},
		{"hi", 10, AlignRight, "        hi"},
		{"hi", 10, AlignCenter, "    hi    "},
		{"hello", 5, AlignLeft, "hello"},
		{"toolong", 3, AlignLeft, "toolong"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tbl.pad(tt.text, tt.text, tt.width, tt.align))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "abc...", truncate("abcdefghij", 6))
	assert.Equal(t, "anything", truncate("anything", 0))
}

func TestStripAnsi(t *testing.T) {
	assert.Equal(t, "bold red", stripAnsi("\x1b[1m\x1b[31mbold red\x1b[0m"))
	assert.Equal(t, "beforegreenafter", stripAnsi("before\x1b[32mgreen\x1b[0mafter"))
}

func TestStatus(t *testing.T) {
	for _, s := range []string{"idle", "running", "waiting", "done", "unknown"} {
		assert.Equal(t, s, stripAnsi(Status(s)))
	}
}
