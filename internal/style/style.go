// Package style holds the terminal styles used by fm's human-readable output.
package style

import "github.com/charmbracelet/lipgloss"

var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Faint(true)
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	Info    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// statusStyles colors agent statuses and board columns by urgency.
var statusStyles = map[string]lipgloss.Style{
	"idle":      Dim,
	"running":   Info,
	"waiting":   Warning.Bold(true),
	"completed": Success,
	"error":     Error.Bold(true),

	"backlog": Dim,
	"planned": Info,
	"ongoing": Warning,
	"done":    Success,

	"high": Error,
	"low":  Dim,
}

// Status renders a status, column or priority name in its color.
func Status(s string) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(s)
	}
	return s
}

// StatusStyle returns the style for s, or a plain style.
func StatusStyle(s string) lipgloss.Style {
	if st, ok := statusStyles[s]; ok {
		return st
	}
	return lipgloss.NewStyle()
}
