package tui

import "github.com/charmbracelet/lipgloss"

// Theme keeps every monitor color in one place.
type Theme struct {
	OK      lipgloss.Style
	Running lipgloss.Style
	Failed  lipgloss.Style
	Dim     lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Help   lipgloss.Style
}

func DefaultTheme() Theme {
	return Theme{
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Running: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Help: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// outcome renders a job outcome with its color.
func (t Theme) outcome(s string) string {
	switch s {
	case "running":
		return t.Running.Render("◉ running")
	case "completed":
		return t.OK.Render("● completed")
	case "cancelled":
		return t.Dim.Render("○ cancelled")
	default:
		return t.Failed.Render("∅ " + s)
	}
}
