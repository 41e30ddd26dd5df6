package tui

import (
	"github.com/charmbracelet/lipgloss"

	"agentwatch/internal/present"
)

type uiTheme struct {
	root        lipgloss.Style
	header      lipgloss.Style
	title       lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	footer      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	inputPanel  lipgloss.Style
	helpText    lipgloss.Style
	action      lipgloss.Style
	details     lipgloss.Style
}

func newTheme() uiTheme {
	bg := lipgloss.Color("#120924")
	panelBg := lipgloss.Color("#1b0f35")

	return uiTheme{
		root: lipgloss.NewStyle().
			Background(bg).
			Foreground(present.Text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(present.Text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(present.Blue).
			Padding(0, 1),
		title: lipgloss.NewStyle().
			Background(present.Pink).
			Foreground(present.Ink).
			Bold(true).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(present.Blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(present.Mint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(present.Muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(present.Pink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(present.Blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(present.Pink).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(present.Mint).
			Padding(0, 1),
		helpText: lipgloss.NewStyle().Foreground(present.Muted),
		action:   lipgloss.NewStyle().Foreground(present.Text),
		details:  lipgloss.NewStyle().Foreground(present.Muted).Italic(true),
	}
}
