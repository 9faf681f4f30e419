package tui

import "github.com/charmbracelet/lipgloss"

var (
	ColorNavy  = lipgloss.Color("17")
	ColorWhite = lipgloss.Color("255")
	ColorGray  = lipgloss.Color("245")
	ColorBlue  = lipgloss.Color("39")
	ColorGreen = lipgloss.Color("42")
	ColorRed   = lipgloss.Color("196")
	ColorAmber = lipgloss.Color("214")
)

// seriesColors cycles across charts.
var seriesColors = []lipgloss.Color{"39", "42", "214", "171", "45", "203"}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorBlue)
	helpStyle  = lipgloss.NewStyle().Foreground(ColorGray).Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorGray).
			Padding(0, 1)

	focusedPanelStyle = panelStyle.BorderForeground(ColorBlue)

	statusStyle = lipgloss.NewStyle().Background(ColorNavy).Foreground(ColorWhite)
	noticeStyle = lipgloss.NewStyle().Background(ColorNavy).Foreground(ColorAmber).Bold(true)
)
