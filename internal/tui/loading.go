package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// renderLoadingPlaceholder renders an animated waiting indicator. The frame
// is chosen from the wall clock so it animates on every re-render.
func renderLoadingPlaceholder(text string, width, height int) string {
	frame := spinnerFrames[time.Now().UnixMilli()/120%int64(len(spinnerFrames))]
	style := lipgloss.NewStyle().Foreground(ColorGray).Italic(true)
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, style.Render(frame+" "+text))
}

// clockTickMsg re-renders the tick age and spinner.
type clockTickMsg time.Time

func clockTick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return clockTickMsg(t) })
}
