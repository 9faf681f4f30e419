package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinytelemetry/stepwatch/internal/refresh"
)

// Page represents a top-level screen. Pages render the shared frame; the
// App owns the frame and forwards it through SetFrame.
type Page interface {
	ID() string
	Title() string
	SetFrame(f refresh.Frame)
	Update(msg tea.Msg) tea.Cmd
	View(width, height int) string
}
