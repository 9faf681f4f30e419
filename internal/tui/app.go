// Package tui is the terminal renderer. It receives frames from the refresh
// loop and never queries a data source itself.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/stepwatch/internal/refresh"
)

// FrameMsg delivers a new frame from the refresh loop.
type FrameMsg refresh.Frame

// Options configures the App.
type Options struct {
	Title string
	// Refresh asks the loop for an immediate tick.
	Refresh func()
	// Clock is used for the tick age. Defaults to time.Now.
	Clock func() time.Time
}

// App is the top-level Bubble Tea model. It owns the latest frame, routes
// keys to the active page and handles the global bindings.
type App struct {
	opts     Options
	keys     KeyMap
	help     help.Model
	showHelp bool

	pages  []Page
	active int

	frame    refresh.Frame
	hasFrame bool
	paused   bool
	pending  *refresh.Frame
	dropped  int

	width  int
	height int
}

// NewApp creates an App. Without pages it shows the overview and the
// recent-records table.
func NewApp(opts Options, pages ...Page) *App {
	if opts.Title == "" {
		opts.Title = "stepwatch"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	keys := DefaultKeyMap()
	if len(pages) == 0 {
		pages = []Page{newOverviewPage(keys), newRecordsPage()}
	}
	return &App{
		opts:  opts,
		keys:  keys,
		help:  help.New(),
		pages: pages,
	}
}

func (a *App) Init() tea.Cmd {
	return clockTick(time.Second)
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		return a, nil

	case FrameMsg:
		f := refresh.Frame(msg)
		if a.paused {
			// Keep consuming so the newest frame is shown on resume.
			a.pending = &f
			a.dropped++
			return a, nil
		}
		a.applyFrame(f)
		return a, nil

	case clockTickMsg:
		return a, clockTick(time.Second)

	case tea.KeyMsg:
		return a.handleKey(msg)
	}
	return a, nil
}

func (a *App) applyFrame(f refresh.Frame) {
	a.frame = f
	a.hasFrame = true
	for _, p := range a.pages {
		p.SetFrame(f)
	}
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, a.keys.ForceQuit), key.Matches(msg, a.keys.Quit):
		return a, tea.Quit
	case key.Matches(msg, a.keys.Help):
		a.showHelp = !a.showHelp
		return a, nil
	case a.showHelp && msg.Type == tea.KeyEsc:
		a.showHelp = false
		return a, nil
	case key.Matches(msg, a.keys.Refresh):
		if a.opts.Refresh != nil {
			a.opts.Refresh()
		}
		return a, nil
	case key.Matches(msg, a.keys.Pause):
		a.paused = !a.paused
		if !a.paused && a.pending != nil {
			a.applyFrame(*a.pending)
			a.pending = nil
			a.dropped = 0
		}
		return a, nil
	case key.Matches(msg, a.keys.NextPage):
		a.active = (a.active + 1) % len(a.pages)
		return a, nil
	case key.Matches(msg, a.keys.PrevPage):
		a.active = (a.active - 1 + len(a.pages)) % len(a.pages)
		return a, nil
	}
	return a, a.pages[a.active].Update(msg)
}

// Paused reports whether rendering is frozen.
func (a *App) Paused() bool { return a.paused }

// Frame returns the frame currently displayed.
func (a *App) Frame() refresh.Frame { return a.frame }

// ActivePage returns the id of the visible page.
func (a *App) ActivePage() string { return a.pages[a.active].ID() }

func (a *App) View() string {
	if a.width <= 0 || a.height <= 0 {
		return "Initializing dashboard..."
	}
	if a.height < 12 || a.width < 60 {
		return "Terminal too small. Resize to at least 60x12."
	}

	header := a.renderHeader()
	status := a.renderStatusLine()
	bodyHeight := a.height - lipgloss.Height(header) - lipgloss.Height(status)

	var body string
	switch {
	case a.showHelp:
		a.help.ShowAll = true
		body = lipgloss.Place(a.width, bodyHeight, lipgloss.Center, lipgloss.Center,
			focusedPanelStyle.Render(titleStyle.Render("Keys")+"\n\n"+a.help.View(a.keys)))
	case !a.hasFrame:
		body = renderLoadingPlaceholder("Waiting for first refresh...", a.width, bodyHeight)
	default:
		body = a.pages[a.active].View(a.width, bodyHeight)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, status)
}

func (a *App) renderHeader() string {
	left := titleStyle.Render(a.opts.Title)
	if a.frame.Source != "" {
		left += helpStyle.Render("  source: " + a.frame.Source)
	}
	var tabs []string
	for i, p := range a.pages {
		style := lipgloss.NewStyle().Foreground(ColorGray).Padding(0, 1)
		if i == a.active {
			style = style.Foreground(ColorBlue).Bold(true).Underline(true)
		}
		tabs = append(tabs, style.Render(p.Title()))
	}
	right := lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
	gap := max(1, a.width-lipgloss.Width(left)-lipgloss.Width(right))
	return left + lipgloss.NewStyle().Width(gap).Render("") + right
}

// tickAge describes how long ago the displayed frame was produced.
func (a *App) tickAge() string {
	if !a.hasFrame || a.frame.At.IsZero() {
		return "no data yet"
	}
	age := a.opts.Clock().Sub(a.frame.At).Truncate(time.Second)
	return fmt.Sprintf("updated %s ago", age)
}

func (a *App) renderStatusLine() string {
	left := fmt.Sprintf("[%s]", a.pages[a.active].Title())
	center := a.tickAge()
	if a.frame.Interval > 0 {
		center += fmt.Sprintf(" • every %s", a.frame.Interval)
	}

	var right string
	switch {
	case a.paused:
		right = noticeStyle.Render(fmt.Sprintf("PAUSED (%d new)", a.dropped))
	case len(a.frame.Notices) > 0:
		n := a.frame.Notices[len(a.frame.Notices)-1]
		right = noticeStyle.Render("⚠ " + n.Component + ": " + n.Message)
	default:
		a.help.ShowAll = false
		right = statusStyle.Render(a.help.View(a.keys))
	}

	line := statusStyle.Render(left + "  " + center + "  ")
	gap := max(0, a.width-lipgloss.Width(line)-lipgloss.Width(right))
	out := line + statusStyle.Width(gap).Render("") + right
	return lipgloss.NewStyle().MaxWidth(a.width).Render(out)
}
