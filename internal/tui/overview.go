package tui

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/stepwatch/internal/refresh"
)

const recentPreviewRows = 5

// overviewPage shows counter tiles, one chart per scope/step and a short
// preview of the newest records.
type overviewPage struct {
	keys   KeyMap
	frame  refresh.Frame
	charts []chartSpec
	focus  int
	recent table.Model
}

func newOverviewPage(keys KeyMap) *overviewPage {
	return &overviewPage{keys: keys, recent: newRecordsTable(false)}
}

func (p *overviewPage) ID() string    { return "overview" }
func (p *overviewPage) Title() string { return "Overview" }

func (p *overviewPage) SetFrame(f refresh.Frame) {
	p.frame = f
	p.charts = chartSpecs(f)
	if p.focus >= len(p.charts) {
		p.focus = 0
	}
	rows := recordRows(f.Recent)
	if len(rows) > recentPreviewRows {
		rows = rows[:recentPreviewRows]
	}
	p.recent.SetRows(rows)
}

func (p *overviewPage) Update(msg tea.Msg) tea.Cmd {
	km, ok := msg.(tea.KeyMsg)
	if !ok || len(p.charts) == 0 {
		return nil
	}
	switch {
	case key.Matches(km, p.keys.NextScope):
		p.focus = (p.focus + 1) % len(p.charts)
	case key.Matches(km, p.keys.PrevScope):
		p.focus = (p.focus - 1 + len(p.charts)) % len(p.charts)
	}
	return nil
}

func (p *overviewPage) View(width, height int) string {
	tiles := renderTiles(p.frame.Counts, width)
	p.recent.SetColumns(recordColumns(width - 4))
	p.recent.SetHeight(recentPreviewRows + 1)
	recent := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Recent records"),
		panelStyle.Render(p.recent.View()),
	)

	chartsHeight := height - lipgloss.Height(tiles) - lipgloss.Height(recent)
	charts := p.renderCharts(width, chartsHeight)
	return lipgloss.JoinVertical(lipgloss.Left, tiles, charts, recent)
}

func (p *overviewPage) renderCharts(width, height int) string {
	if len(p.charts) == 0 {
		return lipgloss.Place(width, max(height, 1), lipgloss.Center, lipgloss.Center,
			helpStyle.Render("No scopes configured"))
	}

	cols := 1
	if len(p.charts) > 1 && width >= 100 {
		cols = 2
	}
	rows := (len(p.charts) + cols - 1) / cols
	panelWidth := width/cols - 2
	// Border and title take three lines per panel.
	chartHeight := max(3, height/rows-3)

	var lines []string
	for row := 0; row < rows; row++ {
		var cells []string
		for col := 0; col < cols; col++ {
			idx := row*cols + col
			if idx >= len(p.charts) {
				break
			}
			cells = append(cells, p.renderChartPanel(idx, panelWidth, chartHeight))
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (p *overviewPage) renderChartPanel(idx, width, height int) string {
	spec := p.charts[idx]
	style := panelStyle
	if idx == p.focus {
		style = focusedPanelStyle
	}
	title := titleStyle.Render(spec.title()) + helpStyle.Render(" µs")
	if n := len(spec.points); n > 0 && spec.points[n-1].Provisional {
		title += helpStyle.Render(" (last batch partial)")
	}
	body := renderLineChart(spec.points, width-4, height, seriesColors[idx%len(seriesColors)])
	return style.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}
