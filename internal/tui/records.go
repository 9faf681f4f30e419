package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/refresh"
)

func recordColumns(width int) []table.Column {
	cols := []table.Column{
		{Title: "Timestamp", Width: 23},
		{Title: "File Name", Width: 24},
		{Title: "Step", Width: 23},
		{Title: "Duration (µs)", Width: 14},
		{Title: "Time/Chunk (µs)", Width: 15},
		{Title: "Chunks", Width: 7},
	}
	used := 0
	for _, c := range cols {
		used += c.Width + 2
	}
	if extra := width - used; extra > 0 {
		cols[1].Width += extra
	}
	return cols
}

func recordRows(records []model.RecentRecord) []table.Row {
	rows := make([]table.Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, table.Row{
			r.Timestamp,
			r.FileName,
			r.Step,
			fmt.Sprintf("%.2f", r.DurationUS),
			fmt.Sprintf("%.2f", r.PerChunkUS),
			fmt.Sprintf("%d", r.ChunkCount),
		})
	}
	return rows
}

func newRecordsTable(focused bool) table.Model {
	t := table.New(
		table.WithColumns(recordColumns(0)),
		table.WithFocused(focused),
		table.WithHeight(5),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorGray).
		BorderBottom(true).
		Bold(true)
	if !focused {
		styles.Selected = lipgloss.NewStyle()
	}
	t.SetStyles(styles)
	return t
}

// recordsPage is a full-screen, scrollable recent-records table.
type recordsPage struct {
	table table.Model
	count int
}

func newRecordsPage() *recordsPage {
	return &recordsPage{table: newRecordsTable(true)}
}

func (p *recordsPage) ID() string    { return "records" }
func (p *recordsPage) Title() string { return "Recent records" }

func (p *recordsPage) SetFrame(f refresh.Frame) {
	p.count = len(f.Recent)
	p.table.SetRows(recordRows(f.Recent))
}

func (p *recordsPage) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	p.table, cmd = p.table.Update(msg)
	return cmd
}

func (p *recordsPage) View(width, height int) string {
	p.table.SetColumns(recordColumns(width - 4))
	p.table.SetHeight(max(3, height-4))
	header := titleStyle.Render(fmt.Sprintf("Time taken for the last %d operations", p.count))
	return lipgloss.JoinVertical(lipgloss.Left, header, panelStyle.Render(p.table.View()))
}
