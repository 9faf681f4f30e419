package tui

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/stepwatch/internal/model"
)

// humanize turns "total_files_processed" into "Total files processed".
func humanize(name string) string {
	s := strings.ReplaceAll(strings.ReplaceAll(name, "_", " "), "-", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func formatDelta(d float64) string {
	switch {
	case d > 0:
		return lipgloss.NewStyle().Foreground(ColorGreen).Render("↑ +" + formatNumber(d))
	case d < 0:
		return lipgloss.NewStyle().Foreground(ColorRed).Render("↓ " + formatNumber(d))
	default:
		return ""
	}
}

// counterNames returns every counter in the summary, collected or missing.
func counterNames(c model.CountSummary) []string {
	seen := make(map[string]bool, len(c.Values)+len(c.Missing))
	for name := range c.Values {
		seen[name] = true
	}
	for name := range c.Missing {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// renderTiles lays out one metric tile per counter.
func renderTiles(c model.CountSummary, width int) string {
	names := counterNames(c)
	if len(names) == 0 {
		return helpStyle.Render("No counters configured")
	}

	tileWidth := max(18, width/len(names)-2)
	tiles := make([]string, 0, len(names))
	for _, name := range names {
		value := lipgloss.NewStyle().Foreground(ColorGray).Render("n/a")
		if v, ok := c.Value(name); ok {
			value = lipgloss.NewStyle().Bold(true).Foreground(ColorWhite).Render(formatNumber(v))
			if d := formatDelta(c.Deltas[name]); d != "" {
				value += " " + d
			}
		}
		body := lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().Foreground(ColorGray).Render(humanize(name)),
			value,
		)
		tiles = append(tiles, panelStyle.Width(tileWidth).Render(body))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tiles...)
}
