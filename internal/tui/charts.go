package tui

import (
	"sort"
	"time"

	"github.com/NimbleMarkets/ntcharts/linechart/timeserieslinechart"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/refresh"
)

// chartSpec is one plotted line: a step within a scope.
type chartSpec struct {
	scope  string
	step   string
	points []model.SeriesPoint
}

func (c chartSpec) title() string {
	if c.scope == c.step {
		return c.step
	}
	return c.scope + " / " + c.step
}

// chartSpecs lists charts in scope configuration order, steps sorted.
func chartSpecs(f refresh.Frame) []chartSpec {
	var specs []chartSpec
	for _, scope := range f.Scopes {
		series, ok := f.Series[scope]
		if !ok {
			specs = append(specs, chartSpec{scope: scope, step: scope})
			continue
		}
		steps := make([]string, 0, len(series.Steps))
		for step := range series.Steps {
			steps = append(steps, step)
		}
		if len(steps) == 0 {
			specs = append(specs, chartSpec{scope: scope, step: scope})
			continue
		}
		sort.Strings(steps)
		for _, step := range steps {
			specs = append(specs, chartSpec{scope: scope, step: step, points: series.Steps[step]})
		}
	}
	return specs
}

// chartBounds returns the time and value ranges of points with values in
// microseconds. Degenerate ranges are widened so the chart can scale.
func chartBounds(points []model.SeriesPoint) (minT, maxT time.Time, minY, maxY float64) {
	for i, p := range points {
		v := p.Value / 1000
		if i == 0 {
			minT, maxT, minY, maxY = p.Timestamp, p.Timestamp, v, v
			continue
		}
		if p.Timestamp.Before(minT) {
			minT = p.Timestamp
		}
		if p.Timestamp.After(maxT) {
			maxT = p.Timestamp
		}
		minY = min(minY, v)
		maxY = max(maxY, v)
	}
	if !maxT.After(minT) {
		minT = minT.Add(-time.Second)
		maxT = maxT.Add(time.Second)
	}
	if maxY <= minY {
		minY--
		maxY++
	}
	if minY > 0 {
		minY = 0
	}
	return minT, maxT, minY, maxY
}

// renderLineChart draws a braille time-series chart of durations in µs.
func renderLineChart(points []model.SeriesPoint, width, height int, color lipgloss.Color) string {
	if width < 10 || height < 3 {
		return ""
	}
	if len(points) == 0 {
		return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, helpStyle.Render("No data yet"))
	}

	minT, maxT, minY, maxY := chartBounds(points)
	chart := timeserieslinechart.New(width, height,
		timeserieslinechart.WithTimeRange(minT, maxT),
		timeserieslinechart.WithYRange(minY, maxY),
		timeserieslinechart.WithXLabelFormatter(timeserieslinechart.HourTimeLabelFormatter()),
		timeserieslinechart.WithStyle(lipgloss.NewStyle().Foreground(color)),
	)
	for _, p := range points {
		chart.Push(timeserieslinechart.TimePoint{Time: p.Timestamp, Value: p.Value / 1000})
	}
	chart.DrawBraille()
	return chart.View()
}
