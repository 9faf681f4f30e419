package refresh

import (
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/timestamp"
)

// RecentRows converts raw records into table rows: readable timestamps,
// basename-only file names and microsecond durations.
func RecentRows(points []model.TimePoint) []model.RecentRecord {
	rows := make([]model.RecentRecord, 0, len(points))
	for _, p := range points {
		ts := timestamp.InvalidDisplay
		if !p.Timestamp.IsZero() {
			ts = timestamp.FormatDisplay(p.Timestamp)
		}
		rows = append(rows, model.RecentRecord{
			Timestamp:  ts,
			FileName:   baseName(p.Metadata[model.MetaFileName]),
			Step:       p.Step,
			DurationUS: micros(p.Duration),
			PerChunkUS: micros(parseFloat(p.Metadata[model.MetaTimePerChunk])),
			ChunkCount: int64(parseFloat(p.Metadata[model.MetaChunksCount])),
			Malformed:  p.Malformed != "",
		})
	}
	return rows
}

// baseName strips directories from both slash and backslash paths.
func baseName(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Base(p)
}

func micros(ns float64) float64 {
	return math.Round(ns/1000*100) / 100
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
