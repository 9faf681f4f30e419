// Package timestamp decodes the timestamp values found in timer records.
// Producers write ISO-8601 strings (with or without a zone, up to nanosecond
// precision), epoch numbers of varying resolution, or native date values.
package timestamp

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// DisplayLayout is the human-readable form used in the recent-records table.
const DisplayLayout = "2006-01-02 15:04:05.000"

// InvalidDisplay is shown in place of a timestamp that failed to parse.
const InvalidDisplay = "Invalid Timestamp"

var defaultLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Parser converts raw timestamp values into time.Time.
type Parser struct {
	layouts  []string
	location *time.Location
}

// NewParser returns a parser that treats zone-less strings as UTC.
func NewParser() *Parser {
	return &Parser{layouts: defaultLayouts, location: time.UTC}
}

// ParseTimestamp decodes v. Supported inputs are strings, integer and float
// epoch values, time.Time, and anything exposing a Time() time.Time method
// (BSON dates).
func (p *Parser) ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t, !t.IsZero()
	case interface{ Time() time.Time }:
		ts := t.Time()
		return ts, !ts.IsZero()
	case string:
		return p.parseString(t)
	case []byte:
		return p.parseString(string(t))
	case int:
		return parseUnixTimestamp(float64(t))
	case int32:
		return parseUnixTimestamp(float64(t))
	case int64:
		return parseUnixInt(t)
	case uint64:
		if t > math.MaxInt64 {
			return time.Time{}, false
		}
		return parseUnixInt(int64(t))
	case float64:
		return parseUnixTimestamp(t)
	case float32:
		return parseUnixTimestamp(float64(t))
	}
	return time.Time{}, false
}

func (p *Parser) parseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	// 2024-01-15 10:30:45,123
	if i := strings.LastIndexByte(s, ','); i > 0 && i == 19 {
		s = s[:i] + "." + s[i+1:]
	}
	for _, layout := range p.layouts {
		if ts, err := time.ParseInLocation(layout, s, p.location); err == nil {
			return ts, true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return parseUnixTimestamp(f)
	}
	return time.Time{}, false
}

// parseUnixInt keeps full nanosecond precision for integer inputs.
func parseUnixInt(n int64) (time.Time, bool) {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	switch {
	case n == 0:
		return time.Time{}, false
	case abs < 1e11:
		return time.Unix(n, 0).UTC(), true
	case abs < 1e14:
		return time.UnixMilli(n).UTC(), true
	case abs < 1e17:
		return time.UnixMicro(n).UTC(), true
	default:
		return time.Unix(0, n).UTC(), true
	}
}

// parseUnixTimestamp infers the epoch resolution from magnitude:
// seconds below 1e11, milliseconds below 1e14, microseconds below 1e17,
// nanoseconds above.
func parseUnixTimestamp(f float64) (time.Time, bool) {
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	abs := math.Abs(f)
	var nanos float64
	switch {
	case abs < 1e11:
		nanos = f * 1e9
	case abs < 1e14:
		nanos = f * 1e6
	case abs < 1e17:
		nanos = f * 1e3
	default:
		nanos = f
	}
	if math.Abs(nanos) > math.MaxInt64 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(nanos)).UTC(), true
}

// FormatDisplay renders ts for tables, or InvalidDisplay for a zero time.
func FormatDisplay(ts time.Time) string {
	if ts.IsZero() {
		return InvalidDisplay
	}
	return ts.Format(DisplayLayout)
}
