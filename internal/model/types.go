package model

import "time"

// TimePoint is one timer record fetched from a data source. It is never
// mutated after the source returns it.
type TimePoint struct {
	Timestamp time.Time
	// Cursor is the source's own ordering value: the raw timestamp field, a
	// row id or a processed-file count. Watermarks store it verbatim so the
	// next fetch compares in that ordering. It is nil when the record has no
	// usable position.
	Cursor   any
	// Key identifies the record within its source, when the source has one.
	Key      any
	Step     string
	Duration float64 // nanoseconds
	Metadata map[string]string
	// Malformed is non-empty when a field could not be decoded. Such points
	// are listed but never contribute to a numeric series.
	Malformed string
}

// Valid reports whether the point can be plotted.
func (p TimePoint) Valid() bool {
	return p.Malformed == "" && !p.Timestamp.IsZero()
}

// Watermark is the last consumed cursor of a scope. The zero value means
// nothing has been consumed yet. At is the newest record time seen and is
// only used for display.
type Watermark struct {
	Cursor   any
	At     time.Time
	Set    bool
}

// Advance returns the watermark moved to p. Sources return records in cursor
// order, so the cursor always follows the last point. A point without a
// cursor leaves it alone. At only ever grows.
func (w Watermark) Advance(p TimePoint) Watermark {
	if p.Cursor == nil {
		return w
	}
	next := Watermark{Cursor: p.Cursor, At: w.At, Set: true}
	if p.Timestamp.After(w.At) {
		next.At = p.Timestamp
	}
	return next
}

// SeriesPoint is one plotted point: a batch mean for batched steps or a raw
// duration for unbatched steps.
type SeriesPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	Count       int       `json:"count"`
	Provisional bool      `json:"provisional,omitempty"`
}

// Series is the display-ready state of one scope.
type Series struct {
	Scope     string                   `json:"scope"`
	Steps     map[string][]SeriesPoint `json:"steps"`
	Watermark time.Time                `json:"watermark"`
	Buffered  int                      `json:"buffered"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// Len returns the number of plotted points across all steps.
func (s Series) Len() int {
	n := 0
	for _, pts := range s.Steps {
		n += len(pts)
	}
	return n
}

// CountSummary is a flat label to value mapping for metric tiles.
type CountSummary struct {
	Values  map[string]float64 `json:"values"`
	Deltas  map[string]float64 `json:"deltas,omitempty"`
	Missing map[string]string  `json:"missing,omitempty"`
	TakenAt time.Time          `json:"taken_at"`
}

// Value returns the named value and whether it was collected.
func (c CountSummary) Value(name string) (float64, bool) {
	v, ok := c.Values[name]
	return v, ok
}

// RecentRecord is one row of the recent-records table.
type RecentRecord struct {
	Timestamp  string  `json:"timestamp"`
	FileName   string  `json:"file_name"`
	Step       string  `json:"step"`
	DurationUS float64 `json:"duration_us"`
	PerChunkUS float64 `json:"time_per_chunk_us"`
	ChunkCount int64   `json:"chunks_count"`
	Malformed  bool    `json:"malformed,omitempty"`
}

// Metadata keys carried through from timer records.
const (
	MetaFileName     = "fileName"
	MetaTimePerChunk = "time-per-chunk"
	MetaChunksCount  = "chunks-count"
)
