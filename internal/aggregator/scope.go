package aggregator

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"
)

// stepSeries is the per-step reducer of a scope.
type stepSeries interface {
	add(p model.TimePoint)
}

// scopeState is owned by one scope. Its mutex keeps a scope to one poll at
// a time; distinct scopes never share state.
type scopeState struct {
	mu sync.Mutex

	name      string
	watermark model.Watermark
	buffer    []model.TimePoint
	dropped   int
	malformed int
	// keyless holds the keys of consumed records that carried no cursor.
	// The watermark cannot exclude them, so a source may return them again.
	keyless map[string]struct{}

	batched map[string]*batcher
	raw     map[string]*rawWindow
	order   []string

	series model.Series
}

func newScopeState(name string) *scopeState {
	return &scopeState{
		name:    name,
		batched: make(map[string]*batcher),
		raw:     make(map[string]*rawWindow),
		keyless: make(map[string]struct{}),
		series: model.Series{
			Scope: name,
			Steps: map[string][]model.SeriesPoint{},
		},
	}
}

// ingest appends p to the buffer and folds it into its step reducer.
func (s *scopeState) ingest(p model.TimePoint, a *Aggregator) {
	s.buffer = append(s.buffer, p)
	s.watermark = s.watermark.Advance(p)

	if !p.Valid() {
		s.malformed++
		return
	}
	s.reducer(p.Step, a).add(p)
}

// seen reports whether p is a cursorless record already consumed, and marks
// it consumed otherwise.
func (s *scopeState) seen(p model.TimePoint) bool {
	if p.Cursor != nil || p.Key == nil {
		return false
	}
	k := fmt.Sprint(p.Key)
	if _, ok := s.keyless[k]; ok {
		return true
	}
	s.keyless[k] = struct{}{}
	return false
}

func (s *scopeState) reducer(step string, a *Aggregator) stepSeries {
	if b, ok := s.batched[step]; ok {
		return b
	}
	if w, ok := s.raw[step]; ok {
		return w
	}
	s.order = append(s.order, step)
	if a.isBatched(step) {
		b := newBatcher(a.cfg.BatchSize)
		s.batched[step] = b
		return b
	}
	w := &rawWindow{limit: a.cfg.MaxRawPoints}
	s.raw[step] = w
	return w
}

// compact drops the oldest raw records beyond limit. Batch aggregates
// already frozen are unaffected.
func (s *scopeState) compact(limit int) {
	if limit <= 0 || len(s.buffer) <= limit {
		return
	}
	excess := len(s.buffer) - limit
	s.dropped += excess
	s.buffer = append([]model.TimePoint(nil), s.buffer[excess:]...)
}

// rebuild recomputes the display series. The returned maps and slices are
// never mutated afterwards, so callers may hold on to them.
func (s *scopeState) rebuild(now time.Time) model.Series {
	steps := make(map[string][]model.SeriesPoint, len(s.order))
	for _, step := range s.order {
		if b, ok := s.batched[step]; ok {
			steps[step] = b.points()
			continue
		}
		steps[step] = s.raw[step].snapshot()
	}
	return model.Series{
		Scope:     s.name,
		Steps:     steps,
		Watermark: s.watermark.At,
		Buffered:  len(s.buffer),
		UpdatedAt: now,
	}
}
