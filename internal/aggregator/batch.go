package aggregator

import (
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"
)

// Downsample reduces points to one mean per run of size points, in order.
// The trailing run may be shorter and is marked provisional. Invalid points
// are skipped.
func Downsample(points []model.TimePoint, size int) []model.SeriesPoint {
	b := newBatcher(size)
	for _, p := range points {
		if p.Valid() {
			b.add(p)
		}
	}
	return b.points()
}

// batcher folds points into fixed-size batches incrementally. A batch is
// frozen once full and never recomputed; only the trailing partial batch is
// recomputed on each read.
type batcher struct {
	size   int
	frozen []model.SeriesPoint

	first time.Time
	sum   float64
	count int
}

func newBatcher(size int) *batcher {
	if size <= 0 {
		size = model.DefaultBatchSize
	}
	return &batcher{size: size}
}

func (b *batcher) add(p model.TimePoint) {
	if b.count == 0 {
		b.first = p.Timestamp
	}
	b.sum += p.Duration
	b.count++
	if b.count >= b.size {
		b.frozen = append(b.frozen, b.current(false))
		b.first = time.Time{}
		b.sum = 0
		b.count = 0
	}
}

func (b *batcher) current(provisional bool) model.SeriesPoint {
	return model.SeriesPoint{
		Timestamp:   b.first,
		Value:       mean(b.sum, b.count),
		Count:       b.count,
		Provisional: provisional,
	}
}

func (b *batcher) points() []model.SeriesPoint {
	out := make([]model.SeriesPoint, 0, len(b.frozen)+1)
	out = append(out, b.frozen...)
	if b.count > 0 {
		out = append(out, b.current(true))
	}
	return out
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// rawWindow keeps one display point per raw record, bounded when limit > 0.
type rawWindow struct {
	limit  int
	points []model.SeriesPoint
}

func (w *rawWindow) add(p model.TimePoint) {
	w.points = append(w.points, model.SeriesPoint{
		Timestamp: p.Timestamp,
		Value:     p.Duration,
		Count:     1,
	})
	if w.limit > 0 && len(w.points) > w.limit {
		w.points = append([]model.SeriesPoint(nil), w.points[len(w.points)-w.limit:]...)
	}
}

func (w *rawWindow) snapshot() []model.SeriesPoint {
	return append([]model.SeriesPoint(nil), w.points...)
}
