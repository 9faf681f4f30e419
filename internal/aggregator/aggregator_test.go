package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chunkify = model.StepChunkifyFile

// fakeSource serves records with int64 cursors, filtering like a real source.
// Records without a cursor are returned on every fetch, the way a string that
// is not a timestamp sorts past any bound in a document store.
type fakeSource struct {
	mu         sync.Mutex
	records    []model.TimePoint
	fail       bool
	failScopes map[string]bool
	calls      int
	// ignoreFilter returns every step, like a source without server-side filtering.
	ignoreFilter bool

	counts   map[string]float64
	countErr map[string]error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) add(points ...model.TimePoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, points...)
}

func (f *fakeSource) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeSource) FetchSince(_ context.Context, scope string, since model.Watermark, steps []string) ([]model.TimePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail || f.failScopes[scope] {
		return nil, errors.New("connection refused")
	}
	allowed := stepSet(steps)
	if f.ignoreFilter {
		allowed = nil
	}
	var out []model.TimePoint
	for _, r := range f.records {
		if since.Set && r.Cursor != nil && r.Cursor.(int64) <= since.Cursor.(int64) {
			continue
		}
		if allowed != nil && !allowed[r.Step] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeSource) Count(_ context.Context, spec model.CounterSpec) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.countErr[spec.Name]; err != nil {
		return 0, err
	}
	return f.counts[spec.Name], nil
}

func pt(t int64, step string, duration float64) model.TimePoint {
	return model.TimePoint{
		Timestamp: time.Unix(t, 0).UTC(),
		Cursor:    t,
		Step:      step,
		Duration:  duration,
	}
}

func newTestAggregator(src *fakeSource, cfg Config) *Aggregator {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return New(src, src, cfg, WithClock(func() time.Time { return fixed }))
}

func batchedConfig(size int) Config {
	return Config{
		BatchSize:    size,
		BatchedSteps: []string{chunkify},
		Scopes:       []model.ScopeSpec{{Name: chunkify, Steps: []string{chunkify}}},
	}
}

func TestPoll_FirstTickPartialBatch(t *testing.T) {
	src := &fakeSource{}
	src.add(pt(1, chunkify, 500), pt(2, chunkify, 1500))
	agg := newTestAggregator(src, batchedConfig(1000))

	series, err := agg.Poll(context.Background(), chunkify, []string{chunkify})
	require.NoError(t, err)

	points := series.Steps[chunkify]
	require.Len(t, points, 1)
	assert.Equal(t, time.Unix(1, 0).UTC(), points[0].Timestamp)
	assert.Equal(t, 1000.0, points[0].Value)
	assert.Equal(t, 2, points[0].Count)
	assert.True(t, points[0].Provisional)

	wm := agg.Watermark(chunkify)
	assert.True(t, wm.Set)
	assert.Equal(t, int64(2), wm.Cursor)
}

func TestPoll_BatchCompleteness(t *testing.T) {
	src := &fakeSource{}
	var lastSum float64
	for i := int64(1); i <= 2500; i++ {
		d := float64(i * 3)
		src.add(pt(i, chunkify, d))
		if i > 2000 {
			lastSum += d
		}
	}
	agg := newTestAggregator(src, batchedConfig(1000))

	series, err := agg.Poll(context.Background(), chunkify, []string{chunkify})
	require.NoError(t, err)

	points := series.Steps[chunkify]
	require.Len(t, points, 3)
	assert.False(t, points[0].Provisional)
	assert.False(t, points[1].Provisional)
	assert.True(t, points[2].Provisional)
	assert.Equal(t, 1000, points[0].Count)
	assert.Equal(t, 500, points[2].Count)
	assert.Equal(t, time.Unix(2001, 0).UTC(), points[2].Timestamp)
	assert.InDelta(t, lastSum/500, points[2].Value, 1e-9)
}

func TestPoll_WatermarkMonotonicNoDuplicates(t *testing.T) {
	src := &fakeSource{}
	agg := newTestAggregator(src, batchedConfig(4))
	ctx := context.Background()

	var prev time.Time
	next := int64(1)
	want := 0
	for tick := 0; tick < 8; tick++ {
		for i := 0; i < tick%3; i++ {
			src.add(pt(next, chunkify, float64(next)))
			next++
			want++
		}
		switch tick {
		case 3:
			// Newer cursor, older timestamp.
			src.add(model.TimePoint{Timestamp: time.Unix(1, 0).UTC(), Cursor: next, Step: chunkify, Duration: 9})
			next++
			want++
		case 5:
			// No cursor, last in the fetch.
			src.add(model.TimePoint{Key: "no-timestamp", Step: chunkify, Malformed: "timestamp"})
			want++
		}

		_, err := agg.Poll(ctx, chunkify, []string{chunkify})
		require.NoError(t, err)

		wm := agg.Watermark(chunkify)
		assert.False(t, wm.At.Before(prev), "watermark moved backwards at tick %d", tick)
		prev = wm.At

		buf := agg.Buffer(chunkify)
		require.Len(t, buf, want, "tick %d", tick)
		ids := make(map[any]bool, len(buf))
		for _, p := range buf {
			id := p.Cursor
			if id == nil {
				id = p.Key
			}
			assert.False(t, ids[id], "record %v buffered twice at tick %d", id, tick)
			ids[id] = true
		}
		if next > 1 {
			assert.Equal(t, next-1, wm.Cursor, "tick %d", tick)
		}
	}
}

func TestPoll_LateTimestampConsumedOnce(t *testing.T) {
	src := &fakeSource{}
	agg := newTestAggregator(src, batchedConfig(10))
	ctx := context.Background()

	src.add(pt(1, chunkify, 100))
	_, err := agg.Poll(ctx, chunkify, []string{chunkify})
	require.NoError(t, err)

	src.add(model.TimePoint{Timestamp: time.Unix(-5, 0).UTC(), Cursor: int64(2), Step: chunkify, Duration: 300})
	for i := 0; i < 3; i++ {
		_, err := agg.Poll(ctx, chunkify, []string{chunkify})
		require.NoError(t, err)
	}

	assert.Len(t, agg.Buffer(chunkify), 2)
	wm := agg.Watermark(chunkify)
	assert.Equal(t, int64(2), wm.Cursor)
	assert.Equal(t, time.Unix(1, 0).UTC(), wm.At)
}

func TestPoll_CursorlessRecordOnFirstTick(t *testing.T) {
	src := &fakeSource{}
	agg := newTestAggregator(src, batchedConfig(10))
	ctx := context.Background()

	src.add(model.TimePoint{Key: "a", Step: chunkify, Malformed: "timestamp"})
	for i := 0; i < 3; i++ {
		_, err := agg.Poll(ctx, chunkify, []string{chunkify})
		require.NoError(t, err)
	}
	assert.Len(t, agg.Buffer(chunkify), 1)
	assert.False(t, agg.Watermark(chunkify).Set)

	src.add(pt(1, chunkify, 100))
	series, err := agg.Poll(ctx, chunkify, []string{chunkify})
	require.NoError(t, err)
	assert.Len(t, agg.Buffer(chunkify), 2)
	assert.Equal(t, int64(1), agg.Watermark(chunkify).Cursor)
	require.Len(t, series.Steps[chunkify], 1)
	assert.Equal(t, 100.0, series.Steps[chunkify][0].Value)
}

func TestPoll_SourceFailureKeepsPreviousSeries(t *testing.T) {
	src := &fakeSource{}
	src.add(pt(1, chunkify, 100), pt(2, chunkify, 300))
	agg := newTestAggregator(src, batchedConfig(10))
	ctx := context.Background()

	before, err := agg.Poll(ctx, chunkify, []string{chunkify})
	require.NoError(t, err)
	wmBefore := agg.Watermark(chunkify)

	src.setFail(true)
	src.add(pt(3, chunkify, 500))
	during, err := agg.Poll(ctx, chunkify, []string{chunkify})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)
	var srcErr *model.SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "fake", srcErr.Source)
	assert.Equal(t, before, during)
	assert.Equal(t, wmBefore, agg.Watermark(chunkify))
	assert.Len(t, agg.Buffer(chunkify), 2)

	src.setFail(false)
	after, err := agg.Poll(ctx, chunkify, []string{chunkify})
	require.NoError(t, err)
	assert.Len(t, agg.Buffer(chunkify), 3)
	assert.Equal(t, int64(3), agg.Watermark(chunkify).Cursor)
	assert.Equal(t, 300.0, after.Steps[chunkify][0].Value)
}

func TestPoll_ZeroNewRecordsIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	src.add(pt(1, chunkify, 10))
	agg := New(src, src, batchedConfig(10))
	ctx := context.Background()

	first, err := agg.Poll(ctx, chunkify, []string{chunkify})
	require.NoError(t, err)
	second, err := agg.Poll(ctx, chunkify, []string{chunkify})
	require.NoError(t, err)
	third, err := agg.Poll(ctx, chunkify, []string{chunkify})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, second, third)
	assert.Equal(t, first.UpdatedAt, third.UpdatedAt)
}

func TestPoll_EmptySourceReturnsEmptySeries(t *testing.T) {
	src := &fakeSource{}
	agg := newTestAggregator(src, batchedConfig(10))

	series, err := agg.Poll(context.Background(), chunkify, []string{chunkify})
	require.NoError(t, err)
	assert.Equal(t, chunkify, series.Scope)
	assert.Zero(t, series.Len())
	assert.False(t, agg.Watermark(chunkify).Set)
}

func TestPoll_UnbatchedStepKeepsRawPointsInOrder(t *testing.T) {
	src := &fakeSource{}
	step := model.StepExpandSingleCandidate
	// Identical timestamps keep source order.
	a := pt(5, step, 1)
	b := pt(5, step, 2)
	b.Cursor = int64(6)
	src.add(a, b, pt(7, step, 3))
	agg := newTestAggregator(src, Config{Scopes: []model.ScopeSpec{{Name: "expand", Steps: []string{step}}}})

	series, err := agg.Poll(context.Background(), "expand", []string{step})
	require.NoError(t, err)

	points := series.Steps[step]
	require.Len(t, points, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{points[0].Value, points[1].Value, points[2].Value})
	for _, p := range points {
		assert.Equal(t, 1, p.Count)
		assert.False(t, p.Provisional)
	}
}

func TestPoll_MalformedRecordsExcludedFromSeries(t *testing.T) {
	src := &fakeSource{}
	bad := model.TimePoint{Cursor: int64(2), Step: chunkify, Duration: 9999, Malformed: "timestamp"}
	src.add(pt(1, chunkify, 100), bad, pt(3, chunkify, 300))
	agg := newTestAggregator(src, batchedConfig(10))

	series, err := agg.Poll(context.Background(), chunkify, []string{chunkify})
	require.NoError(t, err)

	points := series.Steps[chunkify]
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].Count)
	assert.Equal(t, 200.0, points[0].Value)
	assert.Len(t, agg.Buffer(chunkify), 3)
	assert.Equal(t, int64(3), agg.Watermark(chunkify).Cursor)
}

func TestPoll_StepFilterStillAdvancesWatermark(t *testing.T) {
	src := &fakeSource{ignoreFilter: true}
	src.add(pt(1, chunkify, 100), pt(2, "other", 5), pt(3, "other", 7))
	agg := newTestAggregator(src, batchedConfig(10))

	series, err := agg.Poll(context.Background(), chunkify, []string{chunkify})
	require.NoError(t, err)
	assert.Len(t, series.Steps, 1)
	assert.Len(t, agg.Buffer(chunkify), 1)
	assert.Equal(t, int64(3), agg.Watermark(chunkify).Cursor)
}

func TestPoll_MaxRawPointsBoundsBuffer(t *testing.T) {
	src := &fakeSource{}
	for i := int64(1); i <= 25; i++ {
		src.add(pt(i, chunkify, 10))
	}
	cfg := batchedConfig(10)
	cfg.MaxRawPoints = 7
	agg := newTestAggregator(src, cfg)

	series, err := agg.Poll(context.Background(), chunkify, []string{chunkify})
	require.NoError(t, err)

	assert.Len(t, agg.Buffer(chunkify), 7)
	assert.Equal(t, 7, series.Buffered)
	points := series.Steps[chunkify]
	require.Len(t, points, 3, "frozen aggregates survive compaction")
	assert.Equal(t, 5, points[2].Count)
}

func TestPoll_MaxRawPointsBoundsUnbatchedWindow(t *testing.T) {
	src := &fakeSource{}
	for i := int64(1); i <= 12; i++ {
		src.add(pt(i, "raw", float64(i)))
	}
	agg := newTestAggregator(src, Config{MaxRawPoints: 5})

	series, err := agg.Poll(context.Background(), "raw", []string{"raw"})
	require.NoError(t, err)

	points := series.Steps["raw"]
	require.Len(t, points, 5)
	assert.Equal(t, 8.0, points[0].Value)
	assert.Equal(t, 12.0, points[4].Value)
}

func TestPoll_IncrementalBatchesMatchFullRecompute(t *testing.T) {
	src := &fakeSource{}
	agg := newTestAggregator(src, batchedConfig(7))
	ctx := context.Background()

	next := int64(1)
	for _, n := range []int{3, 0, 11, 1, 6, 0, 20} {
		for i := 0; i < n; i++ {
			src.add(pt(next, chunkify, float64(next%13)*1.5))
			next++
		}
		series, err := agg.Poll(ctx, chunkify, []string{chunkify})
		require.NoError(t, err)
		want := Downsample(agg.Buffer(chunkify), 7)
		got := series.Steps[chunkify]
		if len(want) == 0 {
			assert.Empty(t, got)
			continue
		}
		assert.Equal(t, want, got)
	}
}

func TestPollAll_ScopesAreIndependent(t *testing.T) {
	src := &fakeSource{failScopes: map[string]bool{"broken": true}}
	src.add(pt(1, chunkify, 10))
	agg := newTestAggregator(src, Config{
		BatchedSteps: []string{chunkify},
		Scopes: []model.ScopeSpec{
			{Name: "ok", Steps: []string{chunkify}},
			{Name: "broken", Steps: []string{chunkify}},
		},
	})

	out, err := agg.PollAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)
	require.Contains(t, out, "ok")
	require.Contains(t, out, "broken")
	assert.Equal(t, 1, out["ok"].Len())
	assert.Zero(t, out["broken"].Len())
	assert.Equal(t, []string{"ok", "broken"}, agg.ScopeNames())
}

func TestSnapshotCounts_PartialFailure(t *testing.T) {
	src := &fakeSource{
		counts:   map[string]float64{},
		countErr: map[string]error{"c3": errors.New("timeout")},
	}
	var specs []model.CounterSpec
	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("c%d", i)
		specs = append(specs, model.CounterSpec{Name: name, Kind: model.CounterDocuments})
		src.counts[name] = float64(i * 10)
	}
	agg := newTestAggregator(src, Config{Counters: specs})

	summary := agg.SnapshotCounts(context.Background())
	assert.Len(t, summary.Values, 4)
	assert.Contains(t, summary.Missing, "c3")
	_, ok := summary.Value("c3")
	assert.False(t, ok)
	v, ok := summary.Value("c5")
	assert.True(t, ok)
	assert.Equal(t, 50.0, v)
	assert.Empty(t, summary.Deltas)

	src.mu.Lock()
	src.counts["c1"] = 17
	src.mu.Unlock()
	summary = agg.SnapshotCounts(context.Background())
	assert.Equal(t, 7.0, summary.Deltas["c1"])
	assert.Equal(t, 0.0, summary.Deltas["c2"])
}

func TestSnapshotCounts_NoCounterSource(t *testing.T) {
	agg := New(&fakeSource{}, nil, Config{Counters: []model.CounterSpec{{Name: "files"}}})

	summary := agg.SnapshotCounts(context.Background())
	assert.Empty(t, summary.Values)
	assert.Contains(t, summary.Missing, "files")
}
