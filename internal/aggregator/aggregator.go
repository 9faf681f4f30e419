// Package aggregator turns an append-only remote stream of timer records into
// chart-ready series. Each scope keeps a watermark of the last consumed record
// so a poll only fetches what is new, and batched steps are downsampled into
// fixed-size means.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the aggregation parameters.
type Config struct {
	// BatchSize is the number of points reduced to one mean for batched steps.
	BatchSize int
	// BatchedSteps lists the step labels downsampled in batches. All other
	// steps are plotted one point per record.
	BatchedSteps []string
	// MaxRawPoints bounds the raw buffer of each scope. Zero keeps every record
	// for the process lifetime.
	MaxRawPoints int
	// Scopes polled by PollAll.
	Scopes []model.ScopeSpec
	// Counters evaluated by SnapshotCounts.
	Counters []model.CounterSpec
	// MaxConcurrentQueries caps parallel source queries within one tick.
	MaxConcurrentQueries int
}

// Recorder observes aggregation outcomes. Implementations must be safe for
// concurrent use.
type Recorder interface {
	PollSucceeded(scope string, fetched, malformed, buffered int, watermark time.Time)
	PollFailed(scope string)
	CounterObserved(name string, value float64)
	CounterFailed(name string)
}

type nopRecorder struct{}

func (nopRecorder) PollSucceeded(string, int, int, int, time.Time) {}
func (nopRecorder) PollFailed(string)                              {}
func (nopRecorder) CounterObserved(string, float64)                {}
func (nopRecorder) CounterFailed(string)                           {}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger used for malformed records and failures.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// Aggregator holds one (watermark, buffer) pair per scope. State lives for
// the process lifetime and is never persisted.
type Aggregator struct {
	timers   model.TimerSource
	counters model.CounterSource
	source   string

	cfg     Config
	batched map[string]bool

	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	mu     sync.Mutex
	scopes map[string]*scopeState

	countsMu   sync.Mutex
	lastCounts map[string]float64
}

// New creates an aggregator reading from timers and counters. counters may be
// nil when no tiles are configured.
func New(timers model.TimerSource, counters model.CounterSource, cfg Config, opts ...Option) *Aggregator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = model.DefaultBatchSize
	}
	if cfg.MaxRawPoints < 0 {
		cfg.MaxRawPoints = 0
	}
	if cfg.MaxConcurrentQueries <= 0 {
		cfg.MaxConcurrentQueries = 4
	}

	a := &Aggregator{
		timers:     timers,
		counters:   counters,
		source:     sourceName(timers),
		cfg:        cfg,
		batched:    make(map[string]bool, len(cfg.BatchedSteps)),
		logger:     zap.NewNop(),
		recorder:   nopRecorder{},
		now:        time.Now,
		scopes:     make(map[string]*scopeState),
		lastCounts: make(map[string]float64),
	}
	for _, step := range cfg.BatchedSteps {
		a.batched[step] = true
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func sourceName(src any) string {
	if n, ok := src.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "source"
}

func (a *Aggregator) isBatched(step string) bool {
	return a.batched[step]
}

func (a *Aggregator) scope(name string) *scopeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.scopes[name]
	if !ok {
		st = newScopeState(name)
		a.scopes[name] = st
	}
	return st
}

// Poll advances one scope. It fetches records newer than the scope watermark,
// folds them into the buffer and returns the recomputed series. With no new
// records the previous series is returned unchanged. On a source failure the
// scope is left untouched and the previous series is returned together with
// a *model.SourceError.
func (a *Aggregator) Poll(ctx context.Context, scope string, steps []string) (model.Series, error) {
	st := a.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	points, err := a.timers.FetchSince(ctx, scope, st.watermark, steps)
	if err != nil {
		if !errors.Is(err, model.ErrSourceUnavailable) {
			err = model.Unavailable(a.source, "fetch "+scope, err)
		}
		a.recorder.PollFailed(scope)
		return st.series, err
	}
	if len(points) == 0 {
		a.recorder.PollSucceeded(scope, 0, 0, len(st.buffer), st.watermark.At)
		return st.series, nil
	}

	accepted := stepSet(steps)
	before := st.malformed
	fresh := 0
	for _, p := range points {
		if st.seen(p) {
			continue
		}
		fresh++
		if accepted != nil && !accepted[p.Step] {
			// Still consumed, so the watermark moves past it.
			st.watermark = st.watermark.Advance(p)
			continue
		}
		st.ingest(p, a)
		if p.Malformed != "" {
			a.logger.Debug("malformed record excluded from series",
				zap.String("scope", scope),
				zap.String("step", p.Step),
				zap.String("reason", p.Malformed),
			)
		}
	}
	if fresh == 0 {
		a.recorder.PollSucceeded(scope, 0, 0, len(st.buffer), st.watermark.At)
		return st.series, nil
	}
	st.compact(a.cfg.MaxRawPoints)
	st.series = st.rebuild(a.now())

	malformed := st.malformed - before
	if malformed > 0 {
		a.logger.Warn("malformed records in poll",
			zap.String("scope", scope),
			zap.Int("count", malformed),
		)
	}
	a.recorder.PollSucceeded(scope, fresh, malformed, len(st.buffer), st.watermark.At)
	return st.series, nil
}

func stepSet(steps []string) map[string]bool {
	if len(steps) == 0 {
		return nil
	}
	set := make(map[string]bool, len(steps))
	for _, s := range steps {
		set[s] = true
	}
	return set
}

// PollAll polls every configured scope. Scopes own disjoint state and are
// polled concurrently; a failing scope does not affect the others. The
// returned error joins every scope failure.
func (a *Aggregator) PollAll(ctx context.Context) (map[string]model.Series, error) {
	var (
		mu     sync.Mutex
		out    = make(map[string]model.Series, len(a.cfg.Scopes))
		failed []error
	)

	var g errgroup.Group
	g.SetLimit(a.cfg.MaxConcurrentQueries)
	for _, spec := range a.cfg.Scopes {
		spec := spec
		g.Go(func() error {
			series, err := a.Poll(ctx, spec.Name, spec.Steps)
			mu.Lock()
			defer mu.Unlock()
			out[spec.Name] = series
			if err != nil {
				failed = append(failed, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return out, errors.Join(failed...)
}

// SnapshotCounts evaluates every configured counter. Counters are independent:
// a failing one is reported under Missing and left out of Values while the
// others are still returned.
func (a *Aggregator) SnapshotCounts(ctx context.Context) model.CountSummary {
	summary := model.CountSummary{
		Values:  make(map[string]float64, len(a.cfg.Counters)),
		Deltas:  make(map[string]float64, len(a.cfg.Counters)),
		Missing: make(map[string]string),
		TakenAt: a.now(),
	}
	if a.counters == nil {
		for _, spec := range a.cfg.Counters {
			summary.Missing[spec.Name] = "no counter source"
		}
		return summary
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(a.cfg.MaxConcurrentQueries)
	for _, spec := range a.cfg.Counters {
		spec := spec
		g.Go(func() error {
			v, err := a.counters.Count(ctx, spec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Missing[spec.Name] = err.Error()
				a.recorder.CounterFailed(spec.Name)
				a.logger.Warn("counter query failed", zap.String("counter", spec.Name), zap.Error(err))
				return nil
			}
			summary.Values[spec.Name] = v
			a.recorder.CounterObserved(spec.Name, v)
			return nil
		})
	}
	_ = g.Wait()

	a.countsMu.Lock()
	defer a.countsMu.Unlock()
	for name, v := range summary.Values {
		if prev, ok := a.lastCounts[name]; ok {
			summary.Deltas[name] = v - prev
		}
		a.lastCounts[name] = v
	}
	return summary
}

// Watermark returns the current watermark of scope.
func (a *Aggregator) Watermark(scope string) model.Watermark {
	st := a.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.watermark
}

// Buffer returns a copy of the raw records held for scope, oldest first.
func (a *Aggregator) Buffer(scope string) []model.TimePoint {
	st := a.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]model.TimePoint(nil), st.buffer...)
}

// Series returns the last computed series of scope without polling.
func (a *Aggregator) Series(scope string) model.Series {
	st := a.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.series
}

// ScopeNames returns the configured scope names in configuration order.
func (a *Aggregator) ScopeNames() []string {
	names := make([]string, 0, len(a.cfg.Scopes))
	for _, s := range a.cfg.Scopes {
		names = append(names, s.Name)
	}
	return names
}
