// Package refresh drives the poll-and-render cycle. A Dashboard is the
// explicit state owned by the loop: it is created empty at startup and
// discarded on exit.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/aggregator"
	"github.com/tinytelemetry/stepwatch/internal/model"

	"go.uber.org/zap"
)

// DashboardConfig controls the recent-records table and per-tick limits.
type DashboardConfig struct {
	RecentLimit int
	RecentSteps []string
	// TickTimeout bounds all source queries of one tick. Zero means no bound
	// beyond the sources' own query timeouts.
	TickTimeout time.Duration
	SourceName  string
	Interval    time.Duration
}

// Dashboard assembles frames from the aggregator and the recent-records
// source. It keeps the last good data so a failed tick never blanks the
// display.
type Dashboard struct {
	agg    *aggregator.Aggregator
	recent model.RecentSource
	cfg    DashboardConfig
	logger *zap.Logger

	mu         sync.Mutex
	seq        uint64
	last       Frame
	lastCounts model.CountSummary
	lastRecent []model.RecentRecord
}

// NewDashboard creates a dashboard with empty buffers and null watermarks.
func NewDashboard(agg *aggregator.Aggregator, recent model.RecentSource, cfg DashboardConfig, logger *zap.Logger) *Dashboard {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = model.DefaultRecentLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dashboard{
		agg:    agg,
		recent: recent,
		cfg:    cfg,
		logger: logger,
		last: Frame{
			Scopes:  agg.ScopeNames(),
			Series:  map[string]model.Series{},
			Healthy: true,
		},
	}
}

// Tick runs one poll cycle. It never fails: source problems become notices
// and the previous good data is carried into the frame.
func (d *Dashboard) Tick(ctx context.Context) Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	if d.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.TickTimeout)
		defer cancel()
	}

	var notices []Notice
	notice := func(component string, err error) {
		notices = append(notices, Notice{At: time.Now(), Component: component, Message: err.Error()})
		d.logger.Warn("tick degraded", zap.String("component", component), zap.Error(err))
	}

	series, err := d.agg.PollAll(ctx)
	if err != nil {
		notice("series", err)
	}

	counts := d.agg.SnapshotCounts(ctx)
	if len(counts.Values) == 0 && len(counts.Missing) > 0 && d.lastCounts.Values != nil {
		// Every counter failed: keep showing the last good tiles.
		for name, reason := range counts.Missing {
			notice("counts/"+name, errorString(reason))
		}
		counts = d.lastCounts
	} else {
		for name, reason := range counts.Missing {
			notice("counts/"+name, errorString(reason))
		}
		d.lastCounts = counts
	}

	if d.recent != nil {
		points, err := d.recent.Recent(ctx, d.cfg.RecentLimit, d.cfg.RecentSteps)
		if err != nil {
			notice("recent", err)
		} else {
			d.lastRecent = RecentRows(points)
		}
	}

	d.seq++
	frame := Frame{
		Seq:      d.seq,
		At:       start,
		Took:     time.Since(start),
		Scopes:   d.agg.ScopeNames(),
		Series:   series,
		Counts:   counts,
		Recent:   d.lastRecent,
		Notices:  notices,
		Healthy:  len(notices) == 0,
		Source:   d.cfg.SourceName,
		Interval: d.cfg.Interval,
	}
	d.last = frame
	return frame
}

// Last returns the most recent frame.
func (d *Dashboard) Last() Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

type errorString string

func (e errorString) Error() string { return string(e) }
