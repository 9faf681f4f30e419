package main

import (
	"go.uber.org/zap"

	"github.com/tinytelemetry/stepwatch/internal/aggregator"
	"github.com/tinytelemetry/stepwatch/internal/metrics"
	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/refresh"
)

// pipeline is the aggregator, dashboard state and refresh loop over one
// opened source.
type pipeline struct {
	agg       *aggregator.Aggregator
	dashboard *refresh.Dashboard
	loop      *refresh.Loop
}

func newPipeline(src *openedSource, cfg appConfig, logger *zap.Logger, recorder *metrics.Recorder) *pipeline {
	opts := []aggregator.Option{aggregator.WithLogger(logger)}
	if recorder != nil {
		opts = append(opts, aggregator.WithRecorder(recorder))
	}
	agg := aggregator.New(src.source, src.source, aggregator.Config{
		BatchSize:            cfg.BatchSize,
		BatchedSteps:         cfg.BatchedSteps,
		MaxRawPoints:         cfg.MaxRawPoints,
		Scopes:               src.scopes,
		Counters:             src.counters,
		MaxConcurrentQueries: cfg.MaxConcurrent,
	}, opts...)

	dashboard := refresh.NewDashboard(agg, src.source, refresh.DashboardConfig{
		RecentLimit: cfg.RecentLimit,
		RecentSteps: recentSteps(src.scopes),
		TickTimeout: cfg.QueryTimeout,
		SourceName:  src.source.Name(),
		Interval:    cfg.UpdateInterval,
	}, logger)

	renderers := []refresh.Renderer{tickLogger(logger)}
	if recorder != nil {
		renderers = append(renderers, recorder)
	}
	loop := refresh.NewLoop(dashboard, cfg.UpdateInterval, logger, renderers...)

	return &pipeline{agg: agg, dashboard: dashboard, loop: loop}
}

// recentSteps is the union of the scope step filters. A scope without a
// filter watches every step, so the recent table does too.
func recentSteps(scopes []model.ScopeSpec) []string {
	seen := make(map[string]bool)
	var steps []string
	for _, s := range scopes {
		if len(s.Steps) == 0 {
			return nil
		}
		for _, step := range s.Steps {
			if !seen[step] {
				seen[step] = true
				steps = append(steps, step)
			}
		}
	}
	return steps
}

func tickLogger(logger *zap.Logger) refresh.Renderer {
	return refresh.RendererFunc(func(f refresh.Frame) {
		points := 0
		for _, s := range f.Series {
			points += s.Len()
		}
		logger.Debug("tick",
			zap.Uint64("seq", f.Seq),
			zap.Duration("took", f.Took),
			zap.Int("points", points),
			zap.Int("notices", len(f.Notices)),
			zap.Bool("healthy", f.Healthy),
		)
	})
}
