package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"

	"go.uber.org/zap"
)

// Ticker is the tick function driven by a Loop.
type Ticker interface {
	Tick(ctx context.Context) Frame
}

// Loop runs a Ticker on a fixed period and fans frames out to renderers.
// The next tick starts Interval after the previous one finished, so ticks
// never overlap and missed ticks are not queued.
type Loop struct {
	ticker   Ticker
	interval time.Duration
	logger   *zap.Logger
	trigger  chan struct{}

	mu        sync.RWMutex
	renderers []Renderer
	runOnce   sync.Once
}

// NewLoop creates a loop. A non-positive interval falls back to the default.
func NewLoop(t Ticker, interval time.Duration, logger *zap.Logger, renderers ...Renderer) *Loop {
	if interval <= 0 {
		interval = model.DefaultUpdateInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		ticker:    t,
		interval:  interval,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		renderers: renderers,
	}
}

// AddRenderer registers r for subsequent frames.
func (l *Loop) AddRenderer(r Renderer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renderers = append(l.renderers, r)
}

// TriggerNow asks for an immediate tick. Requests made while one is already
// pending are coalesced.
func (l *Loop) TriggerNow() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Interval returns the configured period.
func (l *Loop) Interval() time.Duration { return l.interval }

// Run ticks until ctx is cancelled. It returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	started := false
	l.runOnce.Do(func() { started = true })
	if !started {
		return nil
	}

	l.logger.Info("refresh loop started", zap.Duration("interval", l.interval))
	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			break
		}
		frame := l.ticker.Tick(ctx)
		l.render(frame)
		l.logger.Debug("tick complete",
			zap.Uint64("seq", frame.Seq),
			zap.Duration("took", frame.Took),
			zap.Bool("healthy", frame.Healthy),
		)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.interval)

		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-l.trigger:
		}
	}

	l.logger.Info("refresh loop stopped")
	return nil
}

func (l *Loop) render(frame Frame) {
	l.mu.RLock()
	renderers := append([]Renderer(nil), l.renderers...)
	l.mu.RUnlock()
	for _, r := range renderers {
		r.Render(frame)
	}
}
