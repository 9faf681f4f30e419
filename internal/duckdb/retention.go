package duckdb

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetentionConfig configures status update expiry.
type RetentionConfig struct {
	Days     int
	Interval time.Duration
	Logger   *zap.Logger
	Now      func() time.Time
}

// Retention expires status updates older than a fixed number of days. Age
// is judged by record timestamp, not by row id. Ids come from a sequence
// and are never reused, so expiring rows cannot move a scope's row id
// cursor backwards or cause a refetch.
type Retention struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewRetention returns nil when expiry is disabled (zero or negative days).
func NewRetention(store *Store, conf RetentionConfig) *Retention {
	if conf.Days <= 0 {
		return nil
	}
	if conf.Interval <= 0 {
		conf.Interval = time.Hour
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	if conf.Now == nil {
		conf.Now = time.Now
	}
	return &Retention{
		store:    store,
		maxAge:   time.Duration(conf.Days) * 24 * time.Hour,
		interval: conf.Interval,
		logger:   conf.Logger,
		now:      conf.Now,
	}
}

// Sweep deletes expired status updates once and returns how many went.
func (r *Retention) Sweep() (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.DeleteBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("expired status updates",
			zap.Int64("deleted", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Run sweeps immediately, to catch up after downtime, and then every
// interval until ctx is cancelled. Sweep failures are logged and retried
// on the next interval.
func (r *Retention) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(); err != nil {
			r.logger.Error("status update expiry failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
