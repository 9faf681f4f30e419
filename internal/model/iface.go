package model

import "context"

// TimerSource returns timer records newer than a watermark, oldest first.
type TimerSource interface {
	FetchSince(ctx context.Context, scope string, since Watermark, steps []string) ([]TimePoint, error)
}

// CounterSource evaluates one named counter.
type CounterSource interface {
	Count(ctx context.Context, spec CounterSpec) (float64, error)
}

// RecentSource returns the newest timer records, newest first.
type RecentSource interface {
	Recent(ctx context.Context, limit int, steps []string) ([]TimePoint, error)
}

// Source is the full read contract a dashboard needs.
type Source interface {
	TimerSource
	CounterSource
	RecentSource
	Name() string
}
