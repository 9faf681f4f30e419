// Package backend reads pre-aggregated statistics from the clone detector's
// REST backend.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/timestamp"

	"github.com/levigross/grequests"
)

const sourceName = "backend"

// Averaging windows exposed under /average/{window}.
const (
	WindowLast100  = "100"
	WindowLast1000 = "1000"
	WindowOverall  = "overall"
)

// Scope names used for the averaging windows.
const (
	ScopeLast100  = "last-100"
	ScopeLast1000 = "last-1000"
	ScopeOverall  = "overall"
)

var scopeWindows = map[string]string{
	ScopeLast100:  WindowLast100,
	ScopeLast1000: WindowLast1000,
	ScopeOverall:  WindowOverall,
}

// DefaultScopes returns one scope per averaging window.
func DefaultScopes() []model.ScopeSpec {
	return []model.ScopeSpec{
		{Name: ScopeLast100},
		{Name: ScopeLast1000},
		{Name: ScopeOverall},
	}
}

// DefaultCounters lists the values published by /info.
func DefaultCounters() []model.CounterSpec {
	return []model.CounterSpec{
		{Name: "total_files_processed", Kind: model.CounterDocuments},
		{Name: "total_files_chunkified", Kind: model.CounterDocuments},
		{Name: "clones_found", Kind: model.CounterDocuments},
	}
}

// Config points the client at a backend.
type Config struct {
	// URL is the backend base address. A bare host:port gets an http scheme.
	URL     string
	Timeout time.Duration
	// InfoTTL reuses one /info response for every counter of a tick.
	InfoTTL time.Duration
}

// Client implements model.Source against the REST backend.
type Client struct {
	base    string
	timeout time.Duration
	ttl     time.Duration
	parser  *timestamp.Parser
	now     func() time.Time

	mu       sync.Mutex
	info     map[string]float64
	infoTime time.Time
}

// New creates a client. It does not contact the backend.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend url is required")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = model.DefaultQueryTimeout
	}
	if cfg.InfoTTL <= 0 {
		cfg.InfoTTL = time.Second
	}
	return &Client{
		base:    base,
		timeout: cfg.Timeout,
		ttl:     cfg.InfoTTL,
		parser:  timestamp.NewParser(),
		now:     time.Now,
	}, nil
}

// Name identifies the source in notices and logs.
func (c *Client) Name() string { return sourceName }

// BaseURL returns the normalized backend address.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := grequests.Get(c.base+path, &grequests.RequestOptions{
		Context:        ctx,
		RequestTimeout: c.timeout,
	})
	if err != nil {
		return model.Unavailable(sourceName, "GET "+path, err)
	}
	defer resp.Close()
	if !resp.Ok {
		return model.Unavailable(sourceName, "GET "+path, fmt.Errorf("status code %d", resp.StatusCode))
	}
	if err := resp.JSON(out); err != nil {
		return fmt.Errorf("GET %s: %w: %v", path, model.ErrMalformedRecord, err)
	}
	return nil
}

// Average fetches one averaging window.
func (c *Client) Average(ctx context.Context, window string) (model.AverageSample, error) {
	var sample model.AverageSample
	err := c.getJSON(ctx, "/average/"+window, &sample)
	return sample, err
}

// FetchSince turns the window average into one point per reported step.
// The cursor is the processed-file count, so nothing is emitted until the
// backend has processed more files.
func (c *Client) FetchSince(ctx context.Context, scope string, since model.Watermark, steps []string) ([]model.TimePoint, error) {
	window, ok := scopeWindows[scope]
	if !ok {
		window = scope
	}
	sample, err := c.Average(ctx, window)
	if err != nil {
		return nil, err
	}
	if prev, ok := since.Cursor.(int64); since.Set && ok && sample.X <= prev {
		return nil, nil
	}

	accept := make(map[string]bool, len(steps))
	for _, s := range steps {
		accept[s] = true
	}
	keys := make([]string, 0, len(sample.Y))
	for k := range sample.Y {
		if len(accept) == 0 || accept[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	at := c.now().UTC()
	points := make([]model.TimePoint, 0, len(keys))
	for _, k := range keys {
		points = append(points, model.TimePoint{
			Timestamp: at,
			Cursor:    sample.X,
			Step:      k,
			// Averages are reported in microseconds.
			Duration: sample.Y[k] * 1000,
			Metadata: map[string]string{"x": fmt.Sprint(sample.X)},
		})
	}
	return points, nil
}

// Info fetches the flat counter object.
func (c *Client) Info(ctx context.Context) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info != nil && c.now().Sub(c.infoTime) < c.ttl {
		return c.info, nil
	}
	var info map[string]float64
	if err := c.getJSON(ctx, "/info", &info); err != nil {
		return nil, err
	}
	c.info = info
	c.infoTime = c.now()
	return info, nil
}

// Count looks the counter up by name in /info.
func (c *Client) Count(ctx context.Context, spec model.CounterSpec) (float64, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return 0, err
	}
	v, ok := info[spec.Name]
	if !ok {
		return 0, &model.MalformedError{Field: spec.Name, Value: nil}
	}
	return v, nil
}

type timersResponse struct {
	Files []map[string]any `json:"files"`
}

// Recent returns the /timers records, newest first.
func (c *Client) Recent(ctx context.Context, limit int, steps []string) ([]model.TimePoint, error) {
	if limit <= 0 {
		limit = model.DefaultRecentLimit
	}
	var resp timersResponse
	if err := c.getJSON(ctx, "/timers", &resp); err != nil {
		return nil, err
	}

	accept := make(map[string]bool, len(steps))
	for _, s := range steps {
		accept[s] = true
	}
	points := make([]model.TimePoint, 0, len(resp.Files))
	for _, rec := range resp.Files {
		p := decodeRecord(rec, c.parser)
		if len(accept) > 0 && !accept[p.Step] {
			continue
		}
		points = append(points, p)
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.After(points[j].Timestamp)
	})
	if len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}

func decodeRecord(rec map[string]any, parser *timestamp.Parser) model.TimePoint {
	p := model.TimePoint{Metadata: map[string]string{}}
	if ts, ok := parser.ParseTimestamp(rec["timestamp"]); ok {
		p.Timestamp = ts
		p.Cursor = rec["timestamp"]
	} else {
		p.Malformed = (&model.MalformedError{Field: "timestamp", Value: rec["timestamp"]}).Error()
	}
	p.Step, _ = rec["step"].(string)
	if d, ok := rec["duration"].(float64); ok {
		p.Duration = d
	} else if p.Malformed == "" {
		p.Malformed = (&model.MalformedError{Field: "duration", Value: rec["duration"]}).Error()
	}
	for _, key := range []string{model.MetaFileName, model.MetaTimePerChunk, model.MetaChunksCount} {
		if v, ok := rec[key]; ok && v != nil {
			p.Metadata[key] = fmt.Sprint(v)
		}
	}
	return p
}
