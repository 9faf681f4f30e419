package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"

	"go.uber.org/zap"
)

// Collection names map onto tables through an allowlist so counter specs
// written for MongoDB work unchanged.
var tableForCollection = map[string]string{
	model.DefaultStatusCollection: "status_updates",
	"status_updates":              "status_updates",
	model.DefaultFilesCollection:  "files",
	model.DefaultClonesCollection: "clones",
}

var columnForField = map[string]string{
	"duration":             "duration",
	model.MetaTimePerChunk: "time_per_chunk",
	"time_per_chunk":       "time_per_chunk",
	model.MetaChunksCount:  "chunks_count",
	"chunks_count":         "chunks_count",
}

const statusColumns = `id, timestamp, step, duration, file_name, time_per_chunk, chunks_count`

// stepFilter returns an "AND step IN (...)" fragment for a non-empty filter.
func stepFilter(steps []string) (string, []any) {
	if len(steps) == 0 {
		return "", nil
	}
	marks := make([]string, len(steps))
	args := make([]any, len(steps))
	for i, s := range steps {
		marks[i] = "?"
		args[i] = s
	}
	return " AND step IN (" + strings.Join(marks, ", ") + ")", args
}

func scanStatusRows(rows *sql.Rows, logger *zap.Logger) ([]model.TimePoint, error) {
	var points []model.TimePoint
	for rows.Next() {
		var (
			id       int64
			ts       time.Time
			step     string
			duration int64
			fileName sql.NullString
			perChunk sql.NullInt64
			chunks   sql.NullInt64
		)
		if err := rows.Scan(&id, &ts, &step, &duration, &fileName, &perChunk, &chunks); err != nil {
			logger.Warn("duckdb scan error", zap.Error(err))
			p := model.TimePoint{Malformed: err.Error()}
			if id > 0 {
				p.Cursor, p.Key = id, id
			}
			points = append(points, p)
			continue
		}
		p := model.TimePoint{
			Timestamp: ts.UTC(),
			Cursor:    id,
			Key:       id,
			Step:      step,
			Duration:  float64(duration),
			Metadata:  map[string]string{},
		}
		if fileName.Valid {
			p.Metadata[model.MetaFileName] = fileName.String
		}
		if perChunk.Valid {
			p.Metadata[model.MetaTimePerChunk] = strconv.FormatInt(perChunk.Int64, 10)
		}
		if chunks.Valid {
			p.Metadata[model.MetaChunksCount] = strconv.FormatInt(chunks.Int64, 10)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// FetchSince returns status updates inserted after the watermark, in
// insertion order. The cursor is the row id, so late-arriving records with
// older timestamps are still picked up.
func (s *Store) FetchSince(ctx context.Context, scope string, since model.Watermark, steps []string) ([]model.TimePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var after int64
	if since.Set {
		id, ok := since.Cursor.(int64)
		if !ok {
			return nil, fmt.Errorf("fetch %s: %w: cursor %T", scope, model.ErrMalformedRecord, since.Cursor)
		}
		after = id
	}
	filter, args := stepFilter(steps)
	query := `SELECT ` + statusColumns + ` FROM status_updates WHERE id > ?` + filter + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, append([]any{after}, args...)...)
	if err != nil {
		return nil, model.Unavailable(sourceName, "fetch "+scope, err)
	}
	defer rows.Close()
	return scanStatusRows(rows, s.logger)
}

// Recent returns the newest status updates, newest first.
func (s *Store) Recent(ctx context.Context, limit int, steps []string) ([]model.TimePoint, error) {
	if limit <= 0 {
		limit = model.DefaultRecentLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	filter, args := stepFilter(steps)
	query := `SELECT ` + statusColumns + ` FROM status_updates WHERE true` + filter +
		` ORDER BY timestamp DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, model.Unavailable(sourceName, "recent", err)
	}
	defer rows.Close()
	return scanStatusRows(rows, s.logger)
}

// Count evaluates a counter spec against the allowlisted tables.
func (s *Store) Count(ctx context.Context, spec model.CounterSpec) (float64, error) {
	collection := spec.Collection
	if collection == "" {
		collection = model.DefaultStatusCollection
	}
	table, ok := tableForCollection[collection]
	if !ok {
		return 0, fmt.Errorf("counter %s: unknown collection %q", spec.Name, collection)
	}

	expr := "COUNT(*)"
	if spec.Kind == model.CounterSum {
		col, ok := columnForField[spec.Field]
		if !ok || table != "status_updates" {
			return 0, fmt.Errorf("counter %s: cannot sum %q over %s", spec.Name, spec.Field, collection)
		}
		expr = "CAST(COALESCE(SUM(" + col + "), 0) AS DOUBLE)"
	}
	query := "SELECT " + expr + " FROM " + table
	var args []any
	if spec.Step != "" {
		if table != "status_updates" {
			return 0, fmt.Errorf("counter %s: step filter on %s", spec.Name, collection)
		}
		query += " WHERE step = ?"
		args = append(args, spec.Step)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var v float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, model.Unavailable(sourceName, "count "+spec.Name, err)
	}
	return v, nil
}

// AverageDuration computes the /average/{window} payload. X is the number of
// chunkified files, Y holds mean durations in microseconds over the last
// window records: "total" across all steps plus one entry per step.
func (s *Store) AverageDuration(ctx context.Context, window string) (model.AverageSample, error) {
	limit := 0
	if window != "" && window != "overall" {
		n, err := strconv.Atoi(window)
		if err != nil || n <= 0 {
			return model.AverageSample{}, fmt.Errorf("invalid window %q", window)
		}
		limit = n
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	sample := model.AverageSample{Y: map[string]float64{}}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM status_updates WHERE step = ?`, model.StepChunkifyFile,
	).Scan(&sample.X); err != nil {
		return sample, model.Unavailable(sourceName, "average", err)
	}

	source := "status_updates"
	var args []any
	if limit > 0 {
		source = "(SELECT step, duration FROM status_updates ORDER BY timestamp DESC, id DESC LIMIT ?)"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(step, 'total') AS step_name, AVG(duration) / 1000.0 AS avg_us
		FROM `+source+` w
		GROUP BY ROLLUP (step)`, args...)
	if err != nil {
		return sample, model.Unavailable(sourceName, "average", err)
	}
	defer rows.Close()
	for rows.Next() {
		var step string
		var avg sql.NullFloat64
		if err := rows.Scan(&step, &avg); err != nil {
			s.logger.Warn("duckdb scan error (AverageDuration)", zap.Error(err))
			continue
		}
		if avg.Valid {
			sample.Y[step] = avg.Float64
		}
	}
	if _, ok := sample.Y["total"]; !ok {
		sample.Y["total"] = 0
	}
	return sample, rows.Err()
}

// Info returns the flat counter object served under /info.
func (s *Store) Info(ctx context.Context) (map[string]float64, error) {
	info := make(map[string]float64, 3)
	for _, spec := range []model.CounterSpec{
		{Name: "total_files_processed", Collection: model.DefaultFilesCollection},
		{Name: "total_files_chunkified", Collection: model.DefaultStatusCollection, Step: model.StepChunkifyFile},
		{Name: "clones_found", Collection: model.DefaultClonesCollection},
	} {
		v, err := s.Count(ctx, spec)
		if err != nil {
			return nil, err
		}
		info[spec.Name] = v
	}
	return info, nil
}

// Timers returns the newest status updates in the wire shape used by the
// pipeline workers, for the /timers endpoint.
func (s *Store) Timers(ctx context.Context, limit int) ([]map[string]any, error) {
	points, err := s.Recent(ctx, limit, nil)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(points))
	for _, p := range points {
		rec := map[string]any{
			"timestamp": p.Timestamp.Format(time.RFC3339Nano),
			"step":      p.Step,
			"duration":  p.Duration,
		}
		if v, ok := p.Metadata[model.MetaFileName]; ok {
			rec[model.MetaFileName] = v
		}
		for _, key := range []string{model.MetaTimePerChunk, model.MetaChunksCount} {
			if v, ok := p.Metadata[key]; ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					rec[key] = n
				}
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteBefore removes status updates whose timestamp is older than cutoff.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM status_updates WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TableRowCounts returns the row count of each known table.
func (s *Store) TableRowCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	counts := make(map[string]int64, 3)
	for _, table := range []string{"status_updates", "files", "clones"} {
		var n int64
		// Table names are constants, not user input.
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, err
		}
		counts[table] = n
	}
	return counts, nil
}

var (
	dangerousKeywordPattern = regexp.MustCompile(
		`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET)\b`,
	)
	blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)
)

func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var b strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// MaxQueryRows caps the rows returned by ExecuteQuery.
const MaxQueryRows = 1000

// ExecuteQuery runs an ad-hoc read-only query. Only a single SELECT or WITH
// statement is accepted.
func (s *Store) ExecuteQuery(ctx context.Context, query string) ([]string, []map[string]any, error) {
	trimmed := strings.TrimSpace(query)
	if strings.Contains(trimmed, ";") {
		return nil, nil, fmt.Errorf("query must not contain semicolons")
	}
	stripped := strings.TrimSpace(stripSQLComments(trimmed))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, nil, fmt.Errorf("only SELECT/WITH queries are allowed")
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return nil, nil, fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var results []map[string]any
	for rows.Next() && len(results) < MaxQueryRows {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			s.logger.Warn("duckdb scan error (ExecuteQuery)", zap.Error(err))
			continue
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return columns, results, rows.Err()
}
