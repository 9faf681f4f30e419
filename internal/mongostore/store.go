package mongostore

import (
	"context"
	"fmt"

	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/timestamp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const sourceName = "mongodb"

// Store implements model.Source on top of a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    Config
	parser *timestamp.Parser
}

// Open connects and returns a ready store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client *mongo.Client, cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		client: client,
		db:     client.Database(cfg.Database),
		cfg:    cfg,
		parser: timestamp.NewParser(),
	}
}

// Name identifies the source in notices and logs.
func (s *Store) Name() string { return sourceName }

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

// FetchSince returns status updates newer than since, oldest first. The
// scope only names the caller; the step filter selects the records.
func (s *Store) FetchSince(ctx context.Context, scope string, since model.Watermark, steps []string) ([]model.TimePoint, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: fieldTimestamp, Value: 1}})
	if s.cfg.FetchLimit > 0 {
		opts.SetLimit(s.cfg.FetchLimit)
	}
	points, err := s.find(ctx, timerFilter(steps, since), opts)
	if err != nil {
		return nil, model.Unavailable(sourceName, "fetch "+scope, err)
	}
	return points, nil
}

// Recent returns the newest status updates, newest first.
func (s *Store) Recent(ctx context.Context, limit int, steps []string) ([]model.TimePoint, error) {
	if limit <= 0 {
		limit = model.DefaultRecentLimit
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: fieldTimestamp, Value: -1}}).
		SetLimit(int64(limit))
	points, err := s.find(ctx, timerFilter(steps, model.Watermark{}), opts)
	if err != nil {
		return nil, model.Unavailable(sourceName, "recent", err)
	}
	return points, nil
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]model.TimePoint, error) {
	cur, err := s.db.Collection(s.cfg.StatusCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var points []model.TimePoint
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			points = append(points, model.TimePoint{Malformed: err.Error()})
			continue
		}
		points = append(points, decodeTimePoint(doc, s.parser))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

// Count evaluates one counter: a document count or a field sum.
func (s *Store) Count(ctx context.Context, spec model.CounterSpec) (float64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	collection := spec.Collection
	if collection == "" {
		collection = s.cfg.StatusCollection
	}
	col := s.db.Collection(collection)

	switch spec.Kind {
	case model.CounterSum:
		if spec.Field == "" {
			return 0, fmt.Errorf("counter %s: sum requires a field", spec.Name)
		}
		cur, err := col.Aggregate(ctx, sumPipeline(spec))
		if err != nil {
			return 0, model.Unavailable(sourceName, "count "+spec.Name, err)
		}
		defer cur.Close(ctx)
		var rows []bson.M
		if err := cur.All(ctx, &rows); err != nil {
			return 0, model.Unavailable(sourceName, "count "+spec.Name, err)
		}
		if len(rows) == 0 {
			return 0, nil
		}
		total, ok := toFloat(rows[0]["total"])
		if !ok {
			return 0, &model.MalformedError{Field: "total", Value: rows[0]["total"]}
		}
		return total, nil
	case model.CounterDocuments, "":
		n, err := col.CountDocuments(ctx, counterFilter(spec))
		if err != nil {
			return 0, model.Unavailable(sourceName, "count "+spec.Name, err)
		}
		return float64(n), nil
	default:
		return 0, fmt.Errorf("counter %s: unknown kind %q", spec.Name, spec.Kind)
	}
}
