// Package mongostore reads timer records and counters from the MongoDB
// database the pipeline workers write to.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config selects the database and tunes queries.
type Config struct {
	URI              string
	Database         string
	StatusCollection string
	QueryTimeout     time.Duration
	// FetchLimit caps the records returned by one FetchSince. Zero means no cap;
	// the remainder is picked up on the next tick.
	FetchLimit  int64
	MaxPoolSize uint64
}

func (c Config) withDefaults() Config {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.Database == "" {
		c.Database = model.DefaultDatabase
	}
	if c.StatusCollection == "" {
		c.StatusCollection = model.DefaultStatusCollection
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = model.DefaultQueryTimeout
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 10
	}
	return c
}

// Connect dials MongoDB and pings the primary.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opt := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetReadPreference(readpref.SecondaryPreferred())

	client, err := mongo.Connect(ctx, opt)
	if err != nil {
		return nil, model.Unavailable(sourceName, "connect", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, model.Unavailable(sourceName, "ping", fmt.Errorf("%s: %w", cfg.URI, err))
	}
	return client, nil
}
