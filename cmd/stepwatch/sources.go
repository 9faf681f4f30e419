package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tinytelemetry/stepwatch/internal/backend"
	"github.com/tinytelemetry/stepwatch/internal/duckdb"
	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/mongostore"
)

// openedSource is a connected data source plus its default polling layout.
type openedSource struct {
	source   model.Source
	scopes   []model.ScopeSpec
	counters []model.CounterSpec
	// store is set when the local DuckDB store backs the source.
	store *duckdb.Store
	close func() error
}

// Close releases the source connection.
func (o *openedSource) Close() error {
	if o.close == nil {
		return nil
	}
	return o.close()
}

// sourcePlugin connects one kind of data source.
type sourcePlugin interface {
	Name() string
	Open(ctx context.Context) (*openedSource, error)
}

func buildSourcePlugins(cfg appConfig, logger *zap.Logger) []sourcePlugin {
	return []sourcePlugin{
		mongoSourcePlugin{cfg: cfg},
		backendSourcePlugin{cfg: cfg},
		duckdbSourcePlugin{cfg: cfg, logger: logger},
	}
}

// selectSourcePlugin returns the plugin named by the source setting.
func selectSourcePlugin(cfg appConfig, logger *zap.Logger) (sourcePlugin, error) {
	for _, p := range buildSourcePlugins(cfg, logger) {
		if p.Name() == cfg.Source {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown source %q", cfg.Source)
}

// openSource connects the configured source and applies configured scopes
// and counters over the source defaults.
func openSource(ctx context.Context, cfg appConfig, logger *zap.Logger) (*openedSource, error) {
	plugin, err := selectSourcePlugin(cfg, logger)
	if err != nil {
		return nil, err
	}
	src, err := plugin.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", plugin.Name(), err)
	}
	src.scopes, src.counters = defaultLayout(cfg)
	if len(cfg.Scopes) > 0 {
		src.scopes = cfg.Scopes
	}
	if len(cfg.Counters) > 0 {
		src.counters = cfg.Counters
	}
	return src, nil
}

// defaultLayout returns the scopes and counters polled when none are
// configured. The REST backend publishes fixed averaging windows; the
// document stores are polled per pipeline step.
func defaultLayout(cfg appConfig) ([]model.ScopeSpec, []model.CounterSpec) {
	if cfg.Source == sourceBackend {
		return backend.DefaultScopes(), backend.DefaultCounters()
	}
	collection := cfg.StatusCollection
	if cfg.Source == sourceDuckDB {
		collection = model.DefaultStatusCollection
	}
	return model.DefaultScopes(), model.DefaultCounters(collection)
}

type mongoSourcePlugin struct {
	cfg appConfig
}

func (p mongoSourcePlugin) Name() string { return sourceMongo }

func (p mongoSourcePlugin) Open(ctx context.Context) (*openedSource, error) {
	store, err := mongostore.Open(ctx, mongostore.Config{
		URI:              p.cfg.MongoURI,
		Database:         p.cfg.MongoDatabase,
		StatusCollection: p.cfg.StatusCollection,
		QueryTimeout:     p.cfg.QueryTimeout,
		FetchLimit:       p.cfg.FetchLimit,
	})
	if err != nil {
		return nil, err
	}
	return &openedSource{
		source: store,
		close:  func() error { return store.Close(context.Background()) },
	}, nil
}

type backendSourcePlugin struct {
	cfg appConfig
}

func (p backendSourcePlugin) Name() string { return sourceBackend }

func (p backendSourcePlugin) Open(_ context.Context) (*openedSource, error) {
	client, err := backend.New(backend.Config{
		URL:     p.cfg.BackendURL,
		Timeout: p.cfg.QueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &openedSource{source: client}, nil
}

type duckdbSourcePlugin struct {
	cfg    appConfig
	logger *zap.Logger
}

func (p duckdbSourcePlugin) Name() string { return sourceDuckDB }

func (p duckdbSourcePlugin) Open(_ context.Context) (*openedSource, error) {
	store, err := duckdb.NewStore(p.cfg.DBPath,
		duckdb.WithQueryTimeout(p.cfg.QueryTimeout),
		duckdb.WithLogger(p.logger),
	)
	if err != nil {
		return nil, err
	}
	return &openedSource{
		source: store,
		store:  store,
		close:  store.Close,
	}, nil
}
