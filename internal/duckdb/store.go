// Package duckdb is the embedded local store. It accepts pushed status
// updates, serves them back through the dashboard source interfaces and
// computes the summaries of the REST backend contract.
package duckdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/duckdb/migrate"
	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/timestamp"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"
)

const sourceName = "duckdb"

// Store manages the DuckDB connection and provides query methods.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	logger       *zap.Logger
	parser       *timestamp.Parser
	QueryTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithQueryTimeout bounds every query. Defaults to 30s.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.QueryTimeout = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore opens or creates a DuckDB database and applies pending
// migrations. If dbPath is empty, an in-memory database is used.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:           db,
		dbPath:       dbPath,
		logger:       zap.NewNop(),
		parser:       timestamp.NewParser(),
		QueryTimeout: model.DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	applied, err := migrate.NewRunner(db).Run()
	if err != nil {
		db.Close()
		return nil, err
	}
	if applied > 0 {
		s.logger.Info("duckdb migrations applied", zap.Int("count", applied), zap.String("path", dbPath))
	}
	return s, nil
}

// Name identifies the source in notices and logs.
func (s *Store) Name() string { return sourceName }

// Path returns the database file, or "" for an in-memory store.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// queryCtx derives a context bounded by the store's query timeout.
func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.QueryTimeout)
}
