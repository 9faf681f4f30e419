package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/stepwatch/internal/model"
)

const (
	sourceMongo   = "mongo"
	sourceBackend = "backend"
	sourceDuckDB  = "duckdb"
)

const (
	defaultSource              = sourceMongo
	defaultMongoURI            = "mongodb://localhost:27017"
	defaultBackendURL          = "http://localhost:3000"
	defaultBindHost            = "127.0.0.1"
	defaultAPIPort             = 3000
	defaultMaxConcurrent       = 4
	defaultInsertBatchSize     = 2000
	defaultInsertFlushInterval = 100 * time.Millisecond
	defaultLogRetention        = 30 // days, 0 = disabled
	defaultLogLevel            = "info"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Source           string        `mapstructure:"source" yaml:"source"`
	MongoURI         string        `mapstructure:"mongo-uri" yaml:"mongo-uri"`
	MongoDatabase    string        `mapstructure:"mongo-database" yaml:"mongo-database"`
	StatusCollection string        `mapstructure:"status-collection" yaml:"status-collection"`
	BackendURL       string        `mapstructure:"backend-url" yaml:"backend-url"`
	DBPath           string        `mapstructure:"db-path" yaml:"db-path"`
	UpdateInterval   time.Duration `mapstructure:"update-interval" yaml:"update-interval"`
	BatchSize        int           `mapstructure:"batch-size" yaml:"batch-size"`
	MaxRawPoints     int           `mapstructure:"max-raw-points" yaml:"max-raw-points"`
	FetchLimit       int64         `mapstructure:"fetch-limit" yaml:"fetch-limit"`
	RecentLimit      int           `mapstructure:"recent-limit" yaml:"recent-limit"`
	QueryTimeout     time.Duration `mapstructure:"query-timeout" yaml:"query-timeout"`
	MaxConcurrent    int           `mapstructure:"max-concurrent-queries" yaml:"max-concurrent-queries"`

	Scopes       []model.ScopeSpec   `mapstructure:"scopes" yaml:"scopes,omitempty"`
	Counters     []model.CounterSpec `mapstructure:"counters" yaml:"counters,omitempty"`
	BatchedSteps []string            `mapstructure:"batched-steps" yaml:"batched-steps"`

	Host       string `mapstructure:"host" yaml:"host"`
	APIEnabled bool   `mapstructure:"api-enabled" yaml:"api-enabled"`
	APIPort    int    `mapstructure:"api-port" yaml:"api-port"`
	APIAddr    string `mapstructure:"api-addr" yaml:"api-addr"`

	LogLevel            string        `mapstructure:"log-level" yaml:"log-level"`
	LogFile             string        `mapstructure:"log-file" yaml:"log-file"`
	LogRetention        int           `mapstructure:"log-retention" yaml:"log-retention"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size" yaml:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval" yaml:"insert-flush-interval"`
	JournalEnabled      bool          `mapstructure:"journal-enabled" yaml:"journal-enabled"`
	JournalPath         string        `mapstructure:"journal-path" yaml:"journal-path"`

	ConfigPath string `mapstructure:"-" yaml:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("STEPWATCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	// The clone detector pipeline exports the backend address as TARGET.
	if err := v.BindEnv("backend-url", "STEPWATCH_BACKEND_URL", "TARGET"); err != nil {
		return cfg, err
	}

	v.SetDefault("source", defaultSource)
	v.SetDefault("mongo-uri", defaultMongoURI)
	v.SetDefault("mongo-database", model.DefaultDatabase)
	v.SetDefault("status-collection", model.DefaultStatusCollection)
	v.SetDefault("backend-url", defaultBackendURL)
	v.SetDefault("db-path", filepath.Join(home, ".local", "share", "stepwatch", "stepwatch.duckdb"))
	v.SetDefault("update-interval", model.DefaultUpdateInterval)
	v.SetDefault("batch-size", model.DefaultBatchSize)
	v.SetDefault("max-raw-points", 0)
	v.SetDefault("fetch-limit", 0)
	v.SetDefault("recent-limit", model.DefaultRecentLimit)
	v.SetDefault("query-timeout", model.DefaultQueryTimeout)
	v.SetDefault("max-concurrent-queries", defaultMaxConcurrent)
	v.SetDefault("batched-steps", []string{model.StepChunkifyFile})
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-file", filepath.Join(home, ".local", "state", "stepwatch", "stepwatch.log"))
	v.SetDefault("log-retention", defaultLogRetention)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("journal-enabled", true)
	v.SetDefault("journal-path", filepath.Join(home, ".local", "share", "stepwatch", "ingest.journal"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "stepwatch", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.LogFile = expandHome(home, cfg.LogFile)
	cfg.JournalPath = expandHome(home, cfg.JournalPath)

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}
	return cfg, nil
}

func (c appConfig) validate() error {
	switch c.Source {
	case sourceMongo, sourceBackend, sourceDuckDB:
	default:
		return fmt.Errorf("invalid source %q: want %s, %s or %s", c.Source, sourceMongo, sourceBackend, sourceDuckDB)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", c.APIPort)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("invalid update-interval: %s", c.UpdateInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch-size: %d", c.BatchSize)
	}
	if c.MaxRawPoints < 0 {
		return fmt.Errorf("invalid max-raw-points: %d", c.MaxRawPoints)
	}
	if c.MaxRawPoints > 0 && c.MaxRawPoints < c.BatchSize {
		return fmt.Errorf("max-raw-points (%d) must be at least batch-size (%d)", c.MaxRawPoints, c.BatchSize)
	}
	if c.RecentLimit <= 0 {
		return fmt.Errorf("invalid recent-limit: %d", c.RecentLimit)
	}
	seen := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		if s.Name == "" {
			return errors.New("scope name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate scope %q", s.Name)
		}
		seen[s.Name] = true
	}
	for _, cs := range c.Counters {
		if cs.Name == "" {
			return errors.New("counter name is required")
		}
		if cs.Kind == model.CounterSum && cs.Field == "" {
			return fmt.Errorf("counter %q: sum needs a field", cs.Name)
		}
	}
	return nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
