package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"
)

func resetStepwatchEnv(t *testing.T) {
	t.Helper()

	original := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || (!strings.HasPrefix(key, "STEPWATCH_") && key != "TARGET") {
			continue
		}
		original[key] = value
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}

	t.Cleanup(func() {
		for key, value := range original {
			if err := os.Setenv(key, value); err != nil {
				t.Fatalf("cleanup restore %s: %v", key, err)
			}
		}
	})
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetStepwatchEnv(t)

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Source != sourceMongo {
		t.Errorf("Source = %q, want %q", cfg.Source, sourceMongo)
	}
	if cfg.UpdateInterval != 5*time.Second {
		t.Errorf("UpdateInterval = %s, want 5s", cfg.UpdateInterval)
	}
	if cfg.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want 1000", cfg.BatchSize)
	}
	if cfg.RecentLimit != 100 {
		t.Errorf("RecentLimit = %d, want 100", cfg.RecentLimit)
	}
	if cfg.MongoDatabase != model.DefaultDatabase || cfg.StatusCollection != model.DefaultStatusCollection {
		t.Errorf("mongo target = %s.%s", cfg.MongoDatabase, cfg.StatusCollection)
	}
	if len(cfg.BatchedSteps) != 1 || cfg.BatchedSteps[0] != model.StepChunkifyFile {
		t.Errorf("BatchedSteps = %v, want [%s]", cfg.BatchedSteps, model.StepChunkifyFile)
	}
	if cfg.APIAddr != "127.0.0.1:3000" {
		t.Errorf("APIAddr = %q, want 127.0.0.1:3000", cfg.APIAddr)
	}
	if cfg.ConfigPath != "" {
		t.Errorf("ConfigPath = %q, want empty for a missing file", cfg.ConfigPath)
	}
}

func TestLoadConfig_File(t *testing.T) {
	resetStepwatchEnv(t)

	path := writeTempConfig(t, `
source: duckdb
update-interval: 2s
batch-size: 50
max-raw-points: 500
db-path: ~/data/sw.duckdb
host: 0.0.0.0
api-port: 3100
scopes:
  - name: chunking
    steps: [chunkify-file]
  - name: everything
counters:
  - name: files
    kind: count
    collection: files
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Source != sourceDuckDB {
		t.Errorf("Source = %q", cfg.Source)
	}
	if cfg.UpdateInterval != 2*time.Second || cfg.BatchSize != 50 || cfg.MaxRawPoints != 500 {
		t.Errorf("aggregation settings = %s/%d/%d", cfg.UpdateInterval, cfg.BatchSize, cfg.MaxRawPoints)
	}
	if !strings.HasSuffix(cfg.DBPath, filepath.Join("data", "sw.duckdb")) || strings.HasPrefix(cfg.DBPath, "~") {
		t.Errorf("DBPath = %q, want home-expanded path", cfg.DBPath)
	}
	if cfg.APIAddr != "0.0.0.0:3100" {
		t.Errorf("APIAddr = %q", cfg.APIAddr)
	}
	if len(cfg.Scopes) != 2 || cfg.Scopes[0].Name != "chunking" || len(cfg.Scopes[0].Steps) != 1 || len(cfg.Scopes[1].Steps) != 0 {
		t.Errorf("Scopes = %+v", cfg.Scopes)
	}
	if len(cfg.Counters) != 1 || cfg.Counters[0].Kind != model.CounterDocuments {
		t.Errorf("Counters = %+v", cfg.Counters)
	}
	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, path)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	resetStepwatchEnv(t)

	t.Setenv("STEPWATCH_SOURCE", "backend")
	t.Setenv("TARGET", "backend.local:8080")
	t.Setenv("STEPWATCH_RECENT_LIMIT", "25")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Source != sourceBackend {
		t.Errorf("Source = %q", cfg.Source)
	}
	if cfg.BackendURL != "backend.local:8080" {
		t.Errorf("BackendURL = %q, want TARGET value", cfg.BackendURL)
	}
	if cfg.RecentLimit != 25 {
		t.Errorf("RecentLimit = %d", cfg.RecentLimit)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	resetStepwatchEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		errSubstring string
	}{
		{"unknown source", "source: postgres\n", "invalid source"},
		{"bad port", "api-port: 70000\n", "invalid api-port"},
		{"zero interval", "update-interval: 0s\n", "invalid update-interval"},
		{"raw bound below batch", "batch-size: 100\nmax-raw-points: 10\n", "max-raw-points"},
		{"duplicate scope", "scopes:\n  - name: a\n  - name: a\n", "duplicate scope"},
		{"sum without field", "counters:\n  - name: t\n    kind: sum\n    collection: x\n", "needs a field"},
		{"bad log level", "log-level: loud\n", "invalid log-level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeTempConfig(t, tt.configYAML))
			if err == nil {
				// log-level is checked when the logger is built.
				_, err = newLogger(cfg, false)
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errSubstring) {
				t.Fatalf("error = %q, want substring %q", err.Error(), tt.errSubstring)
			}
		})
	}
}

func TestEffectiveConfig_FillsLayout(t *testing.T) {
	cfg := effectiveConfig(appConfig{Source: sourceBackend})
	if len(cfg.Scopes) != 3 {
		t.Fatalf("backend scopes = %d, want 3", len(cfg.Scopes))
	}

	custom := []model.ScopeSpec{{Name: "mine"}}
	cfg = effectiveConfig(appConfig{Source: sourceMongo, Scopes: custom})
	if len(cfg.Scopes) != 1 || cfg.Scopes[0].Name != "mine" {
		t.Fatalf("configured scopes replaced: %+v", cfg.Scopes)
	}
	if len(cfg.Counters) != 4 {
		t.Fatalf("mongo counters = %d, want 4", len(cfg.Counters))
	}
}
