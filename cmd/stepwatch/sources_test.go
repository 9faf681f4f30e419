package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/stepwatch/internal/model"
)

func TestBuildSourcePlugins_RegistersPrimitives(t *testing.T) {
	t.Parallel()

	plugins := buildSourcePlugins(appConfig{}, zap.NewNop())
	want := []string{sourceMongo, sourceBackend, sourceDuckDB}
	if len(plugins) != len(want) {
		t.Fatalf("expected %d plugins, got %d", len(want), len(plugins))
	}
	for i, name := range want {
		if plugins[i].Name() != name {
			t.Fatalf("plugins[%d] name = %q, want %q", i, plugins[i].Name(), name)
		}
	}
}

func TestSelectSourcePlugin_Unknown(t *testing.T) {
	t.Parallel()

	if _, err := selectSourcePlugin(appConfig{Source: "sqlite"}, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestOpenSource_Backend(t *testing.T) {
	t.Parallel()

	src, err := openSource(context.Background(), appConfig{
		Source:     sourceBackend,
		BackendURL: "localhost:3000",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("openSource: %v", err)
	}
	defer src.Close()

	if src.source.Name() != "backend" {
		t.Errorf("source name = %q", src.source.Name())
	}
	if len(src.scopes) != 3 || len(src.counters) != 3 {
		t.Errorf("layout = %d scopes, %d counters", len(src.scopes), len(src.counters))
	}
	if src.store != nil {
		t.Error("backend source must not expose a local store")
	}
}

func TestRecentSteps(t *testing.T) {
	t.Parallel()

	got := recentSteps([]model.ScopeSpec{
		{Name: "a", Steps: []string{"x", "y"}},
		{Name: "b", Steps: []string{"y", "z"}},
	})
	if strings.Join(got, ",") != "x,y,z" {
		t.Errorf("recentSteps = %v, want [x y z]", got)
	}
	if got := recentSteps([]model.ScopeSpec{{Name: "a", Steps: []string{"x"}}, {Name: "all"}}); got != nil {
		t.Errorf("unfiltered scope should disable the filter, got %v", got)
	}
}

func TestPipeline_DuckDBTick(t *testing.T) {
	ctx := context.Background()
	cfg := appConfig{
		Source:         sourceDuckDB,
		DBPath:         filepath.Join(t.TempDir(), "stepwatch.duckdb"),
		UpdateInterval: time.Second,
		BatchSize:      1000,
		BatchedSteps:   []string{model.StepChunkifyFile},
		RecentLimit:    10,
		QueryTimeout:   5 * time.Second,
	}
	src, err := openSource(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("openSource: %v", err)
	}
	defer src.Close()
	if src.store == nil {
		t.Fatal("duckdb source must expose its store")
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := src.store.InsertStatusBatch([]model.StatusUpdate{
		{Timestamp: base.Add(time.Second), Step: model.StepChunkifyFile, Duration: 500, FileName: "a.java"},
		{Timestamp: base.Add(2 * time.Second), Step: model.StepChunkifyFile, Duration: 1500, FileName: "b.java"},
	}); err != nil {
		t.Fatalf("InsertStatusBatch: %v", err)
	}

	p := newPipeline(src, cfg, zap.NewNop(), nil)
	frame := p.dashboard.Tick(ctx)

	if !frame.Healthy {
		t.Fatalf("frame unhealthy: %+v", frame.Notices)
	}
	points := frame.Series[model.StepChunkifyFile].Steps[model.StepChunkifyFile]
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1 provisional batch", len(points))
	}
	if points[0].Value != 1000 || points[0].Count != 2 || !points[0].Provisional {
		t.Errorf("point = %+v, want provisional mean 1000 over 2", points[0])
	}
	if v, _ := frame.Counts.Value("total_files_chunkified"); v != 2 {
		t.Errorf("total_files_chunkified = %v, want 2", v)
	}
	if v, _ := frame.Counts.Value("chunkify_time_total"); v != 2000 {
		t.Errorf("chunkify_time_total = %v, want 2000", v)
	}
	if len(frame.Recent) != 2 || frame.Recent[0].FileName != "b.java" {
		t.Errorf("recent = %+v, want newest first", frame.Recent)
	}

	// A second tick with nothing new keeps the series unchanged.
	again := p.dashboard.Tick(ctx)
	if n := len(again.Series[model.StepChunkifyFile].Steps[model.StepChunkifyFile]); n != 1 {
		t.Errorf("points after idle tick = %d, want 1", n)
	}
}

func TestPrintStartupBanner(t *testing.T) {
	t.Parallel()

	src, err := openSource(context.Background(), appConfig{Source: sourceBackend, BackendURL: "http://b:1"}, zap.NewNop())
	if err != nil {
		t.Fatalf("openSource: %v", err)
	}
	var buf bytes.Buffer
	printStartupBanner(&buf, appConfig{Source: sourceBackend, BackendURL: "http://b:1", APIEnabled: true, APIAddr: "127.0.0.1:3000"}, src)
	out := buf.String()
	for _, want := range []string{"http://b:1", "127.0.0.1:3000/metrics", "last-100"} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q", want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionShort = true
	t.Cleanup(func() { versionShort = false })

	versionCmd.Run(versionCmd, nil)
	if strings.TrimSpace(buf.String()) != version {
		t.Errorf("version output = %q, want %q", buf.String(), version)
	}
}
