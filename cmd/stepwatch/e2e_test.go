package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/stepwatch/internal/duckdb"
	"github.com/tinytelemetry/stepwatch/internal/httpserver"
	"github.com/tinytelemetry/stepwatch/internal/journal"
	"github.com/tinytelemetry/stepwatch/internal/metrics"
	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/refresh"
)

type e2eStack struct {
	src    *openedSource
	pipe   *pipeline
	insert *duckdb.InsertBuffer
	api    *httpserver.Server
	cfg    appConfig
}

// startE2EStack wires the duckdb source the way serve does, on a random port.
func startE2EStack(t *testing.T) *e2eStack {
	t.Helper()
	dir := t.TempDir()
	cfg := appConfig{
		Source:              sourceDuckDB,
		DBPath:              filepath.Join(dir, "stepwatch-e2e.duckdb"),
		UpdateInterval:      time.Second,
		BatchSize:           1000,
		BatchedSteps:        []string{model.StepChunkifyFile},
		RecentLimit:         100,
		QueryTimeout:        5 * time.Second,
		InsertBatchSize:     512,
		InsertFlushInterval: 10 * time.Millisecond,
	}

	src, err := openSource(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("openSource: %v", err)
	}
	j, err := journal.Open(filepath.Join(dir, "ingest.journal"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	insert := duckdb.NewInsertBuffer(src.store, duckdb.InsertBufferConfig{
		BatchSize:     cfg.InsertBatchSize,
		FlushInterval: cfg.InsertFlushInterval,
		Spool:         j,
	})

	recorder := metrics.NewRecorder(nil)
	p := newPipeline(src, cfg, zap.NewNop(), recorder)
	api := httpserver.NewServer(httpserver.Config{
		Addr:    "127.0.0.1:0",
		Frames:  p.dashboard,
		Store:   src.store,
		Ingest:  insert,
		Metrics: recorder,
		Refresh: p.loop.TriggerNow,
	})
	if err := api.Start(); err != nil {
		t.Fatalf("api.Start: %v", err)
	}

	t.Cleanup(func() {
		_ = api.Stop()
		insert.Stop()
		_ = j.Close()
		_ = src.Close()
	})
	return &e2eStack{src: src, pipe: p, insert: insert, api: api, cfg: cfg}
}

func (s *e2eStack) url(path string) string {
	return "http://" + s.api.Addr() + path
}

func waitEventually(t *testing.T, timeout, interval time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatalf("timed out after %s: %s", timeout, msg)
}

func getBody(t *testing.T, url string) []byte {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d: %s", url, resp.StatusCode, body)
	}
	return body
}

func TestE2E_PushTickAndServeFrame(t *testing.T) {
	stack := startE2EStack(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updates := []model.StatusUpdate{
		{Timestamp: base.Add(1 * time.Second), Step: model.StepChunkifyFile, Duration: 1000, FileName: "src/A.java", ChunksCount: 4},
		{Timestamp: base.Add(2 * time.Second), Step: model.StepChunkifyFile, Duration: 2000, FileName: "src/B.java"},
		{Timestamp: base.Add(3 * time.Second), Step: model.StepChunkifyFile, Duration: 3000, FileName: "src/C.java"},
		{Timestamp: base.Add(4 * time.Second), Step: model.StepExpandSingleCandidate, Duration: 500},
	}
	body, _ := json.Marshal(updates)
	resp, err := http.Post(stack.url("/api/status-updates"), "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST status-updates: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", resp.StatusCode)
	}

	waitEventually(t, 5*time.Second, 10*time.Millisecond, func() bool {
		_, flushed := stack.insert.Stats()
		return flushed == int64(len(updates))
	}, "pushed updates were not flushed")

	stack.pipe.dashboard.Tick(context.Background())

	var frame refresh.Frame
	if err := json.Unmarshal(getBody(t, stack.url("/api/frame")), &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Seq != 1 || frame.Source != "duckdb" || !frame.Healthy {
		t.Fatalf("frame header = seq %d source %q healthy %v", frame.Seq, frame.Source, frame.Healthy)
	}
	chunk := frame.Series[model.StepChunkifyFile].Steps[model.StepChunkifyFile]
	if len(chunk) != 1 || chunk[0].Value != 2000 || chunk[0].Count != 3 {
		t.Errorf("chunkify series = %+v, want one provisional mean 2000 over 3", chunk)
	}
	expand := frame.Series[model.StepExpandSingleCandidate].Steps[model.StepExpandSingleCandidate]
	if len(expand) != 1 || expand[0].Value != 500 {
		t.Errorf("expand series = %+v, want one raw point 500", expand)
	}
	if v, _ := frame.Counts.Value("total_files_chunkified"); v != 3 {
		t.Errorf("total_files_chunkified = %v, want 3", v)
	}
	if len(frame.Recent) != 4 || frame.Recent[1].FileName != "C.java" {
		t.Errorf("recent rows = %+v", frame.Recent)
	}

	metricsBody := string(getBody(t, stack.url("/metrics")))
	for _, want := range []string{"stepwatch_ingested_status_updates_total 4", "stepwatch_polls_total"} {
		if !strings.Contains(metricsBody, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

// A second stepwatch reading the first one's backend endpoints sees the same
// averages and counts.
func TestE2E_BackendSourceReadsServedContract(t *testing.T) {
	stack := startE2EStack(t)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := stack.insert.Add(
		model.StatusUpdate{Timestamp: ts, Step: model.StepChunkifyFile, Duration: 1000},
		model.StatusUpdate{Timestamp: ts.Add(time.Second), Step: model.StepChunkifyFile, Duration: 3000},
		model.StatusUpdate{Timestamp: ts.Add(2 * time.Second), Step: model.StepExpandSingleCandidate, Duration: 500},
	); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitEventually(t, 5*time.Second, 10*time.Millisecond, func() bool {
		_, flushed := stack.insert.Stats()
		return flushed == 3
	}, "updates were not flushed")

	cfg := stack.cfg
	cfg.Source = sourceBackend
	cfg.BackendURL = stack.api.Addr()
	src, err := openSource(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("openSource backend: %v", err)
	}
	defer src.Close()

	frame := newPipeline(src, cfg, zap.NewNop(), nil).dashboard.Tick(context.Background())
	if !frame.Healthy {
		t.Fatalf("backend frame unhealthy: %+v", frame.Notices)
	}
	total := frame.Series["overall"].Steps["total"]
	if len(total) != 1 {
		t.Fatalf("overall/total points = %d, want 1", len(total))
	}
	if math.Abs(total[0].Value-1500) > 1e-6 {
		t.Errorf("overall mean = %v ns, want 1500", total[0].Value)
	}
	if v, _ := frame.Counts.Value("total_files_chunkified"); v != 2 {
		t.Errorf("total_files_chunkified = %v, want 2", v)
	}
	if len(frame.Recent) != 3 {
		t.Errorf("recent rows = %d, want 3", len(frame.Recent))
	}
}
