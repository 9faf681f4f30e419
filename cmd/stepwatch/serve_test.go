package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/stepwatch/internal/duckdb"
	"github.com/tinytelemetry/stepwatch/internal/httpserver"
	"github.com/tinytelemetry/stepwatch/internal/journal"
	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/refresh"
)

func TestReplayUncommittedJournal(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "ingest.journal"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer func() { _ = j.Close() }()

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, _, err := j.Append(model.StatusUpdate{Timestamp: ts, Step: model.StepChunkifyFile, Duration: int64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	store, err := duckdb.NewStore(filepath.Join(dir, "replay.duckdb"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	if err := replayUncommittedJournal(j, store, 2, zap.NewNop()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	counts, err := store.TableRowCounts(context.Background())
	if err != nil {
		t.Fatalf("TableRowCounts: %v", err)
	}
	if counts["status_updates"] != 3 {
		t.Errorf("replayed rows = %d, want 3", counts["status_updates"])
	}
	if j.Committed() != 5 {
		t.Errorf("Committed = %d, want 5", j.Committed())
	}

	// A second replay has nothing left to write.
	if err := replayUncommittedJournal(j, store, 2, zap.NewNop()); err != nil {
		t.Fatalf("second replay: %v", err)
	}
	counts, _ = store.TableRowCounts(context.Background())
	if counts["status_updates"] != 3 {
		t.Errorf("rows after second replay = %d, want 3", counts["status_updates"])
	}
}

type countingTicker struct {
	ticks atomic.Uint64
}

func (c *countingTicker) Tick(context.Context) refresh.Frame {
	return refresh.Frame{Seq: c.ticks.Add(1), Healthy: true}
}

func (c *countingTicker) Last() refresh.Frame {
	return refresh.Frame{Seq: c.ticks.Load(), Healthy: true}
}

func TestRunServices_StopsAPIOnCancel(t *testing.T) {
	ticker := &countingTicker{}
	loop := refresh.NewLoop(ticker, time.Hour, zap.NewNop())
	api := httpserver.NewServer(httpserver.Config{Addr: "127.0.0.1:0", Frames: ticker})
	if err := api.Start(); err != nil {
		t.Fatalf("api.Start: %v", err)
	}
	url := "http://" + api.Addr() + "/api/health"
	client := &http.Client{Timeout: 2 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServices(ctx, loop, api) }()

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServices returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServices did not return after cancel")
	}

	if resp, err := client.Get(url); err == nil {
		resp.Body.Close()
		t.Fatal("api still serving after shutdown")
	}
}

func TestRunServices_JobFailureStopsLoop(t *testing.T) {
	ticker := &countingTicker{}
	loop := refresh.NewLoop(ticker, time.Hour, zap.NewNop())
	boom := errors.New("sweep broke")
	err := runServices(context.Background(), loop, nil, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("runServices = %v, want %v", err, boom)
	}
}

func TestRunServices_WithoutAPI(t *testing.T) {
	ticker := &countingTicker{}
	loop := refresh.NewLoop(ticker, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runServices(ctx, loop, nil); err != nil {
		t.Fatalf("runServices: %v", err)
	}
}
