package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/stepwatch/internal/duckdb"
	"github.com/tinytelemetry/stepwatch/internal/httpserver"
	"github.com/tinytelemetry/stepwatch/internal/journal"
	"github.com/tinytelemetry/stepwatch/internal/metrics"
	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/refresh"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the refresh loop headless with the HTTP API",
	Long: `Run the refresh loop without a terminal UI. Frames, Prometheus metrics and,
with the duckdb source, the backend endpoints and push ingestion are served
over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe starts the headless loop with the HTTP API.
func runServe(cfg appConfig) error {
	logger, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	src, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("close source", zap.Error(err))
		}
	}()

	recorder := metrics.NewRecorder(nil)
	p := newPipeline(src, cfg, logger, recorder)

	var (
		store  httpserver.Store
		ingest httpserver.Ingester
		jobs   []func(context.Context) error
	)
	if src.store != nil {
		// Open local ingest journal for crash-safe replay of pushed updates.
		var spool duckdb.Spool
		if cfg.JournalEnabled {
			j, err := journal.Open(cfg.JournalPath)
			if err != nil {
				return fmt.Errorf("failed to open ingest journal: %w", err)
			}
			defer func() { _ = j.Close() }()
			if err := replayUncommittedJournal(j, src.store, cfg.InsertBatchSize, logger); err != nil {
				return fmt.Errorf("failed to replay ingest journal: %w", err)
			}
			spool = j
		}

		insertBuffer := duckdb.NewInsertBuffer(src.store, duckdb.InsertBufferConfig{
			BatchSize:     cfg.InsertBatchSize,
			FlushInterval: cfg.InsertFlushInterval,
			Logger:        logger,
			Spool:         spool,
		})
		defer insertBuffer.Stop()
		store, ingest = src.store, insertBuffer

		if retention := duckdb.NewRetention(src.store, duckdb.RetentionConfig{
			Days:   cfg.LogRetention,
			Logger: logger,
		}); retention != nil {
			jobs = append(jobs, retention.Run)
		}
	}

	var api *httpserver.Server
	if cfg.APIEnabled {
		api = httpserver.NewServer(httpserver.Config{
			Addr:    cfg.APIAddr,
			Frames:  p.dashboard,
			Store:   store,
			Ingest:  ingest,
			Metrics: recorder,
			Refresh: p.loop.TriggerNow,
			Logger:  logger,
		})
		if err := api.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	printStartupBanner(os.Stdout, cfg, src)
	logger.Info("stepwatch started",
		zap.String("source", src.source.Name()),
		zap.Int("scopes", len(src.scopes)),
		zap.Int("counters", len(src.counters)),
		zap.Duration("interval", cfg.UpdateInterval),
	)

	if err := runServices(ctx, p.loop, api, jobs...); err != nil {
		return err
	}
	logger.Info("stepwatch stopped")
	return nil
}

// runServices runs the refresh loop and the background jobs and, when api is
// set, ties the API server to them. Any of them failing stops the rest.
func runServices(ctx context.Context, loop *refresh.Loop, api *httpserver.Server, jobs ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	for _, job := range jobs {
		g.Go(func() error {
			return job(gctx)
		})
	}
	if api != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return api.Stop()
			case err := <-api.Err():
				_ = api.Stop()
				return fmt.Errorf("api server: %w", err)
			}
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// replayUncommittedJournal writes updates left in the journal by a previous
// run to the store before new pushes are accepted.
func replayUncommittedJournal(j *journal.Journal, store duckdb.StatusWriter, batchSize int, logger *zap.Logger) error {
	if batchSize <= 0 {
		batchSize = defaultInsertBatchSize
	}

	batch := make([]model.StatusUpdate, 0, batchSize)
	var batchMaxSeq uint64
	replayed := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.InsertStatusBatch(batch); err != nil {
			return err
		}
		if err := j.Commit(batchMaxSeq); err != nil {
			return err
		}
		replayed += len(batch)
		batch = batch[:0]
		return nil
	}

	err := j.Replay(func(seq uint64, u model.StatusUpdate) error {
		batch = append(batch, u)
		batchMaxSeq = max(batchMaxSeq, seq)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	if replayed > 0 {
		logger.Info("ingest journal replayed", zap.Int("records", replayed))
	}
	return nil
}
