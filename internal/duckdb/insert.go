package duckdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"

	"go.uber.org/zap"
)

// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
const DefaultFlushQueueSize = 64

// ErrBufferStopped is returned by Add after Stop.
var ErrBufferStopped = errors.New("insert buffer stopped")

// StatusWriter persists a batch of status updates.
type StatusWriter interface {
	InsertStatusBatch(updates []model.StatusUpdate) error
}

// Spool durably records updates before they are buffered and learns when
// they reached DuckDB.
type Spool interface {
	Append(updates ...model.StatusUpdate) (first, last uint64, err error)
	Commit(seq uint64) error
}

// batch is a cut of pending updates. seq is the last spool sequence in it,
// zero without a spool.
type batch struct {
	updates []model.StatusUpdate
	seq     uint64
}

// InsertBuffer batches status updates and flushes them to DuckDB
// asynchronously. Add never blocks on DuckDB writes.
type InsertBuffer struct {
	writer        StatusWriter
	logger        *zap.Logger
	spool         Spool
	commits       commitTracker
	mu            sync.Mutex
	pending       []model.StatusUpdate
	pendingSeq    uint64
	flushChan     chan batch
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	stopped       atomic.Bool
	stopOnce      sync.Once
	// sendMu keeps flushChan open while an Add is still enqueueing.
	sendMu        sync.RWMutex
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup

	added             atomic.Int64
	flushed           atomic.Int64
	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	Logger         *zap.Logger
	// Spool, when set, receives every update before it is accepted.
	Spool Spool
}

// NewInsertBuffer starts the flush goroutines for writer.
func NewInsertBuffer(writer StatusWriter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := 2000
	flushInterval := 100 * time.Millisecond
	flushQueueSize := DefaultFlushQueueSize
	logger := zap.NewNop()
	var spool Spool
	if len(conf) > 0 {
		c := conf[0]
		if c.BatchSize > 0 {
			batchSize = c.BatchSize
		}
		if c.FlushInterval > 0 {
			flushInterval = c.FlushInterval
		}
		if c.FlushQueueSize > 0 {
			flushQueueSize = c.FlushQueueSize
		}
		if c.Logger != nil {
			logger = c.Logger
		}
		spool = c.Spool
	}

	b := &InsertBuffer{
		writer:        writer,
		logger:        logger,
		spool:         spool,
		commits:       commitTracker{done: make(map[uint64]bool)},
		pending:       make([]model.StatusUpdate, 0, batchSize),
		flushChan:     make(chan batch, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logBackpressure warns at most once per 10 seconds when batches are
// flushed inline because the flush queue is full.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		b.logger.Warn("duckdb backpressure: flush queue full, flushing inline", zap.Int64("inline_flushes", count))
	}
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	cut := b.cutLocked()
	b.mu.Unlock()

	b.enqueue(cut)
}

// cutLocked takes the pending updates as one batch. b.mu must be held so
// batches are registered in spool order.
func (b *InsertBuffer) cutLocked() batch {
	cut := batch{updates: b.pending, seq: b.pendingSeq}
	b.pending = make([]model.StatusUpdate, 0, b.maxBatch)
	if b.spool != nil {
		b.commits.start(cut.seq)
	}
	return cut
}

func (b *InsertBuffer) enqueue(cut batch) {
	select {
	case b.flushChan <- cut:
	default:
		b.logBackpressure()
		b.flush(cut)
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for cut := range b.flushChan {
		b.flush(cut)
	}
}

func (b *InsertBuffer) flush(cut batch) {
	if len(cut.updates) == 0 {
		return
	}
	err := b.writer.InsertStatusBatch(cut.updates)
	if err != nil {
		b.logger.Error("duckdb flush failed", zap.Int("records", len(cut.updates)), zap.Error(err))
	} else {
		b.flushed.Add(int64(len(cut.updates)))
	}
	if b.spool == nil {
		return
	}
	if seq := b.commits.finish(cut.seq, err == nil); seq > 0 {
		if cerr := b.spool.Commit(seq); cerr != nil {
			b.logger.Warn("ingest journal commit failed", zap.Uint64("seq", seq), zap.Error(cerr))
		}
	}
}

// Add queues updates for insertion. Updates without a timestamp are stamped
// with the current time. With a spool the updates are accepted only once
// they are durable.
func (b *InsertBuffer) Add(updates ...model.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	now := time.Now().UTC()

	stamped := make([]model.StatusUpdate, len(updates))
	for i, u := range updates {
		if u.Timestamp.IsZero() {
			u.Timestamp = now
		}
		stamped[i] = u
	}

	b.mu.Lock()
	if b.stopped.Load() {
		b.mu.Unlock()
		return ErrBufferStopped
	}
	if b.spool != nil {
		_, last, err := b.spool.Append(stamped...)
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("ingest journal: %w", err)
		}
		b.pendingSeq = last
	}
	b.pending = append(b.pending, stamped...)
	var cut *batch
	if len(b.pending) >= b.maxBatch {
		c := b.cutLocked()
		cut = &c
	}
	b.mu.Unlock()
	b.added.Add(int64(len(updates)))

	if cut != nil {
		b.enqueue(*cut)
	}
	return nil
}

// commitTracker releases spool sequences in order. A batch is committed only
// after every earlier batch was written. After a failed write nothing more
// is committed, so the failed updates are replayed on the next start.
type commitTracker struct {
	mu     sync.Mutex
	order  []uint64
	done   map[uint64]bool
	failed bool
}

func (t *commitTracker) start(seq uint64) {
	t.mu.Lock()
	t.order = append(t.order, seq)
	t.mu.Unlock()
}

// finish records a written batch and returns the sequence that can now be
// committed, or zero.
func (t *commitTracker) finish(seq uint64, ok bool) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !ok {
		t.failed = true
	}
	if t.failed {
		return 0
	}
	t.done[seq] = true
	var commit uint64
	for len(t.order) > 0 && t.done[t.order[0]] {
		commit = t.order[0]
		delete(t.done, commit)
		t.order = t.order[1:]
	}
	return commit
}

// Stats reports how many updates were accepted and written so far.
func (b *InsertBuffer) Stats() (added, flushed int64) {
	return b.added.Load(), b.flushed.Load()
}

// Stop flushes remaining updates and waits for all writes to complete.
// Calling Stop more than once is safe.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped.Store(true)
		b.mu.Unlock()
		close(b.done)
		// The tick loop's final drain must reach flushChan before it closes.
		b.tickWg.Wait()
		b.sendMu.Lock()
		close(b.flushChan)
		b.sendMu.Unlock()
		b.wg.Wait()
	})
}

// InsertStatusBatch appends updates in a single transaction. If the batch
// fails it is retried record by record and unrecoverable records are dropped.
func (s *Store) InsertStatusBatch(updates []model.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertStatusTx(ctx, updates); err == nil {
		return nil
	}

	var failed int
	for _, u := range updates {
		if err := s.insertStatusTx(ctx, []model.StatusUpdate{u}); err != nil {
			failed++
			s.logger.Warn("duckdb dropping status update",
				zap.String("step", u.Step),
				zap.String("file", u.FileName),
				zap.Error(err),
			)
		}
	}
	if failed == len(updates) {
		return fmt.Errorf("insert status batch: all %d records failed", failed)
	}
	if failed > 0 {
		s.logger.Warn("duckdb batch partially failed", zap.Int("dropped", failed), zap.Int("total", len(updates)))
	}
	return nil
}

func (s *Store) insertStatusTx(ctx context.Context, updates []model.StatusUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO status_updates
		(timestamp, step, duration, file_name, time_per_chunk, chunks_count)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range updates {
		if u.Step == "" {
			return fmt.Errorf("record insert: %w: empty step", model.ErrMalformedRecord)
		}
		ts := u.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			ts.UTC(), u.Step, u.Duration,
			nullString(u.FileName), u.TimePerChunk, u.ChunksCount,
		); err != nil {
			return fmt.Errorf("record insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// RecordFiles registers processed files.
func (s *Store) RecordFiles(ctx context.Context, names ...string) error {
	return s.execEach(ctx, `INSERT INTO files (file_name) VALUES (?)`, len(names), func(i int) []any {
		return []any{names[i]}
	})
}

// Clone is a pair of files found to share code.
type Clone struct {
	FileA string `json:"fileA" binding:"required"`
	FileB string `json:"fileB" binding:"required"`
}

// RecordClones registers detected clone pairs.
func (s *Store) RecordClones(ctx context.Context, clones ...Clone) error {
	return s.execEach(ctx, `INSERT INTO clones (file_a, file_b) VALUES (?, ?)`, len(clones), func(i int) []any {
		return []any{clones[i].FileA, clones[i].FileB}
	})
}

func (s *Store) execEach(ctx context.Context, query string, n int, args func(int) []any) error {
	if n == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := tx.ExecContext(ctx, query, args(i)...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
