package bqstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrInserterStopped is returned by Add after Stop was called.
var ErrInserterStopped = errors.New("batch inserter is stopped")

// BatchInserterConfig holds configuration for the BatchInserter.
type BatchInserterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"` // How often to flush a partial batch.
	InsertTimeout time.Duration `yaml:"insert_timeout"` // The timeout for a single flush operation.
}

// InserterStats counts rows handed to the inserter.
type InserterStats struct {
	Inserted int64
	Failed   int64
}

// BatchInserter collects rows of type T and inserts them in batches.
type BatchInserter[T any] struct {
	config    *BatchInserterConfig
	inserter  DataBatchInserter[T]
	logger    zerolog.Logger
	inputChan chan *T
	wg        sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	inserted atomic.Int64
	failed   atomic.Int64
}

// NewBatcher creates a new generic BatchInserter.
func NewBatcher[T any](
	config *BatchInserterConfig,
	inserter DataBatchInserter[T],
	logger zerolog.Logger,
) *BatchInserter[T] {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}
	if config.InsertTimeout <= 0 {
		config.InsertTimeout = 30 * time.Second
	}
	return &BatchInserter[T]{
		config:    config,
		inserter:  inserter,
		logger:    logger.With().Str("component", "BatchInserter").Logger(),
		inputChan: make(chan *T, config.BatchSize*2),
	}
}

// Start begins the batching worker. The worker flushes and exits when ctx is
// cancelled or Stop is called.
func (b *BatchInserter[T]) Start(ctx context.Context) {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_interval", b.config.FlushInterval).
		Msg("Starting BatchInserter worker...")
	b.wg.Add(1)
	go b.worker(ctx)
}

// Add queues rows for insertion. It blocks while the queue is full.
func (b *BatchInserter[T]) Add(ctx context.Context, rows ...*T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrInserterStopped
	}
	for _, row := range rows {
		select {
		case b.inputChan <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop gracefully shuts down the BatchInserter, flushing queued rows.
func (b *BatchInserter[T]) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	close(b.inputChan)
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping BatchInserter...")
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info().Msg("BatchInserter worker stopped gracefully.")
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for BatchInserter worker to stop.")
		return ctx.Err()
	}

	if err := b.inserter.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Error closing underlying data inserter")
	}
	b.logger.Info().Msg("BatchInserter stopped.")
	return nil
}

// Stats returns the number of rows inserted and dropped so far.
func (b *BatchInserter[T]) Stats() InserterStats {
	return InserterStats{Inserted: b.inserted.Load(), Failed: b.failed.Load()}
}

func (b *BatchInserter[T]) worker(ctx context.Context) {
	defer b.wg.Done()
	batch := make([]*T, 0, b.config.BatchSize)
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	flushCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			b.flush(flushCtx, batch)
			return

		case row, ok := <-b.inputChan:
			if !ok {
				b.flush(flushCtx, batch)
				return
			}
			batch = append(batch, row)
			if len(batch) >= b.config.BatchSize {
				b.flush(flushCtx, batch)
				batch = make([]*T, 0, b.config.BatchSize)
				ticker.Reset(b.config.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(flushCtx, batch)
				batch = make([]*T, 0, b.config.BatchSize)
			}
		}
	}
}

func (b *BatchInserter[T]) flush(ctx context.Context, batch []*T) {
	if len(batch) == 0 {
		return
	}

	insertCtx, cancel := context.WithTimeout(ctx, b.config.InsertTimeout)
	defer cancel()

	if err := b.inserter.InsertBatch(insertCtx, batch); err != nil {
		b.failed.Add(int64(len(batch)))
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to insert batch, rows dropped.")
		return
	}
	b.inserted.Add(int64(len(batch)))
	b.logger.Info().Int("batch_size", len(batch)).Msg("Successfully flushed batch.")
}
