package icestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBatcherStopped is returned by Add after Stop was called.
var ErrBatcherStopped = errors.New("icestore batcher is stopped")

// DataUploader uploads a batch of records that share a batch key.
type DataUploader interface {
	UploadBatch(ctx context.Context, items []*Record) error
	Close() error
}

// BatcherConfig holds configuration for the Batcher.
type BatcherConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// Batcher groups records by batch key and hands each group to the uploader
// once it reaches BatchSize, or when FlushInterval expires.
type Batcher struct {
	config    *BatcherConfig
	uploader  DataUploader
	logger    zerolog.Logger
	inputChan chan *Record

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	onFlush func(size int, err error)
}

// NewBatcher creates a new Batcher for records.
func NewBatcher(
	config *BatcherConfig,
	uploader DataUploader,
	logger zerolog.Logger,
) *Batcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 1 * time.Minute
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 30 * time.Second
	}
	return &Batcher{
		config:    config,
		uploader:  uploader,
		logger:    logger.With().Str("component", "IceStoreBatcher").Logger(),
		inputChan: make(chan *Record, config.BatchSize*2),
		onFlush:   func(int, error) {},
	}
}

// Start begins the batching worker goroutine. The worker flushes and exits
// when ctx is cancelled or Stop is called.
func (b *Batcher) Start(ctx context.Context) {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_interval", b.config.FlushInterval).
		Msg("Starting icestore Batcher worker...")
	b.wg.Add(1)
	go b.worker(ctx)
}

// Add queues records for archiving. It blocks while the queue is full.
func (b *Batcher) Add(ctx context.Context, records ...*Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrBatcherStopped
	}
	for _, r := range records {
		select {
		case b.inputChan <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop gracefully shuts down the Batcher, ensuring any pending records are flushed.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	close(b.inputChan)
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping icestore Batcher...")
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		if err := b.uploader.Close(); err != nil {
			b.logger.Error().Err(err).Msg("Error closing underlying data uploader")
		}
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info().Msg("IceStore Batcher stopped gracefully.")
		return nil
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for icestore Batcher to stop.")
		return ctx.Err()
	}
}

func (b *Batcher) worker(ctx context.Context) {
	defer b.wg.Done()
	batches := make(map[string][]*Record)
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	// Uploads after cancellation still get UploadTimeout to finish.
	flushCtx := context.WithoutCancel(ctx)
	flushAll := func() {
		if len(batches) == 0 {
			return
		}
		b.logger.Info().Int("key_count", len(batches)).Msg("Flushing all pending batches.")
		for key, batchToFlush := range batches {
			b.flush(flushCtx, batchToFlush)
			delete(batches, key)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushAll()
			return
		case rec, ok := <-b.inputChan:
			if !ok {
				flushAll()
				return
			}
			key := rec.GetBatchKey()
			batches[key] = append(batches[key], rec)
			if len(batches[key]) >= b.config.BatchSize {
				b.flush(flushCtx, batches[key])
				delete(batches, key)
				ticker.Reset(b.config.FlushInterval)
			}
		case <-ticker.C:
			flushAll()
		}
	}
}

func (b *Batcher) flush(ctx context.Context, batch []*Record) {
	if len(batch) == 0 {
		return
	}
	uploadCtx, cancel := context.WithTimeout(ctx, b.config.UploadTimeout)
	defer cancel()

	err := b.uploader.UploadBatch(uploadCtx, batch)
	if err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to upload archive batch, records dropped.")
	} else {
		b.logger.Info().Int("batch_size", len(batch)).Str("batch_key", batch[0].GetBatchKey()).Msg("Successfully uploaded archive batch.")
	}
	b.onFlush(len(batch), err)
}
