package icestore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/rs/zerolog"
)

// ArchiveConfig configures the archive of one connection.
type ArchiveConfig struct {
	ConnectionID string                 `yaml:"connection_id"`
	Uploader     GCSBatchUploaderConfig `yaml:"uploader"`
	Batcher      BatcherConfig          `yaml:"batcher"`
}

// ArchiveStats counts archived records.
type ArchiveStats struct {
	Uploaded int64
	Failed   int64
}

// Archive is an outbound.Publisher that archives every mapped message. Publish
// only queues the records; uploads happen in the background.
type Archive struct {
	connectionID string
	batcher      *Batcher
	logger       zerolog.Logger
	now          func() time.Time

	uploaded atomic.Int64
	failed   atomic.Int64
}

// NewArchive assembles the GCS uploader and batcher of an archive.
func NewArchive(cfg ArchiveConfig, gcsClient GCSClient, logger zerolog.Logger) (*Archive, error) {
	return newArchive(cfg, gcsClient, nil, logger)
}

func newArchive(cfg ArchiveConfig, gcsClient GCSClient, uploader DataUploader, logger zerolog.Logger) (*Archive, error) {
	if cfg.ConnectionID == "" {
		return nil, errors.New("archive connection id is required")
	}
	if uploader == nil {
		gcsUploader, err := NewGCSBatchUploader(gcsClient, cfg.Uploader, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS uploader: %w", err)
		}
		uploader = gcsUploader
	}
	batcherCfg := cfg.Batcher
	a := &Archive{
		connectionID: cfg.ConnectionID,
		batcher:      NewBatcher(&batcherCfg, uploader, logger),
		logger:       logger.With().Str("component", "IceStoreArchive").Str("connection_id", cfg.ConnectionID).Logger(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	a.batcher.onFlush = func(size int, err error) {
		if err != nil {
			a.failed.Add(int64(size))
			return
		}
		a.uploaded.Add(int64(size))
	}
	return a, nil
}

// Start starts the background batcher.
func (a *Archive) Start(ctx context.Context) {
	a.batcher.Start(ctx)
}

// Publish queues one record per mapped message of the batch.
func (a *Archive) Publish(ctx context.Context, batch outbound.Batch) error {
	if len(batch.Messages) == 0 {
		return nil
	}
	records := RecordsFromBatch(a.connectionID, batch, a.now())
	if err := a.batcher.Add(ctx, records...); err != nil {
		return fmt.Errorf("failed to queue %d archive records: %w", len(records), err)
	}
	return nil
}

// Stop flushes pending records and waits for their uploads.
func (a *Archive) Stop(ctx context.Context) error {
	return a.batcher.Stop(ctx)
}

// Stats returns the number of records uploaded and dropped so far.
func (a *Archive) Stats() ArchiveStats {
	return ArchiveStats{Uploaded: a.uploaded.Load(), Failed: a.failed.Load()}
}
