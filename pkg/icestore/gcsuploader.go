package icestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GCSBatchUploaderConfig holds configuration specific to the GCS uploader.
type GCSBatchUploaderConfig struct {
	BucketName   string `yaml:"bucket_name"`
	ObjectPrefix string `yaml:"object_prefix"`
}

// GCSBatchUploader implements DataUploader. Each connection/day group of a
// batch becomes one gzip compressed JSON lines object named
// <prefix>/<connection>/<yyyy>/<mm>/<dd>/<uuid>.jsonl.gz.
type GCSBatchUploader struct {
	client GCSClient
	config GCSBatchUploaderConfig
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// dayGroup holds the records archived for one connection on one day.
type dayGroup struct {
	key          string
	connectionID string
	day          string
	records      []*Record
}

// NewGCSBatchUploader creates a new uploader configured for Google Cloud Storage.
func NewGCSBatchUploader(
	gcsClient GCSClient,
	config GCSBatchUploaderConfig,
	logger zerolog.Logger,
) (*GCSBatchUploader, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSBatchUploader{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSBatchUploader").Logger(),
	}, nil
}

// groupByConnectionDay splits records by batch key, keeping the order in which
// keys first appear. Records without a key are not archived.
func groupByConnectionDay(items []*Record) []*dayGroup {
	var groups []*dayGroup
	byKey := make(map[string]*dayGroup)
	for _, rec := range items {
		if rec == nil || rec.GetBatchKey() == "" {
			continue
		}
		g, ok := byKey[rec.BatchKey]
		if !ok {
			g = newDayGroup(rec)
			byKey[rec.BatchKey] = g
			groups = append(groups, g)
		}
		g.records = append(g.records, rec)
	}
	return groups
}

func newDayGroup(rec *Record) *dayGroup {
	g := &dayGroup{key: rec.BatchKey, connectionID: rec.ConnectionID}
	conn, day, found := strings.Cut(rec.BatchKey, "/")
	if found {
		g.day = day
		if g.connectionID == "" {
			g.connectionID = conn
		}
	}
	return g
}

// objectName places a new object below the connection/day folder of the group.
func (u *GCSBatchUploader) objectName(g *dayGroup) string {
	return path.Join(u.config.ObjectPrefix, g.key, uuid.NewString()+".jsonl.gz")
}

// UploadBatch uploads one object per connection/day group, in parallel.
func (u *GCSBatchUploader) UploadBatch(ctx context.Context, items []*Record) error {
	groups := groupByConnectionDay(items)
	if len(groups) == 0 {
		return nil
	}

	var uploadWg sync.WaitGroup
	errs := make([]error, len(groups))
	for i, g := range groups {
		uploadWg.Add(1)
		u.wg.Add(1) // Close waits for these too.
		go func() {
			defer uploadWg.Done()
			defer u.wg.Done()
			errs[i] = u.uploadDay(ctx, g)
		}()
	}
	uploadWg.Wait()
	return errors.Join(errs...)
}

// uploadDay streams the records of one group through gzip into a GCS object.
func (u *GCSBatchUploader) uploadDay(ctx context.Context, g *dayGroup) error {
	objectName := u.objectName(g)
	logger := u.logger.With().
		Str("connection_id", g.connectionID).
		Str("day", g.day).
		Str("object_name", objectName).
		Logger()
	logger.Debug().Int("record_count", len(g.records)).Msg("Archiving records.")

	w := u.client.Bucket(u.config.BucketName).Object(objectName).NewWriter(ctx)
	pr, pw := io.Pipe()
	go func() {
		_ = pw.CloseWithError(writeJSONLines(pw, g.records))
	}()

	n, copyErr := io.Copy(w, pr)
	closeErr := w.Close()
	if copyErr != nil {
		return fmt.Errorf("failed to archive %d records of connection '%s' to %s: %w", len(g.records), g.connectionID, objectName, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to finalize archive object %s: %w", objectName, closeErr)
	}

	logger.Info().
		Int("record_count", len(g.records)).
		Int64("bytes_written", n).
		Msg("Archived records to GCS.")
	return nil
}

// writeJSONLines gzips one JSON document per record into w.
func writeJSONLines(w io.Writer, records []*Record) error {
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			_ = gz.Close()
			return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
	}
	return gz.Close()
}

// Close waits for pending uploads. The Batcher bounds the wait with its stop context.
func (u *GCSBatchUploader) Close() error {
	u.logger.Info().Msg("Waiting for pending archive uploads.")
	u.wg.Wait()
	return nil
}
