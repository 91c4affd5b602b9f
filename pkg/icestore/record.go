package icestore

import (
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
)

// Record is one archived mapped message, written as a JSON line to a GCS object.
type Record struct {
	ID            string            `json:"id"`
	BatchKey      string            `json:"batchKey"`
	ConnectionID  string            `json:"connectionId"`
	ThingID       string            `json:"thingId"`
	SignalKind    string            `json:"signalKind"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Address       string            `json:"address"`
	Headers       map[string]string `json:"headers,omitempty"`
	// Text holds text payloads; Payload holds everything else base64 encoded.
	Text       string    `json:"text,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// GetBatchKey returns the key used for grouping records in GCS.
func (r *Record) GetBatchKey() string {
	return r.BatchKey
}

// BatchKey groups records by connection and day, e.g. "conn-1/2025/06/15".
func BatchKey(connectionID string, t time.Time) string {
	return path.Join(connectionID, fmt.Sprintf("%d/%02d/%02d", t.Year(), t.Month(), t.Day()))
}

// RecordsFromBatch creates one record per mapped message of the batch.
func RecordsFromBatch(connectionID string, batch outbound.Batch, now time.Time) []*Record {
	src := batch.Outbound.Source
	key := BatchKey(connectionID, now)
	records := make([]*Record, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		rec := &Record{
			ID:            uuid.NewString(),
			BatchKey:      key,
			ConnectionID:  connectionID,
			ThingID:       string(src.ThingID),
			SignalKind:    src.Kind.String(),
			CorrelationID: src.Headers.CorrelationID(),
			Address:       m.Address,
			Headers:       m.Message.Headers(),
			ArchivedAt:    now,
		}
		if text, ok := m.Message.Text(); ok {
			rec.Text = text
		} else {
			rec.Payload = m.Message.Payload()
		}
		records = append(records, rec)
	}
	return records
}
