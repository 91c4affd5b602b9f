// Package bqstore records the delivery outcome of every mapped message in a
// Google BigQuery table.
package bqstore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/rs/zerolog"
)

// Delivery statuses.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// DeliveryRow is one row of the delivery log.
type DeliveryRow struct {
	ConnectionID  string              `bigquery:"connection_id"`
	ThingID       string              `bigquery:"thing_id"`
	SignalKind    string              `bigquery:"signal_kind"`
	CorrelationID bigquery.NullString `bigquery:"correlation_id"`
	Address       string              `bigquery:"address"`
	PayloadSize   int                 `bigquery:"payload_size"`
	Status        string              `bigquery:"status"`
	Error         bigquery.NullString `bigquery:"error"`
	PublishedAt   time.Time           `bigquery:"published_at"`
	DurationMs    int64               `bigquery:"duration_ms"`
}

// DeliveryRows creates one row per mapped message with the outcome of publishing the batch.
func DeliveryRows(connectionID string, batch outbound.Batch, publishErr error, at time.Time, took time.Duration) []*DeliveryRow {
	src := batch.Outbound.Source
	status := StatusDelivered
	var errText bigquery.NullString
	if publishErr != nil {
		status = StatusFailed
		errText = bigquery.NullString{StringVal: publishErr.Error(), Valid: true}
	}
	var correlationID bigquery.NullString
	if cid := src.Headers.CorrelationID(); cid != "" {
		correlationID = bigquery.NullString{StringVal: cid, Valid: true}
	}

	rows := make([]*DeliveryRow, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		rows = append(rows, &DeliveryRow{
			ConnectionID:  connectionID,
			ThingID:       string(src.ThingID),
			SignalKind:    src.Kind.String(),
			CorrelationID: correlationID,
			Address:       m.Address,
			PayloadSize:   len(m.Message.Payload()),
			Status:        status,
			Error:         errText,
			PublishedAt:   at,
			DurationMs:    took.Milliseconds(),
		})
	}
	return rows
}

// DeliveryLog writes delivery rows for the batches of one connection.
type DeliveryLog struct {
	connectionID string
	inserter     *BatchInserter[DeliveryRow]
	logger       zerolog.Logger
	now          func() time.Time
}

// NewDeliveryLog creates a delivery log on a started or unstarted batch inserter.
func NewDeliveryLog(connectionID string, inserter *BatchInserter[DeliveryRow], logger zerolog.Logger) (*DeliveryLog, error) {
	if connectionID == "" {
		return nil, errors.New("delivery log connection id is required")
	}
	if inserter == nil {
		return nil, errors.New("delivery log batch inserter cannot be nil")
	}
	return &DeliveryLog{
		connectionID: connectionID,
		inserter:     inserter,
		logger:       logger.With().Str("component", "DeliveryLog").Str("connection_id", connectionID).Logger(),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Wrap returns a publisher that publishes through next and logs the outcome.
// Failing to queue the rows is logged and never fails the publish.
func (d *DeliveryLog) Wrap(next outbound.Publisher) outbound.Publisher {
	return outbound.PublisherFunc(func(ctx context.Context, batch outbound.Batch) error {
		start := d.now()
		err := next.Publish(ctx, batch)
		if len(batch.Messages) == 0 {
			return err
		}
		rows := DeliveryRows(d.connectionID, batch, err, start, d.now().Sub(start))
		if addErr := d.inserter.Add(ctx, rows...); addErr != nil {
			d.logger.Warn().Err(addErr).Int("rows", len(rows)).Msg("Failed to queue delivery rows.")
		}
		return err
	})
}
