package bqstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// DataBatchInserter inserts a batch of rows into a data store.
type DataBatchInserter[T any] interface {
	InsertBatch(ctx context.Context, items []*T) error
	Close() error
}

// BigQueryDatasetConfig holds configuration for a BigQuery dataset and table.
type BigQueryDatasetConfig struct {
	ProjectID       string `yaml:"project_id"`
	DatasetID       string `yaml:"dataset_id"`
	TableID         string `yaml:"table_id"`
	CredentialsFile string `yaml:"credentials_file"` // Optional: Path to a service account JSON file.
}

// ApplyEnv overrides the dataset settings with GCP_PROJECT_ID, BQ_DATASET_ID,
// BQ_TABLE_ID and GCP_BQ_CREDENTIALS_FILE when they are set.
func (c *BigQueryDatasetConfig) ApplyEnv() {
	for env, field := range map[string]*string{
		"GCP_PROJECT_ID":          &c.ProjectID,
		"BQ_DATASET_ID":           &c.DatasetID,
		"BQ_TABLE_ID":             &c.TableID,
		"GCP_BQ_CREDENTIALS_FILE": &c.CredentialsFile,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// Validate reports missing dataset settings.
func (c *BigQueryDatasetConfig) Validate() error {
	if c.ProjectID == "" {
		return errors.New("bigquery project id is required")
	}
	if c.DatasetID == "" {
		return errors.New("bigquery dataset id is required")
	}
	if c.TableID == "" {
		return errors.New("bigquery table id is required")
	}
	return nil
}

// NewProductionBigQueryClient creates a BigQuery client suitable for production environments.
// It will use Application Default Credentials unless a specific credentials file is provided.
func NewProductionBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to create BigQuery client.")
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("BigQuery client created successfully.")
	return client, nil
}

// BigQueryInserter implements DataBatchInserter for Google BigQuery.
type BigQueryInserter[T any] struct {
	table    *bigquery.Table
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryInserter creates an inserter for the configured table. If the
// table does not exist it is created with a schema inferred from T.
func NewBigQueryInserter[T any](
	ctx context.Context,
	client *bigquery.Client,
	cfg *BigQueryDatasetConfig,
	logger zerolog.Logger,
) (*BigQueryInserter[T], error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryDatasetConfig cannot be nil")
	}

	logger = logger.With().
		Str("component", "BigQueryInserter").
		Str("project_id", client.Project()).
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	switch {
	case err == nil:
		logger.Info().Msg("Successfully connected to existing BigQuery table.")
	case strings.Contains(err.Error(), "notFound"):
		logger.Warn().Msg("BigQuery table not found. Attempting to create with inferred schema.")
		var zero T
		inferredSchema, inferErr := bigquery.InferSchema(zero)
		if inferErr != nil {
			return nil, fmt.Errorf("failed to infer schema for type %T: %w", zero, inferErr)
		}
		tableMetadata := &bigquery.TableMetadata{
			Schema:           inferredSchema,
			TimePartitioning: &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType},
		}
		if createErr := tableRef.Create(ctx, tableMetadata); createErr != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
		}
		logger.Info().Int("field_count", len(inferredSchema)).Msg("BigQuery table created successfully.")
	default:
		return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
	}

	return &BigQueryInserter[T]{
		table:    tableRef,
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// InsertBatch streams a batch of rows to the table. Row level failures are
// logged one by one and returned wrapped.
func (i *BigQueryInserter[T]) InsertBatch(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}

	err := i.inserter.Put(ctx, items)
	if err != nil {
		i.logger.Error().Err(err).Int("batch_size", len(items)).Msg("Failed to insert rows into BigQuery.")
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}

	i.logger.Debug().Int("batch_size", len(items)).Msg("Successfully inserted batch into BigQuery.")
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (i *BigQueryInserter[T]) Close() error {
	return nil
}
