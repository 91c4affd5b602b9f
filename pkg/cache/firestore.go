package cache

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection"`
}

// FirestoreSource reads documents of one collection. It is a source of
// truth that caches fall back to; document ids are the formatted keys.
type FirestoreSource[K comparable, V any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreSource creates a new FirestoreSource.
func NewFirestoreSource[K comparable, V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreSource[K, V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSource initialized.")

	return &FirestoreSource[K, V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreSource").Logger(),
	}, nil
}

// Fetch retrieves a single document. A missing document is reported as
// ErrCacheMiss wrapped with the key.
func (s *FirestoreSource[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var value V
	stringKey := fmt.Sprintf("%v", key)
	docSnap, err := s.client.Collection(s.collectionName).Doc(stringKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Str("key", stringKey).Msg("Document not found in Firestore.")
			return value, fmt.Errorf("document %s: %w", stringKey, ErrCacheMiss)
		}
		return value, fmt.Errorf("firestore get for %s: %w", stringKey, err)
	}
	if err := docSnap.DataTo(&value); err != nil {
		return value, fmt.Errorf("firestore DataTo for %s: %w", stringKey, err)
	}
	return value, nil
}

// Put writes a document. It is used to seed things in low volume deployments.
func (s *FirestoreSource[K, V]) Put(ctx context.Context, key K, value V) error {
	stringKey := fmt.Sprintf("%v", key)
	if _, err := s.client.Collection(s.collectionName).Doc(stringKey).Set(ctx, value); err != nil {
		return fmt.Errorf("firestore set for %s: %w", stringKey, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreSource[K, V]) Close() error {
	return nil
}
