package enrichment

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-thingbridge/pkg/cache"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/rs/zerolog"
)

// ErrThingNotFound is returned for things missing from the store.
var ErrThingNotFound = errors.New("thing not found")

// StoreRetriever reads thing documents keyed by thing id from a store such
// as Firestore. Authorization is enforced by whoever writes the store; the
// context is only logged.
type StoreRetriever struct {
	store  cache.Fetcher[string, Fields]
	logger zerolog.Logger
}

// NewStoreRetriever creates a retriever over any thing store.
func NewStoreRetriever(store cache.Fetcher[string, Fields], logger zerolog.Logger) *StoreRetriever {
	return &StoreRetriever{
		store:  store,
		logger: logger.With().Str("component", "StoreRetriever").Logger(),
	}
}

// NewFirestoreRetriever reads things from a Firestore collection.
func NewFirestoreRetriever(cfg *cache.FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*StoreRetriever, error) {
	source, err := cache.NewFirestoreSource[string, Fields](cfg, client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create thing source: %w", err)
	}
	return NewStoreRetriever(source, logger), nil
}

// RetrieveThing loads the thing document.
func (r *StoreRetriever) RetrieveThing(ctx context.Context, thingID signal.ThingID, auth signal.AuthorizationContext) (Fields, error) {
	thing, err := r.store.Fetch(ctx, string(thingID))
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, fmt.Errorf("%w: %s", ErrThingNotFound, thingID)
		}
		return nil, err
	}
	r.logger.Debug().Str("thing_id", string(thingID)).Str("auth", auth.Key()).Msg("Retrieved thing.")
	return thing, nil
}

// Close closes the underlying store.
func (r *StoreRetriever) Close() error {
	return r.store.Close()
}
