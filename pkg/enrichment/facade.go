// Package enrichment retrieves extra thing fields that outbound targets add
// to the messages they publish.
package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/illmade-knight/go-thingbridge/pkg/cache"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/rs/zerolog"
)

// Fields is a JSON object of thing fields.
type Fields map[string]any

// Revision returns the revision field if present.
func (f Fields) Revision() (int64, bool) {
	switch v := f[RevisionField].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// Request asks for the selected fields of one thing on behalf of an
// authorization context.
type Request struct {
	ThingID       signal.ThingID
	Selector      FieldSelector
	Authorization signal.AuthorizationContext
	// RevisionHint is the revision of the signal that triggered the request;
	// cached snapshots older than it are not served. Zero disables the check.
	RevisionHint int64
}

// Facade retrieves extra fields. Implementations must be safe for concurrent use.
type Facade interface {
	RetrieveExtraFields(ctx context.Context, req Request) (Fields, error)
}

// ThingRetriever loads a whole thing from its source of truth.
type ThingRetriever interface {
	RetrieveThing(ctx context.Context, thingID signal.ThingID, auth signal.AuthorizationContext) (Fields, error)
}

// FailedError reports a facade failure. It is logged by callers; it only
// drops the targets that needed the fields.
type FailedError struct {
	ThingID signal.ThingID
	Err     error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("failed to retrieve extra fields of '%s': %v", e.ThingID, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

func (e *FailedError) ErrorCode() string { return "bridge:enrichment.failed" }

func (e *FailedError) HTTPStatus() int { return http.StatusFailedDependency }

func (e *FailedError) Description() string {
	return "The extra fields of the thing could not be retrieved."
}

// RoundTripFacade asks the retriever for every request.
type RoundTripFacade struct {
	retriever ThingRetriever
}

// NewRoundTripFacade creates a facade without caching.
func NewRoundTripFacade(retriever ThingRetriever) *RoundTripFacade {
	return &RoundTripFacade{retriever: retriever}
}

// RetrieveExtraFields loads the thing and projects the selector onto it.
func (f *RoundTripFacade) RetrieveExtraFields(ctx context.Context, req Request) (Fields, error) {
	thing, err := f.retriever.RetrieveThing(ctx, req.ThingID, req.Authorization)
	if err != nil {
		return nil, &FailedError{ThingID: req.ThingID, Err: err}
	}
	return req.Selector.Project(thing), nil
}

// CachingFacade serves projected fields from a cache and falls back to its
// delegate when an entry is missing or older than the revision hint.
type CachingFacade struct {
	delegate Facade
	cache    cache.Cache[string, Fields]
	logger   zerolog.Logger
}

// NewCachingFacade creates a caching facade. The facade owns the cache.
func NewCachingFacade(delegate Facade, c cache.Cache[string, Fields], logger zerolog.Logger) *CachingFacade {
	return &CachingFacade{
		delegate: delegate,
		cache:    c,
		logger:   logger.With().Str("component", "CachingFacade").Logger(),
	}
}

// CacheKey identifies the projection of one thing seen by one authorization context.
func CacheKey(thingID signal.ThingID, selector FieldSelector, auth signal.AuthorizationContext) string {
	return strings.Join([]string{string(thingID), selector.Key(), auth.Key()}, "|")
}

// RetrieveExtraFields always includes the revision field so cached entries
// can be validated.
func (f *CachingFacade) RetrieveExtraFields(ctx context.Context, req Request) (Fields, error) {
	req.Selector = req.Selector.WithRevision()
	key := CacheKey(req.ThingID, req.Selector, req.Authorization)

	if cached, err := f.cache.Fetch(ctx, key); err == nil {
		rev, ok := cached.Revision()
		if req.RevisionHint == 0 || (ok && rev >= req.RevisionHint) {
			return cached, nil
		}
		f.logger.Debug().Str("thing_id", string(req.ThingID)).Int64("cached_revision", rev).
			Int64("revision_hint", req.RevisionHint).Msg("Cached fields are outdated.")
		if err := f.cache.Invalidate(ctx, key); err != nil {
			f.logger.Warn().Err(err).Str("key", key).Msg("Failed to invalidate cached fields.")
		}
	}

	fields, err := f.delegate.RetrieveExtraFields(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := f.cache.WriteToCache(ctx, key, fields); err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache fields.")
	}
	return fields, nil
}

// Close closes the owned cache.
func (f *CachingFacade) Close() error {
	return f.cache.Close()
}
