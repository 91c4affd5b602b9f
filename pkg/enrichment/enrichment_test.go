package enrichment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/illmade-knight/go-thingbridge/pkg/cache"
	"github.com/illmade-knight/go-thingbridge/pkg/enrichment"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRetriever serves things from a map and counts calls.
type mockRetriever struct {
	mu     sync.Mutex
	things map[signal.ThingID]enrichment.Fields
	calls  atomic.Int32
	err    error
}

func (m *mockRetriever) set(id signal.ThingID, thing enrichment.Fields) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.things[id] = thing
}

func (m *mockRetriever) RetrieveThing(_ context.Context, id signal.ThingID, _ signal.AuthorizationContext) (enrichment.Fields, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	thing, ok := m.things[id]
	if !ok {
		return nil, enrichment.ErrThingNotFound
	}
	return thing, nil
}

func testThing(revision int64) enrichment.Fields {
	return enrichment.Fields{
		"thingId":   "org.eclipse:thing",
		"_revision": revision,
		"attributes": map[string]any{
			"location": "kitchen",
			"model":    "x1",
		},
		"features": map[string]any{
			"temp": map[string]any{"properties": map[string]any{"value": 21.5}},
		},
	}
}

func TestFieldSelector_Project(t *testing.T) {
	// Arrange
	selector := enrichment.NewFieldSelector("attributes/location", "/features/temp/properties/value", "attributes/missing", "attributes/location")

	// Act
	got := selector.Project(testThing(4))

	// Assert
	assert.Equal(t, []string{"attributes/location", "features/temp/properties/value", "attributes/missing"}, selector.Pointers())
	assert.Equal(t, enrichment.Fields{
		"attributes": map[string]any{"location": "kitchen"},
		"features":   map[string]any{"temp": map[string]any{"properties": map[string]any{"value": 21.5}}},
	}, got)
}

func TestFieldSelector_WithRevisionAndKey(t *testing.T) {
	a := enrichment.NewFieldSelector("b", "a")
	b := enrichment.NewFieldSelector("a", "b")

	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Contains(enrichment.RevisionField))
	withRev := a.WithRevision()
	assert.True(t, withRev.Contains(enrichment.RevisionField))
	assert.Equal(t, withRev, withRev.WithRevision())
	assert.False(t, a.Contains(enrichment.RevisionField), "WithRevision must not mutate the receiver")

	rev, ok := withRev.Project(testThing(7)).Revision()
	assert.True(t, ok)
	assert.Equal(t, int64(7), rev)
}

func TestRoundTripFacade(t *testing.T) {
	ctx := context.Background()
	retriever := &mockRetriever{things: map[signal.ThingID]enrichment.Fields{"org.eclipse:thing": testThing(1)}}
	facade := enrichment.NewRoundTripFacade(retriever)

	t.Run("projects the selector", func(t *testing.T) {
		got, err := facade.RetrieveExtraFields(ctx, enrichment.Request{
			ThingID:  "org.eclipse:thing",
			Selector: enrichment.NewFieldSelector("attributes/model"),
		})

		require.NoError(t, err)
		assert.Equal(t, enrichment.Fields{"attributes": map[string]any{"model": "x1"}}, got)
	})

	t.Run("wraps retrieval errors", func(t *testing.T) {
		_, err := facade.RetrieveExtraFields(ctx, enrichment.Request{ThingID: "org.eclipse:missing"})

		var failed *enrichment.FailedError
		require.ErrorAs(t, err, &failed)
		assert.ErrorIs(t, err, enrichment.ErrThingNotFound)
		assert.Equal(t, "bridge:enrichment.failed", signal.ErrorFrom(err).Code)
	})
}

func TestCachingFacade(t *testing.T) {
	ctx := context.Background()
	const thingID signal.ThingID = "org.eclipse:thing"
	selector := enrichment.NewFieldSelector("attributes/location")
	auth := signal.NewAuthorizationContext("integration:bridge")

	newFacade := func() (*enrichment.CachingFacade, *mockRetriever) {
		retriever := &mockRetriever{things: map[signal.ThingID]enrichment.Fields{thingID: testThing(5)}}
		facade := enrichment.NewCachingFacade(
			enrichment.NewRoundTripFacade(retriever),
			cache.NewInMemoryCache[string, enrichment.Fields](nil),
			zerolog.Nop(),
		)
		return facade, retriever
	}

	t.Run("serves cached fields and forces the revision", func(t *testing.T) {
		// Arrange
		facade, retriever := newFacade()
		req := enrichment.Request{ThingID: thingID, Selector: selector, Authorization: auth, RevisionHint: 5}

		// Act
		first, err := facade.RetrieveExtraFields(ctx, req)
		require.NoError(t, err)
		second, err := facade.RetrieveExtraFields(ctx, req)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, int32(1), retriever.calls.Load())
		assert.Equal(t, first, second)
		rev, ok := second.Revision()
		require.True(t, ok)
		assert.Equal(t, int64(5), rev)
	})

	t.Run("refreshes outdated entries", func(t *testing.T) {
		// Arrange
		facade, retriever := newFacade()
		_, err := facade.RetrieveExtraFields(ctx, enrichment.Request{ThingID: thingID, Selector: selector, Authorization: auth})
		require.NoError(t, err)
		updated := testThing(6)
		updated["attributes"] = map[string]any{"location": "garage"}
		retriever.set(thingID, updated)

		// Act
		got, err := facade.RetrieveExtraFields(ctx, enrichment.Request{ThingID: thingID, Selector: selector, Authorization: auth, RevisionHint: 6})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int32(2), retriever.calls.Load())
		assert.Equal(t, map[string]any{"location": "garage"}, got["attributes"])
	})

	t.Run("separates authorization contexts", func(t *testing.T) {
		facade, retriever := newFacade()

		_, err := facade.RetrieveExtraFields(ctx, enrichment.Request{ThingID: thingID, Selector: selector, Authorization: auth})
		require.NoError(t, err)
		_, err = facade.RetrieveExtraFields(ctx, enrichment.Request{ThingID: thingID, Selector: selector, Authorization: signal.NewAuthorizationContext("other:subject")})
		require.NoError(t, err)

		assert.Equal(t, int32(2), retriever.calls.Load())
	})

	t.Run("does not cache failures", func(t *testing.T) {
		facade, retriever := newFacade()
		retriever.err = errors.New("unavailable")

		_, err := facade.RetrieveExtraFields(ctx, enrichment.Request{ThingID: thingID, Selector: selector})
		require.Error(t, err)
		_, err = facade.RetrieveExtraFields(ctx, enrichment.Request{ThingID: thingID, Selector: selector})
		require.Error(t, err)

		assert.Equal(t, int32(2), retriever.calls.Load())
	})
}

func TestStoreRetriever(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := cache.NewInMemoryCache[string, enrichment.Fields](nil)
	require.NoError(t, store.WriteToCache(ctx, "org.eclipse:thing", testThing(2)))
	retriever := enrichment.NewStoreRetriever(store, zerolog.Nop())

	// Act
	thing, err := retriever.RetrieveThing(ctx, "org.eclipse:thing", signal.AuthorizationContext{})
	_, missingErr := retriever.RetrieveThing(ctx, "org.eclipse:missing", signal.AuthorizationContext{})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, testThing(2), thing)
	assert.ErrorIs(t, missingErr, enrichment.ErrThingNotFound)
}
