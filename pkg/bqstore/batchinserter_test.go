package bqstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-thingbridge/pkg/bqstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBatcher is a helper to set up a batcher with a mock for testing.
func newTestBatcher(t *testing.T, batchSize int, flushInterval time.Duration) (*bqstore.BatchInserter[testPayload], *MockDataBatchInserter[testPayload]) {
	t.Helper()

	mockInserter := &MockDataBatchInserter[testPayload]{}
	config := &bqstore.BatchInserterConfig{
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
		InsertTimeout: 2 * time.Second,
	}

	batcher := bqstore.NewBatcher[testPayload](config, mockInserter, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	batcher.Start(ctx)

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		assert.NoError(t, batcher.Stop(stopCtx))
	})

	return batcher, mockInserter
}

func TestBatchInserter_BatchSizeTrigger(t *testing.T) {
	batcher, mockInserter := newTestBatcher(t, 3, 10*time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, batcher.Add(context.Background(), &testPayload{ID: i}))
	}

	require.Eventually(t, func() bool {
		return mockInserter.GetCallCount() == 1
	}, time.Second, 10*time.Millisecond, "InsertBatch should be called once")

	receivedBatches := mockInserter.GetReceivedItems()
	require.Len(t, receivedBatches, 1, "Should have received one batch")
	assert.Len(t, receivedBatches[0], 3, "The batch should contain 3 items")
	assert.Equal(t, bqstore.InserterStats{Inserted: 3}, batcher.Stats())
}

func TestBatchInserter_FlushIntervalTrigger(t *testing.T) {
	flushInterval := 100 * time.Millisecond
	batcher, mockInserter := newTestBatcher(t, 10, flushInterval)

	require.NoError(t, batcher.Add(context.Background(), &testPayload{ID: 1}, &testPayload{ID: 2}))

	require.Eventually(t, func() bool {
		return mockInserter.GetCallCount() == 1
	}, flushInterval*5, 10*time.Millisecond, "InsertBatch should be called once due to timeout")

	receivedBatches := mockInserter.GetReceivedItems()
	require.Len(t, receivedBatches, 1)
	assert.Len(t, receivedBatches[0], 2, "The batch should contain 2 items")
}

func TestBatchInserter_StopFlushesFinalBatch(t *testing.T) {
	mockInserter := &MockDataBatchInserter[testPayload]{}
	config := &bqstore.BatchInserterConfig{
		BatchSize:     10,
		FlushInterval: time.Minute,
		InsertTimeout: 2 * time.Second,
	}
	batcher := bqstore.NewBatcher[testPayload](config, mockInserter, zerolog.Nop())
	batcher.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, batcher.Add(context.Background(), &testPayload{ID: i}))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, batcher.Stop(stopCtx))

	assert.Equal(t, 1, mockInserter.GetCallCount(), "InsertBatch should be called on stop")
	require.Len(t, mockInserter.GetReceivedItems()[0], 5)

	assert.ErrorIs(t, batcher.Add(context.Background(), &testPayload{}), bqstore.ErrInserterStopped)
	assert.NoError(t, batcher.Stop(stopCtx))
}

func TestBatchInserter_FailedInsertIsCounted(t *testing.T) {
	batcher, mockInserter := newTestBatcher(t, 2, 10*time.Second)
	mockInserter.InsertBatchFn = func(ctx context.Context, items []*testPayload) error {
		return errors.New("quota exceeded")
	}

	require.NoError(t, batcher.Add(context.Background(), &testPayload{ID: 1}, &testPayload{ID: 2}))

	require.Eventually(t, func() bool {
		return batcher.Stats().Failed == 2
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, batcher.Stats().Inserted)
}
