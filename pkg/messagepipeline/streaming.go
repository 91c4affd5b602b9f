package messagepipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// StreamingService orchestrates a pipeline that consumes messages, transforms them
// individually, and immediately sends them to a streaming processor function.
type StreamingService[T any] struct {
	numWorkers     int
	processTimeout time.Duration
	consumer       MessageConsumer
	transformer    MessageTransformer[T]
	processor      StreamProcessor[T]
	logger         zerolog.Logger
	wg             sync.WaitGroup

	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// StreamingServiceConfig holds configuration for a StreamingService.
type StreamingServiceConfig struct {
	NumWorkers int `yaml:"num_workers"`
	// ProcessTimeout bounds the transformer and processor of one message.
	// Zero means no bound beyond the service context.
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

// StreamingStats counts message outcomes since the service was created.
type StreamingStats struct {
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

// NewStreamingService creates a new StreamingService.
func NewStreamingService[T any](
	cfg StreamingServiceConfig,
	consumer MessageConsumer,
	transformer MessageTransformer[T],
	processor StreamProcessor[T],
	logger zerolog.Logger,
) (*StreamingService[T], error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if transformer == nil {
		return nil, fmt.Errorf("transformer cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}

	return &StreamingService[T]{
		numWorkers:     cfg.NumWorkers,
		processTimeout: cfg.ProcessTimeout,
		consumer:       consumer,
		transformer:    transformer,
		processor:      processor,
		logger:         logger.With().Str("service", "StreamingService").Logger(),
	}, nil
}

// Start begins the service operation. It starts the consumer and then spawns
// a pool of workers to process messages concurrently.
func (s *StreamingService[T]) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting streaming service...")

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	s.logger.Info().Int("worker_count", s.numWorkers).Msg("Starting processing workers...")
	s.wg.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(ctx, i)
	}
	return nil
}

// Stop shuts down the consumer first and then waits for the workers to
// finish their in-flight messages.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping streaming service...")

	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	workerDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workerDone)
	}()

	select {
	case <-workerDone:
		s.logger.Info().Msg("All processing workers completed gracefully.")
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for processing workers to finish.")
		return ctx.Err()
	}

	s.logger.Info().Msg("Streaming service stopped.")
	return nil
}

// Stats returns the message counters of the service.
func (s *StreamingService[T]) Stats() StreamingStats {
	return StreamingStats{
		Processed: s.processed.Load(),
		Skipped:   s.skipped.Load(),
		Failed:    s.failed.Load(),
	}
}

func (s *StreamingService[T]) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Processing worker started.")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int("worker_id", workerID).Msg("Processing worker shutting down due to context cancellation.")
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				s.logger.Info().Int("worker_id", workerID).Msg("Consumer channel closed, worker exiting.")
				return
			}
			s.processConsumedMessage(ctx, msg)
		}
	}
}

func (s *StreamingService[T]) processConsumedMessage(ctx context.Context, msg Message) {
	if s.processTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.processTimeout)
		defer cancel()
	}

	payload, skip, err := s.transformer(ctx, &msg)
	if err != nil {
		s.failed.Add(1)
		s.logger.Error().Err(err).Str("msg_id", msg.ID).Str("address", msg.Address).Msg("Failed to transform message, Nacking.")
		msg.nack()
		return
	}

	if skip {
		s.skipped.Add(1)
		s.logger.Debug().Str("msg_id", msg.ID).Msg("Transformer signaled to skip message, Acking.")
		msg.ack()
		return
	}

	if err := s.processor(ctx, msg, payload); err != nil {
		s.failed.Add(1)
		s.logger.Error().Err(err).Str("msg_id", msg.ID).Str("address", msg.Address).Msg("Processor failed to handle message, Nacking.")
		msg.nack()
		return
	}

	s.processed.Add(1)
	msg.ack()
}
