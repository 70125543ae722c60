package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linkmesh/linkmesh/internal/pubsub"
)

// BatchItemError records one item that exhausted its retries.
type BatchItemError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *BatchItemError) Error() string {
	return fmt.Sprintf("item %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *BatchItemError) Unwrap() error { return e.Err }

// BatchProgress is emitted once per completed batch.
type BatchProgress struct {
	Batch        int
	TotalBatches int
	Successful   int
	Failed       int
}

// BatchResult reports per-item outcomes plus totals. Successful+Failed always
// equals the number of items submitted.
type BatchResult struct {
	Successful int
	Failed     int
	Errors     []*BatchItemError
}

// BatchConfig configures a Batcher.
type BatchConfig struct {
	// BatchSize is the number of items per batch. Default 20.
	BatchSize int

	// Concurrency caps in-flight items within a batch. Default 4.
	Concurrency int

	// RetryAttempts is how many times a failed item is retried (so an item
	// is tried RetryAttempts+1 times in total). Zero means the default of 2;
	// set -1 (or any negative value) to disable retries entirely.
	RetryAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	// Default 100ms.
	BackoffBase time.Duration

	// Clock overrides timing for tests.
	Clock Clock
}

// Batcher partitions work into fixed-size batches, runs items under a
// concurrency cap, and retries failures with exponential backoff before
// recording them. One progress event is emitted per completed batch.
type Batcher[T any] struct {
	cfg      BatchConfig
	progress *pubsub.Bus[BatchProgress]
}

// NewBatcher creates a batcher.
func NewBatcher[T any](cfg BatchConfig) *Batcher[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	} else if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 2
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	return &Batcher[T]{cfg: cfg, progress: pubsub.New[BatchProgress]()}
}

// Progress exposes per-batch completion events.
func (b *Batcher[T]) Progress() (<-chan BatchProgress, func()) {
	return b.progress.Subscribe()
}

// Close releases the progress bus.
func (b *Batcher[T]) Close() {
	b.progress.Close()
}

// Run processes all items and returns the aggregate result. A cancelled
// context stops between batches; the partial result is returned.
func (b *Batcher[T]) Run(ctx context.Context, items []T, handle func(ctx context.Context, item T) error) BatchResult {
	var result BatchResult
	totalBatches := (len(items) + b.cfg.BatchSize - 1) / b.cfg.BatchSize

	for batch := 0; batch*b.cfg.BatchSize < len(items); batch++ {
		if ctx.Err() != nil {
			return result
		}

		start := batch * b.cfg.BatchSize
		end := start + b.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}

		errs := b.runBatch(ctx, items[start:end], start, handle)
		result.Failed += len(errs)
		result.Successful += (end - start) - len(errs)
		result.Errors = append(result.Errors, errs...)

		b.progress.Publish(BatchProgress{
			Batch:        batch + 1,
			TotalBatches: totalBatches,
			Successful:   result.Successful,
			Failed:       result.Failed,
		})
	}
	return result
}

// runBatch executes one batch under the concurrency cap.
func (b *Batcher[T]) runBatch(ctx context.Context, batch []T, offset int, handle func(ctx context.Context, item T) error) []*BatchItemError {
	var (
		mu   sync.Mutex
		errs []*BatchItemError
		wg   sync.WaitGroup
	)
	sem := make(chan struct{}, b.cfg.Concurrency)

	for i, item := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(index int, item T) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := b.runItem(ctx, item, handle); err != nil {
				mu.Lock()
				errs = append(errs, &BatchItemError{
					Index:    offset + index,
					Attempts: b.cfg.RetryAttempts + 1,
					Err:      err,
				})
				mu.Unlock()
			}
		}(i, item)
	}
	wg.Wait()
	return errs
}

// runItem tries one item with exponential backoff between attempts.
func (b *Batcher[T]) runItem(ctx context.Context, item T, handle func(ctx context.Context, item T) error) error {
	backoff := b.cfg.BackoffBase
	var lastErr error

	for attempt := 0; attempt <= b.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-b.cfg.Clock.After(backoff):
			}
			backoff *= 2
		}

		if lastErr = handle(ctx, item); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
