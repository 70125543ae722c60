package syncer

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// WorkerResult summarizes a background drain. A stopped run reports whatever
// it got through before the stop.
type WorkerResult struct {
	Processed int
	Failed    int
	Stopped   bool
}

// Worker drains a queue of items sequentially with a configurable delay
// between items. Individual failures are logged and counted, never fatal.
// Stop is cooperative: the in-flight handler finishes, then the run ends.
type Worker[T any] struct {
	delay   time.Duration
	clock   Clock
	logger  *log.Logger
	stopped atomic.Bool
}

// NewWorker creates a background worker. A nil clock uses the system clock.
func NewWorker[T any](delay time.Duration, clock Clock, logger *log.Logger) *Worker[T] {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Worker[T]{delay: delay, clock: clock, logger: logger}
}

// Stop requests a cooperative stop. The current item completes first.
func (w *Worker[T]) Stop() {
	w.stopped.Store(true)
}

// Run processes every item in order, pausing delay between items.
func (w *Worker[T]) Run(ctx context.Context, items []T, handle func(ctx context.Context, item T) error) WorkerResult {
	var result WorkerResult
	for i, item := range items {
		if w.stopped.Load() || ctx.Err() != nil {
			result.Stopped = true
			return result
		}

		if err := handle(ctx, item); err != nil {
			w.logger.Printf("WARNING: background item %d failed: %v", i, err)
			result.Failed++
		}
		result.Processed++

		if w.delay > 0 && i < len(items)-1 {
			select {
			case <-ctx.Done():
				result.Stopped = true
				return result
			case <-w.clock.After(w.delay):
			}
		}
	}
	return result
}
