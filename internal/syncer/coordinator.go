package syncer

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/linkmesh/linkmesh/internal/store"
)

// DefaultLargeThreshold is the collection size past which initial sync goes
// through priority classification and pagination instead of one shot.
const DefaultLargeThreshold = 1000

// CoordinatorConfig configures the top-level sync coordinator.
type CoordinatorConfig struct {
	// LargeThreshold triggers the prioritized, paginated path.
	// Default 1000.
	LargeThreshold int

	// FirstPageSize and PageSize control pagination of large collections.
	// Defaults 50 and 100.
	FirstPageSize int
	PageSize      int

	// Thresholds tune priority classification.
	Thresholds Thresholds

	// DebounceDelay is the base recommendation for UI-side debouncing.
	// Default 300ms.
	DebounceDelay time.Duration

	// Clock overrides timing for tests.
	Clock Clock

	// Logger defaults to stderr.
	Logger *log.Logger
}

// Recommendation is the coordinator's current tuning advice, derived from
// observed network conditions.
type Recommendation struct {
	BatchSize     int
	DebounceDelay time.Duration
	Network       NetworkStats
}

// Coordinator routes initial sync and exposes network-derived tuning. One
// coordinator lives per application; Shutdown stops everything it started.
type Coordinator struct {
	cfg        CoordinatorConfig
	classifier *Classifier
	monitor    *Monitor
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	paginator *Paginator
}

// NewCoordinator creates a coordinator feeding off the given network monitor.
// A nil monitor gets a default one.
func NewCoordinator(cfg CoordinatorConfig, monitor *Monitor) *Coordinator {
	if cfg.LargeThreshold <= 0 {
		cfg.LargeThreshold = DefaultLargeThreshold
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 300 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	if monitor == nil {
		monitor = NewMonitor(MonitorConfig{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		classifier: NewClassifier(cfg.Thresholds, cfg.Clock),
		monitor:    monitor,
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Classifier exposes the coordinator's priority classifier, so the view layer
// can install its Viewed hook.
func (c *Coordinator) Classifier() *Classifier { return c.classifier }

// Monitor exposes the network monitor for transports to feed latencies into.
func (c *Coordinator) Monitor() *Monitor { return c.monitor }

// InitialSync delivers the collection through onPage. Small collections go in
// one page; large ones are classified, sorted and paginated so the most
// relevant bookmarks land first.
func (c *Coordinator) InitialSync(ctx context.Context, bookmarks []store.Bookmark, onPage func(page []store.Bookmark) error) (Progress, error) {
	ctx = c.bound(ctx)

	if len(bookmarks) <= c.cfg.LargeThreshold {
		if len(bookmarks) > 0 {
			if err := onPage(bookmarks); err != nil {
				return Progress{Total: len(bookmarks)}, err
			}
		}
		return Progress{
			Processed: len(bookmarks),
			Total:     len(bookmarks),
			Percent:   100,
			Complete:  true,
		}, nil
	}

	c.logger.Printf("large collection (%d bookmarks): using prioritized pagination", len(bookmarks))
	prioritized := c.classifier.Prioritize(bookmarks)
	paginator := NewPaginator(prioritized, c.cfg.FirstPageSize, c.cfg.PageSize)

	c.mu.Lock()
	c.paginator = paginator
	c.mu.Unlock()

	err := paginator.Pages(ctx, onPage)
	return paginator.Progress(), err
}

// SyncProgress reports the in-flight (or last) initial sync, if any.
func (c *Coordinator) SyncProgress() (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paginator == nil {
		return Progress{}, false
	}
	return c.paginator.Progress(), true
}

// Recommended returns current tuning advice. A slow network gets smaller
// batches and a longer debounce.
func (c *Coordinator) Recommended() Recommendation {
	stats := c.monitor.Stats()
	debounce := c.cfg.DebounceDelay
	if stats.Slow {
		debounce *= 3
	}
	return Recommendation{
		BatchSize:     c.monitor.RecommendedBatchSize(),
		DebounceDelay: debounce,
		Network:       stats,
	}
}

// Shutdown cancels any in-flight sync work. Idempotent.
func (c *Coordinator) Shutdown() {
	c.cancel()
}

// bound ties the caller's context to the coordinator's lifetime.
func (c *Coordinator) bound(ctx context.Context) context.Context {
	merged, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.ctx.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged
}
