package syncer

import (
	"sync"
	"time"
)

// NetworkStats is a snapshot of observed network conditions.
type NetworkStats struct {
	Samples        int
	AverageLatency time.Duration
	Slow           bool
}

// MonitorConfig tunes the network monitor.
type MonitorConfig struct {
	// WindowSize is how many recent samples the rolling average covers.
	// Default 10.
	WindowSize int

	// SlowThreshold is the average latency past which the network counts as
	// slow. Default 500ms.
	SlowThreshold time.Duration

	// MinSamples is how many samples are required before Slow can trigger.
	// Default 3.
	MinSamples int

	// MaxBatchSize and MinBatchSize bound the recommendation.
	// Defaults 100 and 10.
	MaxBatchSize int
	MinBatchSize int
}

// Monitor keeps a rolling window of round-trip latencies and derives batch
// sizing from it: the slower the network, the smaller the batches, down to a
// floor.
type Monitor struct {
	cfg MonitorConfig

	mu      sync.Mutex
	samples []time.Duration
}

// NewMonitor creates a monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 500 * time.Millisecond
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 3
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 10
	}
	return &Monitor{cfg: cfg}
}

// Record adds one observed round-trip latency.
func (m *Monitor) Record(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, latency)
	if len(m.samples) > m.cfg.WindowSize {
		m.samples = m.samples[len(m.samples)-m.cfg.WindowSize:]
	}
}

// Average returns the rolling average latency, zero with no samples.
func (m *Monitor) Average() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageLocked()
}

func (m *Monitor) averageLocked() time.Duration {
	if len(m.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range m.samples {
		total += s
	}
	return total / time.Duration(len(m.samples))
}

// Slow reports whether the recent average exceeds the threshold, once enough
// samples exist to trust it.
func (m *Monitor) Slow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) < m.cfg.MinSamples {
		return false
	}
	return m.averageLocked() > m.cfg.SlowThreshold
}

// RecommendedBatchSize scales the batch size down linearly as average latency
// approaches and passes the slow threshold, never below the floor.
func (m *Monitor) RecommendedBatchSize() int {
	m.mu.Lock()
	avg := m.averageLocked()
	n := len(m.samples)
	m.mu.Unlock()

	if n == 0 || avg <= 0 {
		return m.cfg.MaxBatchSize
	}

	// Full size at zero latency, floor at twice the slow threshold.
	scale := 1 - float64(avg)/float64(2*m.cfg.SlowThreshold)
	size := int(float64(m.cfg.MaxBatchSize) * scale)
	if size < m.cfg.MinBatchSize {
		return m.cfg.MinBatchSize
	}
	if size > m.cfg.MaxBatchSize {
		return m.cfg.MaxBatchSize
	}
	return size
}

// Stats returns a snapshot for status reporting.
func (m *Monitor) Stats() NetworkStats {
	m.mu.Lock()
	n := len(m.samples)
	avg := m.averageLocked()
	m.mu.Unlock()

	return NetworkStats{
		Samples:        n,
		AverageLatency: avg,
		Slow:           n >= m.cfg.MinSamples && avg > m.cfg.SlowThreshold,
	}
}
