package metrics

import (
	"sync"
	"time"

	"sasi-cats/internal/logging"
)

// StatsProvider supplies point-in-time pipeline counters.
type StatsProvider interface {
	GetStats() Stats
}

// Stats holds the current pipeline statistics
type Stats struct {
	QueuedJobs      int
	RunningJobs     int
	BusySlots       int
	CompleteEntries int
	WritingEntries  int
	CacheBytes      int64
}

// Collector periodically copies Stats into gauges.
type Collector struct {
	statsProvider StatsProvider
	interval      time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	return &Collector{
		statsProvider: provider,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the collection loop. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *Collector) collectLoop() {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	if c.statsProvider == nil {
		return
	}

	stats := c.statsProvider.GetStats()

	QueueJobs.WithLabelValues("queued").Set(float64(stats.QueuedJobs))
	QueueJobs.WithLabelValues("running").Set(float64(stats.RunningJobs))
	TranscodeSlotsBusy.Set(float64(stats.BusySlots))
	CacheEntries.WithLabelValues("complete").Set(float64(stats.CompleteEntries))
	CacheEntries.WithLabelValues("writing").Set(float64(stats.WritingEntries))
	CacheBytes.Set(float64(stats.CacheBytes))

	logging.Debug("Metrics collected: queued=%d, running=%d, busy=%d, cached=%d (%d bytes)",
		stats.QueuedJobs, stats.RunningJobs, stats.BusySlots, stats.CompleteEntries, stats.CacheBytes)
}
