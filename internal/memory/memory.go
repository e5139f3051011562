package memory

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"sasi-cats/internal/logging"
	"sasi-cats/internal/metrics"
)

// Config tunes the Monitor.
type Config struct {
	// LimitBytes is the heap limit to measure against. Zero means use
	// GOMEMLIMIT, and no limit at all disables the monitor.
	LimitBytes int64
	// ResumeRatio is the usage below which a paused monitor resumes.
	ResumeRatio float64
	// PauseRatio is the usage at or above which the monitor pauses.
	PauseRatio float64
	// CheckInterval is the sampling period.
	CheckInterval time.Duration
}

// DefaultConfig returns the standard watermarks.
func DefaultConfig() Config {
	return Config{
		ResumeRatio:   0.7,
		PauseRatio:    0.85,
		CheckInterval: 5 * time.Second,
	}
}

// Monitor samples heap usage and exposes a paused flag for backpressure.
type Monitor struct {
	config Config
	limit  int64
	sample func() uint64

	mu      sync.RWMutex
	current uint64
	paused  bool
	resumed chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a Monitor. It does nothing until Start.
func NewMonitor(config Config) *Monitor {
	limit := config.LimitBytes
	if limit == 0 {
		if l := debug.SetMemoryLimit(-1); l > 0 && l < 1<<62 {
			limit = l
		}
	}
	if limit == 0 {
		logging.Warn("Memory monitor: no memory limit configured, backpressure disabled")
	} else {
		logging.Info("Memory monitor limit: %s", FormatBytes(limit))
	}

	return &Monitor{
		config:  config,
		limit:   limit,
		sample:  heapAlloc,
		resumed: make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

// Start begins sampling. It is a no-op without a limit.
func (m *Monitor) Start() {
	if m.limit == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.check()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop ends sampling and releases any waiters. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) check() {
	alloc := m.sample()
	usage := float64(alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = alloc

	switch {
	case !m.paused && usage >= m.config.PauseRatio:
		logging.Warn("Memory at %.1f%% of limit, pausing new transcodes", usage*100)
		m.paused = true
		metrics.MemoryPaused.Set(1)
		go runtime.GC()
	case m.paused && usage < m.config.ResumeRatio:
		logging.Info("Memory back to %.1f%% of limit, resuming transcodes", usage*100)
		m.paused = false
		metrics.MemoryPaused.Set(0)
		close(m.resumed)
		m.resumed = make(chan struct{})
	}
}

// WaitIfPaused blocks while the monitor is paused. It returns false if ctx
// ends or the monitor is stopped first.
func (m *Monitor) WaitIfPaused(ctx context.Context) bool {
	m.mu.RLock()
	if !m.paused {
		m.mu.RUnlock()
		return true
	}
	resumed := m.resumed
	m.mu.RUnlock()

	select {
	case <-resumed:
		return true
	case <-ctx.Done():
		return false
	case <-m.stop:
		return false
	}
}

// IsPaused reports whether new work should wait.
func (m *Monitor) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// Usage returns the last sampled usage as a fraction of the limit, or 0
// without a limit.
func (m *Monitor) Usage() float64 {
	if m.limit == 0 {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.current) / float64(m.limit)
}

// Limit returns the limit in bytes, 0 when disabled.
func (m *Monitor) Limit() int64 {
	return m.limit
}
